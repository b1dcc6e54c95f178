// Package visparams is the read-only view over the externally managed
// visualization-parameter catalogue. Recipes live in MongoDB; a built-in set
// keeps the server rendering when the catalogue is unreachable.
package visparams

import (
	"go.lapig.org/tiles/go/skerr"
	"go.lapig.org/tiles/tileserver/go/types"
)

// Category says which satellite family a recipe renders.
type Category string

const (
	CategorySentinel Category = "sentinel"
	CategoryLandsat  Category = "landsat"
)

// CategoryForLayer maps a layer to the recipe category it accepts.
func CategoryForLayer(layer types.Layer) Category {
	if layer == types.LayerLandsat {
		return CategoryLandsat
	}
	return CategorySentinel
}

// Recipe is a Sentinel-2 render recipe. Min/max/gamma are the comma-separated
// string form the compute backend expects.
type Recipe struct {
	Bands []string `bson:"bands" json:"bands"`
	Min   string   `bson:"min" json:"min"`
	Max   string   `bson:"max" json:"max"`
	Gamma string   `bson:"gamma" json:"gamma"`
}

// LandsatRecipe is a per-sensor Landsat render recipe. Landsat surface
// reflectance is scaled, so ranges are numeric.
type LandsatRecipe struct {
	Bands []string  `bson:"bands" json:"bands"`
	Min   []float64 `bson:"min" json:"min"`
	Max   []float64 `bson:"max" json:"max"`
	Gamma []float64 `bson:"gamma" json:"gamma"`
}

// SatelliteConfig binds a LandsatRecipe to one upstream image collection.
type SatelliteConfig struct {
	CollectionID string        `bson:"collection_id" json:"collection_id"`
	Recipe       LandsatRecipe `bson:"vis_params" json:"vis_params"`
}

// VisParam is one named recipe from the catalogue.
type VisParam struct {
	Name     string   `bson:"name" json:"name"`
	Category Category `bson:"category" json:"category"`
	Active   bool     `bson:"active" json:"active"`

	// BandSelect and BandRename pick and rename source bands before
	// rendering. Sentinel only.
	BandSelect []string `bson:"band_select,omitempty" json:"band_select,omitempty"`
	BandRename []string `bson:"band_rename,omitempty" json:"band_rename,omitempty"`

	// Recipe is the render recipe for Sentinel layers.
	Recipe *Recipe `bson:"recipe,omitempty" json:"recipe,omitempty"`

	// SatelliteConfigs holds one recipe per Landsat sensor generation.
	SatelliteConfigs []SatelliteConfig `bson:"satellite_configs,omitempty" json:"satellite_configs,omitempty"`
}

// LandsatMapping assigns an image collection to a year range.
type LandsatMapping struct {
	Collection string `bson:"collection" json:"collection"`
	Sensor     string `bson:"sensor" json:"sensor"`
	StartYear  int    `bson:"start_year" json:"start_year"`
	EndYear    int    `bson:"end_year" json:"end_year"` // Zero means open-ended.
}

// DefaultLandsatMappings is the fallback year to collection table.
var DefaultLandsatMappings = []LandsatMapping{
	{Collection: "LANDSAT/LT05/C02/T1_L2", Sensor: "TM", StartYear: 1985, EndYear: 2011},
	{Collection: "LANDSAT/LE07/C02/T1_L2", Sensor: "ETM+", StartYear: 2012, EndYear: 2013},
	{Collection: "LANDSAT/LC08/C02/T1_L2", Sensor: "OLI", StartYear: 2014, EndYear: 2024},
	{Collection: "LANDSAT/LC09/C02/T1_L2", Sensor: "OLI-2", StartYear: 2025, EndYear: 0},
}

// CollectionForYear resolves a year against the mapping table.
func CollectionForYear(mappings []LandsatMapping, year int) (string, error) {
	for _, m := range mappings {
		if year >= m.StartYear && (m.EndYear == 0 || year <= m.EndYear) {
			return m.Collection, nil
		}
	}
	return "", skerr.Fmt("no landsat collection covers year %d", year)
}

// SentinelCollection is the image collection backing s2_harmonized.
const SentinelCollection = "COPERNICUS/S2_HARMONIZED"

// Builtins returns the built-in recipes used when the catalogue is empty or
// unreachable.
func Builtins() []VisParam {
	return []VisParam{
		{
			Name:       "tvi-green",
			Category:   CategorySentinel,
			Active:     true,
			BandSelect: []string{"B4", "B8A", "B11"},
			BandRename: []string{"RED", "REDEDGE4", "SWIR1"},
			Recipe: &Recipe{
				Bands: []string{"SWIR1", "REDEDGE4", "RED"},
				Min:   "600, 700, 400",
				Max:   "4300, 5400, 2800",
				Gamma: "1.1",
			},
		},
		{
			Name:       "tvi-red",
			Category:   CategorySentinel,
			Active:     true,
			BandSelect: []string{"B4", "B8A", "B11"},
			BandRename: []string{"RED", "REDEDGE4", "SWIR1"},
			Recipe: &Recipe{
				Bands: []string{"REDEDGE4", "SWIR1", "RED"},
				Min:   "700, 600, 400",
				Max:   "5400, 4300, 2800",
				Gamma: "1.1",
			},
		},
		{
			Name:       "tvi-rgb",
			Category:   CategorySentinel,
			Active:     true,
			BandSelect: []string{"B4", "B3", "B2"},
			Recipe: &Recipe{
				Bands: []string{"B4", "B3", "B2"},
				Min:   "200, 300, 700",
				Max:   "3000, 2500, 2300",
				Gamma: "1.35",
			},
		},
		{
			Name:     "landsat-tvi-true",
			Category: CategoryLandsat,
			Active:   true,
			SatelliteConfigs: []SatelliteConfig{
				{CollectionID: "LANDSAT/LT05/C02/T1_L2", Recipe: LandsatRecipe{Bands: []string{"SR_B3", "SR_B2", "SR_B1"}, Min: []float64{0.03, 0.03, 0.0}, Max: []float64{0.25, 0.25, 0.25}, Gamma: []float64{1.2}}},
				{CollectionID: "LANDSAT/LE07/C02/T1_L2", Recipe: LandsatRecipe{Bands: []string{"SR_B3", "SR_B2", "SR_B1"}, Min: []float64{0.03, 0.03, 0.0}, Max: []float64{0.25, 0.25, 0.25}, Gamma: []float64{1.2}}},
				{CollectionID: "LANDSAT/LC08/C02/T1_L2", Recipe: LandsatRecipe{Bands: []string{"SR_B4", "SR_B3", "SR_B2"}, Min: []float64{0.03, 0.03, 0.0}, Max: []float64{0.25, 0.25, 0.25}, Gamma: []float64{1.2}}},
				{CollectionID: "LANDSAT/LC09/C02/T1_L2", Recipe: LandsatRecipe{Bands: []string{"SR_B4", "SR_B3", "SR_B2"}, Min: []float64{0.03, 0.03, 0.0}, Max: []float64{0.25, 0.25, 0.25}, Gamma: []float64{1.2}}},
			},
		},
		{
			Name:     "landsat-tvi-agri",
			Category: CategoryLandsat,
			Active:   true,
			SatelliteConfigs: []SatelliteConfig{
				{CollectionID: "LANDSAT/LT05/C02/T1_L2", Recipe: LandsatRecipe{Bands: []string{"SR_B5", "SR_B4", "SR_B3"}, Min: []float64{0.05, 0.05, 0.03}, Max: []float64{0.5, 0.55, 0.3}, Gamma: []float64{0.9}}},
				{CollectionID: "LANDSAT/LE07/C02/T1_L2", Recipe: LandsatRecipe{Bands: []string{"SR_B5", "SR_B4", "SR_B3"}, Min: []float64{0.05, 0.05, 0.03}, Max: []float64{0.5, 0.55, 0.3}, Gamma: []float64{0.9}}},
				{CollectionID: "LANDSAT/LC08/C02/T1_L2", Recipe: LandsatRecipe{Bands: []string{"SR_B6", "SR_B5", "SR_B4"}, Min: []float64{0.05, 0.05, 0.03}, Max: []float64{0.5, 0.55, 0.3}, Gamma: []float64{0.9}}},
				{CollectionID: "LANDSAT/LC09/C02/T1_L2", Recipe: LandsatRecipe{Bands: []string{"SR_B6", "SR_B5", "SR_B4"}, Min: []float64{0.05, 0.05, 0.03}, Max: []float64{0.5, 0.55, 0.3}, Gamma: []float64{0.9}}},
			},
		},
		{
			Name:     "landsat-tvi-false",
			Category: CategoryLandsat,
			Active:   true,
			SatelliteConfigs: []SatelliteConfig{
				{CollectionID: "LANDSAT/LT05/C02/T1_L2", Recipe: LandsatRecipe{Bands: []string{"SR_B4", "SR_B5", "SR_B3"}, Min: []float64{0.05, 0.05, 0.03}, Max: []float64{0.6, 0.55, 0.3}, Gamma: []float64{1.2}}},
				{CollectionID: "LANDSAT/LE07/C02/T1_L2", Recipe: LandsatRecipe{Bands: []string{"SR_B4", "SR_B5", "SR_B3"}, Min: []float64{0.05, 0.05, 0.03}, Max: []float64{0.6, 0.55, 0.3}, Gamma: []float64{1.2}}},
				{CollectionID: "LANDSAT/LC08/C02/T1_L2", Recipe: LandsatRecipe{Bands: []string{"SR_B5", "SR_B6", "SR_B4"}, Min: []float64{0.05, 0.05, 0.03}, Max: []float64{0.6, 0.55, 0.3}, Gamma: []float64{1.2}}},
				{CollectionID: "LANDSAT/LC09/C02/T1_L2", Recipe: LandsatRecipe{Bands: []string{"SR_B5", "SR_B6", "SR_B4"}, Min: []float64{0.05, 0.05, 0.03}, Max: []float64{0.6, 0.55, 0.3}, Gamma: []float64{1.2}}},
			},
		},
	}
}
