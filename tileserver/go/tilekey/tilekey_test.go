package tilekey

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.lapig.org/tiles/tileserver/go/types"
)

const currentYear = 2026

// fakeRegistry knows two recipes, one per satellite family.
type fakeRegistry struct{}

func (fakeRegistry) Exists(name string) bool {
	return name == "tvi-red" || name == "landsat-tvi-false"
}

func (fakeRegistry) IsCompatible(layer types.Layer, name string) bool {
	if layer == types.LayerLandsat {
		return name == "landsat-tvi-false"
	}
	return name == "tvi-red"
}

func validRequest() types.TileRequest {
	return types.TileRequest{
		Layer:    types.LayerS2Harmonized,
		Z:        12,
		X:        100,
		Y:        100,
		Period:   types.PeriodWet,
		Year:     2023,
		VisParam: "tvi-red",
	}
}

func TestCanonicalize_ValidRequest_Success(t *testing.T) {
	key, err := Canonicalize(validRequest(), fakeRegistry{}, currentYear)
	require.NoError(t, err)
	assert.Equal(t, "s2_harmonized|WET|2023|tvi-red", MosaicString(key.MosaicKey))
	assert.Equal(t, "s2_harmonized|WET|2023|tvi-red|12|100|100", TileString(key))
	assert.Equal(t, "tiles/s2_harmonized/WET/2023/tvi-red/12/100/100.png", BlobPath(key))
}

func TestCanonicalize_MonthPeriod_MonthIsZeroPadded(t *testing.T) {
	req := types.TileRequest{
		Layer:    types.LayerLandsat,
		Z:        12,
		X:        1,
		Y:        2,
		Period:   types.PeriodMonth,
		Year:     2024,
		Month:    7,
		VisParam: "landsat-tvi-false",
	}
	key, err := Canonicalize(req, fakeRegistry{}, currentYear)
	require.NoError(t, err)
	assert.Equal(t, "landsat|MONTH|2024|07|landsat-tvi-false", MosaicString(key.MosaicKey))
	assert.Equal(t, "tiles/landsat/MONTH/2024/07/landsat-tvi-false/12/1/2.png", BlobPath(key))
}

func TestCanonicalize_Boundaries(t *testing.T) {
	test := func(name string, mutate func(*types.TileRequest), wantKind types.ErrorKind) {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			_, err := Canonicalize(req, fakeRegistry{}, currentYear)
			require.Error(t, err)
			assert.Equal(t, wantKind, types.KindOf(err))
		})
	}
	test("zoom 5 is too low", func(r *types.TileRequest) { r.Z = 5 }, types.BadRequest)
	test("zoom 19 is too high", func(r *types.TileRequest) { r.Z = 19 }, types.BadRequest)
	test("x outside range", func(r *types.TileRequest) { r.X = 1 << 12 }, types.BadRequest)
	test("negative y", func(r *types.TileRequest) { r.Y = -1 }, types.BadRequest)
	test("unknown period", func(r *types.TileRequest) { r.Period = "SPRING" }, types.BadRequest)
	test("month without MONTH", func(r *types.TileRequest) { r.Month = 3 }, types.BadRequest)
	test("month 13", func(r *types.TileRequest) {
		r.Period = types.PeriodMonth
		r.Month = 13
	}, types.BadRequest)
	test("month 0 with MONTH", func(r *types.TileRequest) {
		r.Period = types.PeriodMonth
		r.Month = 0
	}, types.BadRequest)
	test("S2 before 2017", func(r *types.TileRequest) { r.Year = 2016 }, types.NotFound)
	test("year in the future", func(r *types.TileRequest) { r.Year = currentYear + 1 }, types.NotFound)
	test("unknown layer", func(r *types.TileRequest) { r.Layer = "modis" }, types.NotFound)
	test("unknown visparam", func(r *types.TileRequest) { r.VisParam = "nope" }, types.NotFound)
	test("landsat recipe on s2", func(r *types.TileRequest) { r.VisParam = "landsat-tvi-false" }, types.NotFound)
	test("missing visparam", func(r *types.TileRequest) { r.VisParam = "" }, types.BadRequest)
}

func TestCanonicalize_LandsatBefore1985_NotFound(t *testing.T) {
	req := types.TileRequest{
		Layer:    types.LayerLandsat,
		Z:        10,
		X:        5,
		Y:        5,
		Period:   types.PeriodDry,
		Year:     1984,
		VisParam: "landsat-tvi-false",
	}
	_, err := Canonicalize(req, fakeRegistry{}, currentYear)
	require.Error(t, err)
	assert.Equal(t, types.NotFound, types.KindOf(err))
}

func randomValidKey(r *rand.Rand) types.TileKey {
	layers := []types.Layer{types.LayerS2Harmonized, types.LayerLandsat}
	layer := layers[r.Intn(len(layers))]
	period := types.AllPeriods[r.Intn(len(types.AllPeriods))]
	month := 0
	if period == types.PeriodMonth {
		month = 1 + r.Intn(12)
	}
	z := MinZoom + r.Intn(MaxZoom-MinZoom+1)
	n := 1 << uint(z)
	visparam := "tvi-red"
	if layer == types.LayerLandsat {
		visparam = "landsat-tvi-false"
	}
	return types.TileKey{
		MosaicKey: types.MosaicKey{
			Layer:    layer,
			Period:   period,
			Year:     layer.FirstYear() + r.Intn(currentYear-layer.FirstYear()+1),
			Month:    month,
			VisParam: visparam,
		},
		Z: z,
		X: r.Intn(n),
		Y: r.Intn(n),
	}
}

func TestParseBlobPath_RoundTrip_1000RandomKeys(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		key := randomValidKey(r)
		parsed, err := ParseBlobPath(BlobPath(key))
		require.NoError(t, err, "key %+v", key)
		require.Equal(t, key, parsed)
	}
}

func TestParseBlobPath_Malformed_ReturnsError(t *testing.T) {
	for _, path := range []string{
		"",
		"tiles",
		"nottiles/s2_harmonized/WET/2023/tvi-red/12/100/100.png",
		"tiles/modis/WET/2023/tvi-red/12/100/100.png",
		"tiles/s2_harmonized/SPRING/2023/tvi-red/12/100/100.png",
		"tiles/s2_harmonized/WET/2023/tvi-red/12/100/100.jpg",
		"tiles/landsat/MONTH/2024/landsat-tvi-false/12/1/2.png",
		"tiles/s2_harmonized/WET/2023/07/tvi-red/12/100/100.png",
	} {
		_, err := ParseBlobPath(path)
		assert.Error(t, err, "path %q", path)
	}
}

func TestInvalidationPrefixes_YearNarrowsToPeriods(t *testing.T) {
	got := InvalidationPrefixes(types.LayerLandsat, 2024)
	require.Equal(t, []string{
		"tiles/landsat/WET/2024/",
		"tiles/landsat/DRY/2024/",
		"tiles/landsat/MONTH/2024/",
	}, got)
	require.Equal(t, []string{"tiles/landsat/"}, InvalidationPrefixes(types.LayerLandsat, 0))
}

func TestTilesForPoint_OneTilePerZoom(t *testing.T) {
	tiles := TilesForPoint(-16.68, -49.25, []int{12, 13, 14})
	require.Len(t, tiles, 3)
	for i, z := range []int{12, 13, 14} {
		assert.Equal(t, z, tiles[i].Z)
		minLon, minLat, maxLon, maxLat := TileBounds(tiles[i].Z, tiles[i].X, tiles[i].Y)
		assert.LessOrEqual(t, minLon, -49.25)
		assert.GreaterOrEqual(t, maxLon, -49.25)
		assert.LessOrEqual(t, minLat, -16.68)
		assert.GreaterOrEqual(t, maxLat, -16.68)
	}
}

func TestTilesForBBox_CoversCorners(t *testing.T) {
	b := BBox{West: -50.0, South: -17.0, East: -49.0, North: -16.0}
	tiles := TilesForBBox(b, 10)
	require.NotEmpty(t, tiles)
	seen := map[string]bool{}
	for _, tile := range tiles {
		seen[fmt.Sprintf("%d/%d/%d", tile.Z, tile.X, tile.Y)] = true
	}
	for _, corner := range [][2]float64{{-50.0, -17.0}, {-49.0, -16.0}, {-50.0, -16.0}, {-49.0, -17.0}} {
		x, y := LonLatToTile(corner[0], corner[1], 10)
		assert.True(t, seen[fmt.Sprintf("10/%d/%d", x, y)], "corner %v", corner)
	}
}

func TestPeriodRange_KnownWindows(t *testing.T) {
	assert.Equal(t, DateRange{Start: "2023-01-01", End: "2023-04-30"}, PeriodRange(types.MosaicKey{Period: types.PeriodWet, Year: 2023}))
	assert.Equal(t, DateRange{Start: "2023-06-01", End: "2023-10-30"}, PeriodRange(types.MosaicKey{Period: types.PeriodDry, Year: 2023}))
	assert.Equal(t, DateRange{Start: "2024-02-01", End: "2024-02-29"}, PeriodRange(types.MosaicKey{Period: types.PeriodMonth, Year: 2024, Month: 2}))
	assert.Equal(t, DateRange{Start: "2023-02-01", End: "2023-02-28"}, PeriodRange(types.MosaicKey{Period: types.PeriodMonth, Year: 2023, Month: 2}))
}
