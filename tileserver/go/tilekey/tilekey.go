// Package tilekey canonicalises tile request parameters into the cache keys
// and storage paths used by every other layer. All functions are pure; the
// only injected dependency is the visparam lookup used during validation.
package tilekey

import (
	"fmt"
	"strconv"
	"strings"

	"go.lapig.org/tiles/go/skerr"
	"go.lapig.org/tiles/tileserver/go/types"
)

const (
	// MinZoom and MaxZoom bound the servable tile pyramid.
	MinZoom = 6
	MaxZoom = 18

	blobRoot = "tiles"
)

// Registry is the part of the visparam registry needed for validation.
type Registry interface {
	// Exists returns true if the named visparam is known and active.
	Exists(name string) bool

	// IsCompatible returns true if the named visparam may be rendered on the
	// given layer.
	IsCompatible(layer types.Layer, name string) bool
}

// Canonicalize validates every field of the request and returns its TileKey.
// Validation failures are BadRequest; an unknown or incompatible visparam is
// NotFound. Invalid requests are never forwarded upstream.
func Canonicalize(req types.TileRequest, reg Registry, currentYear int) (types.TileKey, error) {
	if !req.Layer.Valid() {
		return types.TileKey{}, types.Errf(types.NotFound, "unknown layer %q", req.Layer)
	}
	if req.Z < MinZoom || req.Z > MaxZoom {
		return types.TileKey{}, types.Errf(types.BadRequest, "zoom %d outside [%d, %d]", req.Z, MinZoom, MaxZoom)
	}
	n := 1 << uint(req.Z)
	if req.X < 0 || req.X >= n || req.Y < 0 || req.Y >= n {
		return types.TileKey{}, types.Errf(types.BadRequest, "tile %d/%d outside zoom %d range", req.X, req.Y, req.Z)
	}
	if !req.Period.Valid() {
		return types.TileKey{}, types.Errf(types.BadRequest, "unknown period %q", req.Period)
	}
	month := 0
	if req.Period == types.PeriodMonth {
		if req.Month < 1 || req.Month > 12 {
			return types.TileKey{}, types.Errf(types.BadRequest, "month %d outside 1-12", req.Month)
		}
		month = req.Month
	} else if req.Month != 0 {
		return types.TileKey{}, types.Errf(types.BadRequest, "month is only valid with period MONTH")
	}
	if req.Year < req.Layer.FirstYear() || req.Year > currentYear {
		return types.TileKey{}, types.Errf(types.NotFound, "year %d outside %q range [%d, %d]", req.Year, req.Layer, req.Layer.FirstYear(), currentYear)
	}
	visparam := strings.ToLower(req.VisParam)
	if visparam == "" {
		return types.TileKey{}, types.Errf(types.BadRequest, "visparam is required")
	}
	if !reg.Exists(visparam) {
		return types.TileKey{}, types.Errf(types.NotFound, "unknown visparam %q", visparam)
	}
	if !reg.IsCompatible(req.Layer, visparam) {
		return types.TileKey{}, types.Errf(types.NotFound, "visparam %q is not compatible with layer %q", visparam, req.Layer)
	}
	return types.TileKey{
		MosaicKey: types.MosaicKey{
			Layer:    req.Layer,
			Period:   req.Period,
			Year:     req.Year,
			Month:    month,
			VisParam: visparam,
		},
		Z: req.Z,
		X: req.X,
		Y: req.Y,
	}, nil
}

// MosaicOf returns the MosaicKey of a TileKey.
func MosaicOf(k types.TileKey) types.MosaicKey {
	return k.MosaicKey
}

// MosaicString returns the canonical string form of a MosaicKey, e.g.
// "s2_harmonized|WET|2023|tvi-red" or "landsat|MONTH|2024|07|landsat-tvi-false".
func MosaicString(k types.MosaicKey) string {
	parts := []string{string(k.Layer), string(k.Period), strconv.Itoa(k.Year)}
	if k.Period == types.PeriodMonth {
		parts = append(parts, fmt.Sprintf("%02d", k.Month))
	}
	parts = append(parts, k.VisParam)
	return strings.Join(parts, "|")
}

// TileString returns the canonical string form of a TileKey, the MosaicKey
// form extended with the tile address.
func TileString(k types.TileKey) string {
	return fmt.Sprintf("%s|%d|%d|%d", MosaicString(k.MosaicKey), k.Z, k.X, k.Y)
}

// BlobPath returns the object-store path of a tile:
// tiles/<layer>/<period>/<year>[/<month>]/<visparam>/<z>/<x>/<y>.png
func BlobPath(k types.TileKey) string {
	return fmt.Sprintf("%s/%d/%d/%d.png", MosaicBlobPrefix(k.MosaicKey), k.Z, k.X, k.Y)
}

// MosaicBlobPrefix returns the object-store prefix shared by all tiles of one
// mosaic.
func MosaicBlobPrefix(k types.MosaicKey) string {
	if k.Period == types.PeriodMonth {
		return fmt.Sprintf("%s/%s/%s/%d/%02d/%s", blobRoot, k.Layer, k.Period, k.Year, k.Month, k.VisParam)
	}
	return fmt.Sprintf("%s/%s/%s/%d/%s", blobRoot, k.Layer, k.Period, k.Year, k.VisParam)
}

// InvalidationPrefixes returns the object-store prefixes covering a layer,
// optionally narrowed to one year. The year sits behind the period segment in
// the path layout, so narrowing by year yields one prefix per period.
func InvalidationPrefixes(layer types.Layer, year int) []string {
	if year == 0 {
		return []string{fmt.Sprintf("%s/%s/", blobRoot, layer)}
	}
	ret := make([]string, 0, len(types.AllPeriods))
	for _, period := range types.AllPeriods {
		ret = append(ret, fmt.Sprintf("%s/%s/%s/%d/", blobRoot, layer, period, year))
	}
	return ret
}

// ParseBlobPath is the inverse of BlobPath. It returns an error for any path
// that BlobPath could not have produced.
func ParseBlobPath(path string) (types.TileKey, error) {
	parts := strings.Split(path, "/")
	if len(parts) != 8 && len(parts) != 9 {
		return types.TileKey{}, skerr.Fmt("malformed blob path %q", path)
	}
	if parts[0] != blobRoot {
		return types.TileKey{}, skerr.Fmt("blob path %q does not start with %q", path, blobRoot)
	}
	layer := types.Layer(parts[1])
	if !layer.Valid() {
		return types.TileKey{}, skerr.Fmt("unknown layer in blob path %q", path)
	}
	period := types.Period(parts[2])
	if !period.Valid() {
		return types.TileKey{}, skerr.Fmt("unknown period in blob path %q", path)
	}
	year, err := strconv.Atoi(parts[3])
	if err != nil {
		return types.TileKey{}, skerr.Wrapf(err, "parsing year in blob path %q", path)
	}
	idx := 4
	month := 0
	if period == types.PeriodMonth {
		if len(parts) != 9 {
			return types.TileKey{}, skerr.Fmt("MONTH blob path %q is missing the month segment", path)
		}
		month, err = strconv.Atoi(parts[4])
		if err != nil || month < 1 || month > 12 {
			return types.TileKey{}, skerr.Fmt("bad month in blob path %q", path)
		}
		idx = 5
	} else if len(parts) != 8 {
		return types.TileKey{}, skerr.Fmt("blob path %q has a month segment but period %q", path, period)
	}
	visparam := parts[idx]
	z, err := strconv.Atoi(parts[idx+1])
	if err != nil {
		return types.TileKey{}, skerr.Wrapf(err, "parsing z in blob path %q", path)
	}
	x, err := strconv.Atoi(parts[idx+2])
	if err != nil {
		return types.TileKey{}, skerr.Wrapf(err, "parsing x in blob path %q", path)
	}
	last := parts[idx+3]
	if !strings.HasSuffix(last, ".png") {
		return types.TileKey{}, skerr.Fmt("blob path %q does not end in .png", path)
	}
	y, err := strconv.Atoi(strings.TrimSuffix(last, ".png"))
	if err != nil {
		return types.TileKey{}, skerr.Wrapf(err, "parsing y in blob path %q", path)
	}
	return types.TileKey{
		MosaicKey: types.MosaicKey{
			Layer:    layer,
			Period:   period,
			Year:     year,
			Month:    month,
			VisParam: visparam,
		},
		Z: z,
		X: x,
		Y: y,
	}, nil
}
