package tilekey

import (
	"fmt"
	"math"

	"go.lapig.org/tiles/tileserver/go/types"
)

// XYZ is a tile address in the slippy-map convention.
type XYZ struct {
	Z int
	X int
	Y int
}

// LonLatToTile converts WGS84 lon/lat to the tile containing it at the given
// zoom level.
func LonLatToTile(lon, lat float64, zoom int) (x, y int) {
	n := math.Pow(2, float64(zoom))
	x = int(math.Floor((lon + 180.0) / 360.0 * n))
	latRad := lat * math.Pi / 180.0
	y = int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))

	maxTile := int(n) - 1
	if x < 0 {
		x = 0
	}
	if x > maxTile {
		x = maxTile
	}
	if y < 0 {
		y = 0
	}
	if y > maxTile {
		y = maxTile
	}
	return
}

// TileBounds returns the WGS84 bounding box of a tile.
func TileBounds(z, x, y int) (minLon, minLat, maxLon, maxLat float64) {
	n := math.Pow(2, float64(z))
	minLon = float64(x)/n*360.0 - 180.0
	maxLon = float64(x+1)/n*360.0 - 180.0
	minLat = math.Atan(math.Sinh(math.Pi*(1.0-2.0*float64(y+1)/n))) * 180.0 / math.Pi
	maxLat = math.Atan(math.Sinh(math.Pi*(1.0-2.0*float64(y)/n))) * 180.0 / math.Pi
	return
}

// TilesForPoint returns the tiles whose bounding boxes contain the point at
// each of the given zooms. Warming a point at zooms {12, 13, 14} yields one
// tile per zoom.
func TilesForPoint(lat, lon float64, zooms []int) []XYZ {
	ret := make([]XYZ, 0, len(zooms))
	for _, z := range zooms {
		x, y := LonLatToTile(lon, lat, z)
		ret = append(ret, XYZ{Z: z, X: x, Y: y})
	}
	return ret
}

// BBox is a WGS84 bounding box.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// TilesForBBox enumerates every tile intersecting the bounding box at the
// given zoom. Tile rows grow southwards, so the north edge yields the
// smallest y.
func TilesForBBox(b BBox, zoom int) []XYZ {
	xMin, yMin := LonLatToTile(b.West, b.North, zoom)
	xMax, yMax := LonLatToTile(b.East, b.South, zoom)
	ret := make([]XYZ, 0, (xMax-xMin+1)*(yMax-yMin+1))
	for x := xMin; x <= xMax; x++ {
		for y := yMin; y <= yMax; y++ {
			ret = append(ret, XYZ{Z: zoom, X: x, Y: y})
		}
	}
	return ret
}

// DateRange is the inclusive date window a mosaic covers, in YYYY-MM-DD form.
type DateRange struct {
	Start string
	End   string
}

// PeriodRange returns the date window for a mosaic key. WET covers January
// through April, DRY June through October, MONTH the full calendar month.
func PeriodRange(k types.MosaicKey) DateRange {
	switch k.Period {
	case types.PeriodWet:
		return DateRange{
			Start: fmtDate(k.Year, 1, 1),
			End:   fmtDate(k.Year, 4, 30),
		}
	case types.PeriodDry:
		return DateRange{
			Start: fmtDate(k.Year, 6, 1),
			End:   fmtDate(k.Year, 10, 30),
		}
	case types.PeriodMonth:
		return DateRange{
			Start: fmtDate(k.Year, k.Month, 1),
			End:   fmtDate(k.Year, k.Month, lastDay(k.Year, k.Month)),
		}
	}
	return DateRange{}
}

func fmtDate(year, month, day int) string {
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

func lastDay(year, month int) int {
	switch month {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	}
	if year%4 == 0 && (year%100 != 0 || year%400 == 0) {
		return 29
	}
	return 28
}
