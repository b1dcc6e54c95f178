package jobs

import (
	"go.lapig.org/tiles/tileserver/go/metastore"
	"go.lapig.org/tiles/tileserver/go/tilekey"
	"go.lapig.org/tiles/tileserver/go/types"
)

// Queue names, in the order workers drain them. Point warming jumps the line
// because an operator is usually waiting on it; invalidation runs last.
const (
	QueueHigh        = metastore.QueuePrefix + "high"
	QueueStandard    = metastore.QueuePrefix + "standard"
	QueueLow         = metastore.QueuePrefix + "low"
	QueueMaintenance = metastore.QueuePrefix + "maintenance"
)

var queueOrder = []string{QueueHigh, QueueStandard, QueueLow, QueueMaintenance}

// QueueByName resolves the short queue name used on the wire.
func QueueByName(name string) (string, bool) {
	switch name {
	case "high":
		return QueueHigh, true
	case "standard":
		return QueueStandard, true
	case "low":
		return QueueLow, true
	case "maintenance":
		return QueueMaintenance, true
	}
	return "", false
}

// queueFor maps a job kind to the queue it is scheduled on.
func queueFor(kind types.JobKind) string {
	switch kind {
	case types.JobWarmPoint:
		return QueueHigh
	case types.JobWarmCampaign:
		return QueueStandard
	case types.JobWarmRegion:
		return QueueLow
	}
	return QueueMaintenance
}

// Payload is the queued description of one job. It is serialised to JSON on
// the queue; the matching JobRecord tracks state separately so that status
// reads never scan queues.
type Payload struct {
	ID   string        `json:"id"`
	Kind types.JobKind `json:"kind"`

	// Warm-point fields. When PointID is set the coordinates and warming
	// parameters are resolved from the campaign catalogue at run time.
	PointID string  `json:"point_id,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`

	// Warm-campaign fields.
	CampaignID string `json:"campaign_id,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
	Force      bool   `json:"force,omitempty"`

	// Warm-region fields.
	BBox     *tilekey.BBox `json:"bbox,omitempty"`
	MaxTiles int           `json:"max_tiles,omitempty"`

	// Warming parameters shared by the warm-* kinds.
	Layers    []types.Layer  `json:"layers,omitempty"`
	Years     []int          `json:"years,omitempty"`
	Zooms     []int          `json:"zooms,omitempty"`
	Periods   []types.Period `json:"periods,omitempty"`
	Months    []int          `json:"months,omitempty"`
	VisParams []string       `json:"visparams,omitempty"`

	// Invalidate fields. A zero Year clears the whole layer.
	Layer types.Layer `json:"layer,omitempty"`
	Year  int         `json:"year,omitempty"`
}

// Validate checks that the payload carries what its kind needs to run.
func (p Payload) Validate() error {
	if !p.Kind.Valid() {
		return types.Errf(types.BadRequest, "unknown job kind %q", p.Kind)
	}
	switch p.Kind {
	case types.JobWarmPoint:
		if p.PointID == "" && (p.Lat == 0 && p.Lon == 0) {
			return types.Errf(types.BadRequest, "warm-point needs a point_id or coordinates")
		}
		if p.PointID == "" && (len(p.Layers) == 0 || len(p.Years) == 0 || len(p.VisParams) == 0 || len(p.Periods) == 0) {
			return types.Errf(types.BadRequest, "warm-point without a point_id needs layers, years, periods and visparams")
		}
	case types.JobWarmCampaign:
		if p.CampaignID == "" {
			return types.Errf(types.BadRequest, "warm-campaign needs a campaign_id")
		}
	case types.JobWarmRegion:
		if p.BBox == nil {
			return types.Errf(types.BadRequest, "warm-region needs a bbox")
		}
		if len(p.Layers) == 0 || len(p.Years) == 0 || len(p.VisParams) == 0 || len(p.Periods) == 0 {
			return types.Errf(types.BadRequest, "warm-region needs layers, years, periods and visparams")
		}
	case types.JobInvalidate:
		if !p.Layer.Valid() {
			return types.Errf(types.BadRequest, "invalidate needs a known layer")
		}
	}
	return nil
}

// requests expands the warming parameters against one tile address. MONTH
// periods expand once per month in Months; other periods ignore Months.
func (p Payload) requests(tile tilekey.XYZ) []types.TileRequest {
	var ret []types.TileRequest
	for _, layer := range p.Layers {
		for _, year := range p.Years {
			for _, period := range p.Periods {
				months := []int{0}
				if period == types.PeriodMonth {
					months = p.Months
				}
				for _, month := range months {
					for _, visparam := range p.VisParams {
						ret = append(ret, types.TileRequest{
							Layer:    layer,
							Z:        tile.Z,
							X:        tile.X,
							Y:        tile.Y,
							Period:   period,
							Year:     year,
							Month:    month,
							VisParam: visparam,
						})
					}
				}
			}
		}
	}
	return ret
}
