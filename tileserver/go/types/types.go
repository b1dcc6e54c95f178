// Package types holds the domain types shared by the tile server packages.
package types

import (
	"time"
)

// Layer identifies an imagery collection served as tiles.
type Layer string

const (
	LayerS2Harmonized Layer = "s2_harmonized"
	LayerLandsat      Layer = "landsat"
)

// AllLayers lists every servable layer.
var AllLayers = []Layer{LayerS2Harmonized, LayerLandsat}

// FirstYear returns the first year for which the layer has data, or 0 for an
// unknown layer.
func (l Layer) FirstYear() int {
	switch l {
	case LayerS2Harmonized:
		return 2017
	case LayerLandsat:
		return 1985
	}
	return 0
}

// Valid returns true for a known layer.
func (l Layer) Valid() bool {
	return l.FirstYear() != 0
}

// Period selects the seasonal window of a mosaic.
type Period string

const (
	PeriodWet   Period = "WET"
	PeriodDry   Period = "DRY"
	PeriodMonth Period = "MONTH"
)

// AllPeriods lists every period.
var AllPeriods = []Period{PeriodWet, PeriodDry, PeriodMonth}

// Valid returns true for a known period.
func (p Period) Valid() bool {
	return p == PeriodWet || p == PeriodDry || p == PeriodMonth
}

// TileRequest is a fully parsed tile request. It is not yet validated; see
// tilekey.Canonicalize.
type TileRequest struct {
	Layer    Layer
	Z        int
	X        int
	Y        int
	Period   Period
	Year     int
	Month    int // 1-12, only meaningful when Period == PeriodMonth.
	VisParam string
}

// MosaicKey identifies one upstream mosaic. Every tile request with the same
// MosaicKey is served from the same upstream URL template.
type MosaicKey struct {
	Layer    Layer
	Period   Period
	Year     int
	Month    int // Zero unless Period == PeriodMonth.
	VisParam string
}

// TileKey identifies a single rendered tile.
type TileKey struct {
	MosaicKey
	Z int
	X int
	Y int
}

// MosaicState is the state of a MosaicHandle.
type MosaicState string

const (
	MosaicReady    MosaicState = "READY"
	MosaicBuilding MosaicState = "BUILDING"
	MosaicFailed   MosaicState = "FAILED"
)

// MosaicHandle is the record cached in the metastore for each MosaicKey.
type MosaicHandle struct {
	URLTemplate string      `json:"url_template,omitempty"`
	AcquiredAt  time.Time   `json:"acquired_at"`
	TTL         Duration    `json:"ttl"`
	State       MosaicState `json:"state"`
	Error       string      `json:"error,omitempty"`
}

// Expired returns true if the handle is past its TTL at the given instant.
func (h MosaicHandle) Expired(now time.Time) bool {
	return now.After(h.AcquiredAt.Add(time.Duration(h.TTL)))
}

// Duration is a time.Duration that marshals to JSON as nanoseconds, so that
// handles round-trip through the metastore.
type Duration time.Duration

// JobKind enumerates the asynchronous job types.
type JobKind string

const (
	JobWarmPoint    JobKind = "warm-point"
	JobWarmCampaign JobKind = "warm-campaign"
	JobWarmRegion   JobKind = "warm-region"
	JobInvalidate   JobKind = "invalidate"
)

// Valid returns true for a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobWarmPoint, JobWarmCampaign, JobWarmRegion, JobInvalidate:
		return true
	}
	return false
}

// JobState is the lifecycle state of a JobRecord. Transitions form a DAG:
// PENDING -> RUNNING -> {SUCCESS, FAILED, CANCELLED}.
type JobState string

const (
	JobPending   JobState = "PENDING"
	JobRunning   JobState = "RUNNING"
	JobSuccess   JobState = "SUCCESS"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Terminal returns true once a job can no longer change state.
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCancelled
}

// JobCounters tracks per-tile outcomes within a job.
type JobCounters struct {
	Total  int64 `json:"total"`
	Done   int64 `json:"done"`
	Failed int64 `json:"failed"`
}

// JobRecord is the persisted description of one asynchronous job.
type JobRecord struct {
	ID         string      `json:"id"`
	Kind       JobKind     `json:"kind"`
	State      JobState    `json:"state"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Progress   float64     `json:"progress"`
	Counters   JobCounters `json:"counters"`
	LastError  string      `json:"last_error,omitempty"`
}

// ProgressEvent is emitted by the job engine whenever a unit of work
// completes. The control plane and the campaign progress updater consume
// these; the job engine never calls into external systems directly.
type ProgressEvent struct {
	JobID      string
	Kind       JobKind
	CampaignID string
	PointID    string
	Done       int64
	Failed     int64
	Total      int64
	Finished   bool
	Err        string
	When       time.Time
}

// CacheSource says which tier served a tile.
type CacheSource string

const (
	CacheLocal CacheSource = "LOCAL"
	CacheHit   CacheSource = "HIT"
	CacheMiss  CacheSource = "MISS"
)
