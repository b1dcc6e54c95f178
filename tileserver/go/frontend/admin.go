package frontend

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"go.lapig.org/tiles/go/now"
	"go.lapig.org/tiles/go/sklog"
	"go.lapig.org/tiles/tileserver/go/campaigns"
	"go.lapig.org/tiles/tileserver/go/jobs"
	"go.lapig.org/tiles/tileserver/go/localcache"
	"go.lapig.org/tiles/tileserver/go/tilekey"
	"go.lapig.org/tiles/tileserver/go/types"
)

// worldBBox bounds warmups that name no region; the Mercator projection cuts
// off at ±85.05°.
var worldBBox = tilekey.BBox{West: -180, South: -85.05, East: 180, North: 85.05}

type cacheStatsResponse struct {
	Local            localcache.Stats `json:"local"`
	Queues           map[string]int64 `json:"queues"`
	MetastoreOK      bool             `json:"metastore_ok"`
	Breaker          string           `json:"breaker"`
	CatalogueVersion int64            `json:"catalogue_version"`
}

func (f *Frontend) statsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	queues, err := f.jobs.QueueDepths(ctx)
	if err != nil {
		f.writeError(w, err)
		return
	}
	f.writeJSON(w, http.StatusOK, cacheStatsResponse{
		Local:            f.engine.LocalStats(),
		Queues:           queues,
		MetastoreOK:      f.store.Ping(ctx) == nil,
		Breaker:          f.gate.State(),
		CatalogueVersion: f.registry.Version(),
	})
}

func (f *Frontend) clearHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	layer := types.Layer(query.Get("layer"))
	if !layer.Valid() {
		f.writeError(w, types.Errf(types.BadRequest, "unknown layer %q", query.Get("layer")))
		return
	}
	year := 0
	if y := query.Get("year"); y != "" {
		var err error
		if year, err = strconv.Atoi(y); err != nil {
			f.writeError(w, types.Errf(types.BadRequest, "bad year %q", y))
			return
		}
	}
	// Clearing every year of a layer needs the explicit confirmation flag.
	if year == 0 && query.Get("confirm") != "true" {
		f.writeError(w, types.Errf(types.BadRequest, "clearing all of %q requires confirm=true", layer))
		return
	}
	f.enqueue(w, r, jobs.Payload{
		Kind:  types.JobInvalidate,
		Layer: layer,
		Year:  year,
	})
}

type warmupRequest struct {
	Layer     types.Layer    `json:"layer"`
	Region    *tilekey.BBox  `json:"region,omitempty"`
	Zooms     []int          `json:"zooms,omitempty"`
	Years     []int          `json:"years,omitempty"`
	Periods   []types.Period `json:"periods,omitempty"`
	VisParams []string       `json:"visparams,omitempty"`
	MaxTiles  int            `json:"max_tiles,omitempty"`
	BatchSize int            `json:"batch_size,omitempty"`
}

func (f *Frontend) warmupHandler(w http.ResponseWriter, r *http.Request) {
	var body warmupRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeError(w, types.Errf(types.BadRequest, "bad warmup body: %s", err))
		return
	}
	region := body.Region
	if region == nil {
		if body.MaxTiles <= 0 {
			f.writeError(w, types.Errf(types.BadRequest, "warming without a region requires max_tiles"))
			return
		}
		region = &worldBBox
	}
	years := body.Years
	if len(years) == 0 {
		years = []int{now.Now(r.Context()).Year()}
	}
	periods := body.Periods
	if len(periods) == 0 {
		periods = []types.Period{types.PeriodWet, types.PeriodDry}
	}
	visparams := body.VisParams
	if len(visparams) == 0 {
		visparams = []string{defaultVisParam}
	}
	f.enqueue(w, r, jobs.Payload{
		Kind:      types.JobWarmRegion,
		BBox:      region,
		MaxTiles:  body.MaxTiles,
		Layers:    []types.Layer{body.Layer},
		Years:     years,
		Zooms:     body.Zooms,
		Periods:   periods,
		VisParams: visparams,
	})
}

func (f *Frontend) pointStartHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PointID string `json:"point_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeError(w, types.Errf(types.BadRequest, "bad point body: %s", err))
		return
	}
	f.enqueue(w, r, jobs.Payload{
		Kind:    types.JobWarmPoint,
		PointID: body.PointID,
	})
}

func (f *Frontend) campaignStartHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CampaignID string `json:"campaign_id"`
		BatchSize  int    `json:"batch_size"`
		Force      bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeError(w, types.Errf(types.BadRequest, "bad campaign body: %s", err))
		return
	}
	ctx := r.Context()
	_, ok, err := f.catalog.Campaign(ctx, body.CampaignID)
	if err != nil {
		f.writeError(w, err)
		return
	}
	if !ok {
		f.writeError(w, types.Errf(types.NotFound, "unknown campaign %q", body.CampaignID))
		return
	}
	// One warm per campaign at a time. The claim happens before the enqueue
	// so the status endpoint reports caching_in_progress while the job is
	// still queued.
	jobID := uuid.NewString()
	claimed, err := f.catalog.StartCaching(ctx, body.CampaignID, jobID, now.Now(ctx))
	if err != nil {
		f.writeError(w, err)
		return
	}
	if !claimed {
		f.writeError(w, types.Errf(types.Conflict, "campaign %q is already being cached", body.CampaignID))
		return
	}
	record, err := f.jobs.Enqueue(ctx, jobs.Payload{
		ID:         jobID,
		Kind:       types.JobWarmCampaign,
		CampaignID: body.CampaignID,
		BatchSize:  body.BatchSize,
		Force:      body.Force,
	})
	if err != nil {
		// Release the claim so a later start is not locked out by a job that
		// never ran.
		if finishErr := f.catalog.FinishCaching(ctx, body.CampaignID, err.Error(), now.Now(ctx)); finishErr != nil {
			sklog.Errorf("Releasing campaign %s after failed enqueue: %s", body.CampaignID, finishErr)
		}
		f.writeError(w, err)
		return
	}
	f.writeJSON(w, http.StatusAccepted, record)
}

// enqueue submits the payload and answers 202 with the job record.
func (f *Frontend) enqueue(w http.ResponseWriter, r *http.Request, payload jobs.Payload) {
	record, err := f.jobs.Enqueue(r.Context(), payload)
	if err != nil {
		f.writeError(w, err)
		return
	}
	f.writeJSON(w, http.StatusAccepted, record)
}

type pointStatusResponse struct {
	Point      campaigns.Point `json:"point"`
	CampaignID string          `json:"campaign_id"`
}

func (f *Frontend) pointStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	point, campaign, ok, err := f.catalog.Point(r.Context(), id)
	if err != nil {
		f.writeError(w, err)
		return
	}
	if !ok {
		f.writeError(w, types.Errf(types.NotFound, "unknown point %q", id))
		return
	}
	f.writeJSON(w, http.StatusOK, pointStatusResponse{
		Point:      point,
		CampaignID: campaign.ID,
	})
}

func (f *Frontend) campaignStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, ok, err := f.catalog.Campaign(r.Context(), id)
	if err != nil {
		f.writeError(w, err)
		return
	}
	if !ok {
		f.writeError(w, types.Errf(types.NotFound, "unknown campaign %q", id))
		return
	}
	progress, err := f.catalog.Progress(r.Context(), id)
	if err != nil {
		f.writeError(w, err)
		return
	}
	f.writeJSON(w, http.StatusOK, progress)
}

func (f *Frontend) taskHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, ok, err := f.jobs.Job(r.Context(), id)
	if err != nil {
		f.writeError(w, err)
		return
	}
	if !ok {
		f.writeError(w, types.Errf(types.NotFound, "unknown task %q", id))
		return
	}
	f.writeJSON(w, http.StatusOK, record)
}

func (f *Frontend) purgeHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("queue")
	queue, ok := jobs.QueueByName(name)
	if !ok {
		f.writeError(w, types.Errf(types.BadRequest, "unknown queue %q", name))
		return
	}
	purged, err := f.jobs.Purge(r.Context(), queue)
	if err != nil {
		f.writeError(w, err)
		return
	}
	f.writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
}
