// Package jobs is the asynchronous half of the tile server: a fixed worker
// pool draining persistent priority queues of warming and invalidation jobs.
// Workers only ever call the tile engine, so every warm tile that is already
// durable costs no upstream budget.
package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go.lapig.org/tiles/go/metrics2"
	"go.lapig.org/tiles/go/now"
	"go.lapig.org/tiles/go/skerr"
	"go.lapig.org/tiles/go/sklog"
	"go.lapig.org/tiles/tileserver/go/blobstore"
	"go.lapig.org/tiles/tileserver/go/campaigns"
	"go.lapig.org/tiles/tileserver/go/engine"
	"go.lapig.org/tiles/tileserver/go/metastore"
	"go.lapig.org/tiles/tileserver/go/tilekey"
	"go.lapig.org/tiles/tileserver/go/types"
)

const (
	// maxQueueDepth is the per-queue bound; Enqueue refuses beyond it.
	maxQueueDepth = 10000

	// recordTTL keeps finished job records queryable for a week.
	recordTTL = 7 * 24 * time.Hour

	// perJobConcurrency caps in-flight tiles per job so one fat region warm
	// cannot monopolise the upstream gate.
	perJobConcurrency = 4

	// Per-tile retry policy for transient failures.
	warmAttempts = 3
	warmBackoff  = 500 * time.Millisecond

	// tileTimeout is the soft deadline of one warmed tile.
	tileTimeout = 30 * time.Second

	// idleSleep is how long an idle worker waits before polling again.
	idleSleep = 250 * time.Millisecond

	// failureRatio fails the parent job once exceeded.
	failureRatio = 0.5

	eventBuffer = 1024
)

// Engine owns the queues and the worker pool.
type Engine struct {
	store    metastore.Store
	tiles    *engine.Engine
	blobs    blobstore.Store
	catalog  campaigns.Store
	poolSize int

	// defaultZooms is used by warm jobs that do not name zoom levels.
	defaultZooms []int

	events chan types.ProgressEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup

	enqueued      metrics2.Counter
	completed     metrics2.Counter
	failed        metrics2.Counter
	eventsDropped metrics2.Counter
}

// NewEngine returns a job engine; call Start to launch the workers.
func NewEngine(store metastore.Store, tiles *engine.Engine, blobs blobstore.Store, catalog campaigns.Store, poolSize int, defaultZooms []int) *Engine {
	return &Engine{
		store:        store,
		tiles:        tiles,
		blobs:        blobs,
		catalog:      catalog,
		poolSize:     poolSize,
		defaultZooms: defaultZooms,
		events:       make(chan types.ProgressEvent, eventBuffer),

		enqueued:      metrics2.GetCounter("tileserver_jobs_enqueued"),
		completed:     metrics2.GetCounter("tileserver_jobs_completed"),
		failed:        metrics2.GetCounter("tileserver_jobs_failed"),
		eventsDropped: metrics2.GetCounter("tileserver_jobs_events_dropped"),
	}
}

// Events is the progress stream. Consumers that fall behind lose events; job
// records remain the source of truth.
func (e *Engine) Events() <-chan types.ProgressEvent {
	return e.events
}

// Enqueue validates, persists and queues a job, returning its record. A full
// queue surfaces as Throttled so clients back off.
func (e *Engine) Enqueue(ctx context.Context, payload Payload) (types.JobRecord, error) {
	if err := payload.Validate(); err != nil {
		return types.JobRecord{}, err
	}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	queue := queueFor(payload.Kind)
	depth, err := e.store.QueueLen(ctx, queue)
	if err != nil {
		return types.JobRecord{}, skerr.Wrap(err)
	}
	if depth >= maxQueueDepth {
		return types.JobRecord{}, types.Errf(types.Throttled, "queue %s is full", queue)
	}

	record := types.JobRecord{
		ID:        payload.ID,
		Kind:      payload.Kind,
		State:     types.JobPending,
		CreatedAt: now.Now(ctx),
	}
	if err := e.putRecord(ctx, record); err != nil {
		return types.JobRecord{}, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return types.JobRecord{}, skerr.Wrap(err)
	}
	if err := e.store.Push(ctx, queue, string(encoded)); err != nil {
		return types.JobRecord{}, skerr.Wrap(err)
	}
	e.enqueued.Inc(1)
	return record, nil
}

// Job returns the persisted record, and false if it is unknown or expired.
func (e *Engine) Job(ctx context.Context, id string) (types.JobRecord, bool, error) {
	encoded, ok, err := e.store.Get(ctx, metastore.JobPrefix+id)
	if err != nil || !ok {
		return types.JobRecord{}, false, skerr.Wrap(err)
	}
	var record types.JobRecord
	if err := json.Unmarshal([]byte(encoded), &record); err != nil {
		return types.JobRecord{}, false, skerr.Wrapf(err, "corrupt job record %s", id)
	}
	return record, true, nil
}

// QueueDepths returns the current length of every queue.
func (e *Engine) QueueDepths(ctx context.Context) (map[string]int64, error) {
	ret := make(map[string]int64, len(queueOrder))
	for _, queue := range queueOrder {
		depth, err := e.store.QueueLen(ctx, queue)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		ret[queue] = depth
	}
	return ret, nil
}

// Purge drains the named queue, cancelling every pending job. In-progress
// jobs are untouched. Returns how many jobs were cancelled.
func (e *Engine) Purge(ctx context.Context, queue string) (int, error) {
	cancelled := 0
	for {
		_, value, ok, err := e.store.Pop(ctx, queue)
		if err != nil {
			return cancelled, skerr.Wrap(err)
		}
		if !ok {
			return cancelled, nil
		}
		var payload Payload
		if err := json.Unmarshal([]byte(value), &payload); err != nil {
			sklog.Errorf("Discarding corrupt payload on %s: %s", queue, err)
			continue
		}
		record, found, err := e.Job(ctx, payload.ID)
		if err != nil {
			return cancelled, err
		}
		if found && !record.State.Terminal() {
			finished := now.Now(ctx)
			record.State = types.JobCancelled
			record.FinishedAt = &finished
			if err := e.putRecord(ctx, record); err != nil {
				return cancelled, err
			}
		}
		cancelled++
	}
}

// Start launches the worker pool. The pool stops when Stop is called or the
// context is cancelled.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for i := 0; i < e.poolSize; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
}

// Stop halts the workers and waits for in-progress jobs to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for ctx.Err() == nil {
		_, value, ok, err := e.store.Pop(ctx, queueOrder...)
		if err != nil {
			sklog.Errorf("Popping job queues: %s", err)
			e.sleep(ctx, idleSleep)
			continue
		}
		if !ok {
			e.sleep(ctx, idleSleep)
			continue
		}
		var payload Payload
		if err := json.Unmarshal([]byte(value), &payload); err != nil {
			sklog.Errorf("Discarding corrupt job payload: %s", err)
			continue
		}
		e.runJob(ctx, payload)
	}
}

// counters is the per-job tally, updated atomically by the tile goroutines.
type counters struct {
	total  int64
	done   int64
	failed int64
}

func (c *counters) snapshot() types.JobCounters {
	return types.JobCounters{
		Total:  atomic.LoadInt64(&c.total),
		Done:   atomic.LoadInt64(&c.done),
		Failed: atomic.LoadInt64(&c.failed),
	}
}

func (e *Engine) runJob(ctx context.Context, payload Payload) {
	record, found, err := e.Job(ctx, payload.ID)
	if err != nil {
		sklog.Errorf("Loading record of job %s: %s", payload.ID, err)
	}
	if !found {
		record = types.JobRecord{
			ID:        payload.ID,
			Kind:      payload.Kind,
			CreatedAt: now.Now(ctx),
		}
	}
	if record.State.Terminal() {
		// Cancelled while queued.
		return
	}
	started := now.Now(ctx)
	record.State = types.JobRunning
	record.StartedAt = &started
	if err := e.putRecord(ctx, record); err != nil {
		sklog.Errorf("Marking job %s running: %s", payload.ID, err)
	}

	tally := &counters{}
	var runErr error
	switch payload.Kind {
	case types.JobWarmPoint:
		runErr = e.runWarmPoint(ctx, payload, tally)
	case types.JobWarmCampaign:
		runErr = e.runWarmCampaign(ctx, payload, tally)
	case types.JobWarmRegion:
		runErr = e.runWarmRegion(ctx, payload, tally)
	case types.JobInvalidate:
		runErr = e.runInvalidate(ctx, payload, tally)
	default:
		runErr = skerr.Fmt("unknown job kind %q", payload.Kind)
	}

	finished := now.Now(ctx)
	record.FinishedAt = &finished
	record.Counters = tally.snapshot()
	if record.Counters.Total > 0 {
		record.Progress = float64(record.Counters.Done+record.Counters.Failed) / float64(record.Counters.Total)
	} else {
		record.Progress = 1
	}
	switch {
	case runErr != nil:
		record.State = types.JobFailed
		record.LastError = runErr.Error()
	case record.Counters.Total > 0 && float64(record.Counters.Failed)/float64(record.Counters.Total) > failureRatio:
		record.State = types.JobFailed
		record.LastError = "more than half of the tiles failed"
	default:
		record.State = types.JobSuccess
	}
	if record.State == types.JobFailed {
		e.failed.Inc(1)
		sklog.Warningf("Job %s (%s) failed: %s", record.ID, record.Kind, record.LastError)
	} else {
		e.completed.Inc(1)
	}
	if err := e.putRecord(ctx, record); err != nil {
		sklog.Errorf("Finishing job %s: %s", payload.ID, err)
	}
	e.emit(types.ProgressEvent{
		JobID:      record.ID,
		Kind:       record.Kind,
		CampaignID: payload.CampaignID,
		Done:       record.Counters.Done,
		Failed:     record.Counters.Failed,
		Total:      record.Counters.Total,
		Finished:   true,
		Err:        record.LastError,
		When:       finished,
	})
}

// resolvePoint fills a warm-point payload from the campaign catalogue.
func (e *Engine) resolvePoint(ctx context.Context, payload Payload) (Payload, error) {
	if payload.PointID == "" {
		return payload, nil
	}
	point, campaign, ok, err := e.catalog.Point(ctx, payload.PointID)
	if err != nil {
		return Payload{}, skerr.Wrap(err)
	}
	if !ok {
		return Payload{}, types.Errf(types.NotFound, "unknown point %q", payload.PointID)
	}
	payload.Lat = point.Lat
	payload.Lon = point.Lon
	payload.CampaignID = campaign.ID
	if len(payload.Layers) == 0 {
		payload.Layers = campaign.Layers
	}
	if len(payload.Years) == 0 {
		payload.Years = campaign.Years
	}
	if len(payload.Zooms) == 0 {
		payload.Zooms = campaign.Zooms
	}
	if len(payload.Periods) == 0 {
		payload.Periods = campaign.Periods
	}
	if len(payload.VisParams) == 0 {
		payload.VisParams = campaign.VisParams
	}
	return payload, nil
}

func (e *Engine) runWarmPoint(ctx context.Context, payload Payload, tally *counters) error {
	payload, err := e.resolvePoint(ctx, payload)
	if err != nil {
		return err
	}
	zooms := payload.Zooms
	if len(zooms) == 0 {
		zooms = e.defaultZooms
	}
	var reqs []types.TileRequest
	for _, tile := range tilekey.TilesForPoint(payload.Lat, payload.Lon, zooms) {
		reqs = append(reqs, payload.requests(tile)...)
	}
	failed := e.warmAll(ctx, reqs, tally)
	if payload.PointID != "" {
		e.emit(types.ProgressEvent{
			JobID:      payload.ID,
			Kind:       payload.Kind,
			CampaignID: payload.CampaignID,
			PointID:    payload.PointID,
			Done:       int64(len(reqs)) - failed,
			Failed:     failed,
			Total:      int64(len(reqs)),
			When:       now.Now(ctx),
		})
	}
	return nil
}

func (e *Engine) runWarmCampaign(ctx context.Context, payload Payload, tally *counters) error {
	campaign, ok, err := e.catalog.Campaign(ctx, payload.CampaignID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if !ok {
		return types.Errf(types.NotFound, "unknown campaign %q", payload.CampaignID)
	}
	points, err := e.catalog.Points(ctx, payload.CampaignID)
	if err != nil {
		return skerr.Wrap(err)
	}

	params := payload
	if len(params.Layers) == 0 {
		params.Layers = campaign.Layers
	}
	if len(params.Years) == 0 {
		params.Years = campaign.Years
	}
	if len(params.Zooms) == 0 {
		params.Zooms = campaign.Zooms
	}
	if len(params.Periods) == 0 {
		params.Periods = campaign.Periods
	}
	if len(params.VisParams) == 0 {
		params.VisParams = campaign.VisParams
	}
	zooms := params.Zooms
	if len(zooms) == 0 {
		zooms = e.defaultZooms
	}

	remaining := payload.BatchSize
	for _, point := range points {
		if err := ctx.Err(); err != nil {
			return skerr.Wrap(err)
		}
		// Re-runs only touch points not yet warmed, unless forced.
		if point.Cached && !payload.Force {
			continue
		}
		if payload.BatchSize > 0 && remaining == 0 {
			break
		}
		remaining--

		var reqs []types.TileRequest
		for _, tile := range tilekey.TilesForPoint(point.Lat, point.Lon, zooms) {
			reqs = append(reqs, params.requests(tile)...)
		}
		failed := e.warmAll(ctx, reqs, tally)
		e.emit(types.ProgressEvent{
			JobID:      payload.ID,
			Kind:       payload.Kind,
			CampaignID: campaign.ID,
			PointID:    point.ID,
			Done:       int64(len(reqs)) - failed,
			Failed:     failed,
			Total:      int64(len(reqs)),
			When:       now.Now(ctx),
		})
	}
	return nil
}

func (e *Engine) runWarmRegion(ctx context.Context, payload Payload, tally *counters) error {
	zooms := payload.Zooms
	if len(zooms) == 0 {
		zooms = e.defaultZooms
	}
	var reqs []types.TileRequest
	for _, zoom := range zooms {
		for _, tile := range tilekey.TilesForBBox(*payload.BBox, zoom) {
			reqs = append(reqs, payload.requests(tile)...)
			if payload.MaxTiles > 0 && len(reqs) >= payload.MaxTiles {
				break
			}
		}
		if payload.MaxTiles > 0 && len(reqs) >= payload.MaxTiles {
			reqs = reqs[:payload.MaxTiles]
			break
		}
	}
	e.warmAll(ctx, reqs, tally)
	return nil
}

// runInvalidate clears the durable and local tiers for a layer, optionally
// narrowed to one year. Mosaic handles are left to lapse via their TTL.
func (e *Engine) runInvalidate(ctx context.Context, payload Payload, tally *counters) error {
	for _, prefix := range tilekey.InvalidationPrefixes(payload.Layer, payload.Year) {
		deleted, err := e.blobs.DeletePrefix(ctx, prefix)
		if err != nil {
			atomic.AddInt64(&tally.failed, 1)
			return skerr.Wrapf(err, "clearing %s", prefix)
		}
		purged := e.tiles.PurgeLocal(prefix)
		atomic.AddInt64(&tally.total, int64(deleted))
		atomic.AddInt64(&tally.done, int64(deleted))
		sklog.Infof("Invalidated %d durable and %d local tiles under %s", deleted, purged, prefix)
	}
	return nil
}

// warmAll runs the requests through the tile engine with the per-job
// concurrency cap, returning how many failed.
func (e *Engine) warmAll(ctx context.Context, reqs []types.TileRequest, tally *counters) int64 {
	atomic.AddInt64(&tally.total, int64(len(reqs)))
	var failed int64
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(perJobConcurrency)
	for _, req := range reqs {
		req := req
		group.Go(func() error {
			if err := e.warmTile(gctx, req); err != nil {
				atomic.AddInt64(&tally.failed, 1)
				atomic.AddInt64(&failed, 1)
				sklog.Warningf("Warming %s/%d/%d/%d %s %d %s: %s", req.Layer, req.Z, req.X, req.Y, req.Period, req.Year, req.VisParam, err)
				return nil
			}
			atomic.AddInt64(&tally.done, 1)
			return nil
		})
	}
	_ = group.Wait()
	return atomic.LoadInt64(&failed)
}

// warmTile fetches one tile through the engine, retrying transient failures
// with doubling backoff. Permanent failures are reported on the first try.
func (e *Engine) warmTile(ctx context.Context, req types.TileRequest) error {
	backoff := warmBackoff
	var err error
	for attempt := 0; attempt < warmAttempts; attempt++ {
		if attempt > 0 {
			e.sleep(ctx, backoff)
			backoff *= 2
		}
		tctx, cancel := context.WithTimeout(ctx, tileTimeout)
		_, err = e.tiles.GetTile(tctx, "", req)
		cancel()
		if err == nil {
			return nil
		}
		switch types.KindOf(err) {
		case types.Throttled, types.UpstreamTransient, types.Timeout:
			continue
		}
		return err
	}
	return err
}

func (e *Engine) putRecord(ctx context.Context, record types.JobRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(e.store.Set(ctx, metastore.JobPrefix+record.ID, string(encoded), recordTTL))
}

// emit publishes a progress event without ever blocking a worker.
func (e *Engine) emit(event types.ProgressEvent) {
	select {
	case e.events <- event:
	default:
		e.eventsDropped.Inc(1)
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
