// Package frontend is the HTTP surface of the tile server: the public tile
// and capabilities endpoints plus the authenticated control plane.
package frontend

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"go.lapig.org/tiles/go/alogin"
	"go.lapig.org/tiles/go/httputils"
	"go.lapig.org/tiles/go/metrics2"
	"go.lapig.org/tiles/go/now"
	"go.lapig.org/tiles/go/roles"
	"go.lapig.org/tiles/go/sklog"
	"go.lapig.org/tiles/tileserver/go/blobstore"
	"go.lapig.org/tiles/tileserver/go/campaigns"
	"go.lapig.org/tiles/tileserver/go/engine"
	"go.lapig.org/tiles/tileserver/go/jobs"
	"go.lapig.org/tiles/tileserver/go/limits"
	"go.lapig.org/tiles/tileserver/go/metastore"
	"go.lapig.org/tiles/tileserver/go/tilekey"
	"go.lapig.org/tiles/tileserver/go/types"
	"go.lapig.org/tiles/tileserver/go/visparams"
)

const (
	// tileCacheControl marks tiles immutable: a recipe change produces a new
	// visparam name and thus a new URL.
	tileCacheControl = "public, max-age=2592000, immutable"

	defaultPeriod   = types.PeriodWet
	defaultVisParam = "tvi-red"
)

// Frontend wires the HTTP routes to the engines.
type Frontend struct {
	engine   *engine.Engine
	jobs     *jobs.Engine
	registry *visparams.Registry
	catalog  campaigns.Store
	store    metastore.Store
	gate     *limits.Gate
	login    alogin.Login
	deadline time.Duration

	tilesServed metrics2.Counter
	notModified metrics2.Counter
}

// New returns a Frontend. deadline bounds every request.
func New(eng *engine.Engine, jobEngine *jobs.Engine, registry *visparams.Registry, catalog campaigns.Store, store metastore.Store, gate *limits.Gate, login alogin.Login, deadline time.Duration) *Frontend {
	return &Frontend{
		engine:   eng,
		jobs:     jobEngine,
		registry: registry,
		catalog:  catalog,
		store:    store,
		gate:     gate,
		login:    login,
		deadline: deadline,

		tilesServed: metrics2.GetCounter("tileserver_frontend_tiles_served"),
		notModified: metrics2.GetCounter("tileserver_frontend_not_modified"),
	}
}

// Router returns the full route tree.
func (f *Frontend) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(deadlineMiddleware(f.deadline))
	r.Get("/healthz", httputils.HealthCheckHandler)
	r.Get("/api/capabilities", f.capabilitiesHandler)
	r.Get("/api/layers/{layer}/{x}/{y}/{z}", f.tileHandler)

	r.Group(func(r chi.Router) {
		r.Use(f.requireSuperAdmin)
		r.Get("/cache/stats", f.statsHandler)
		r.Delete("/cache/clear", f.clearHandler)
		r.Post("/cache/warmup", f.warmupHandler)
		r.Post("/cache/point/start", f.pointStartHandler)
		r.Get("/cache/point/{id}/status", f.pointStatusHandler)
		r.Post("/cache/campaign/start", f.campaignStartHandler)
		r.Get("/cache/campaign/{id}/status", f.campaignStatusHandler)
		r.Get("/tasks/{id}", f.taskHandler)
		r.Post("/tasks/purge", f.purgeHandler)
	})
	return r
}

// deadlineMiddleware bounds every request with a deadline so no suspension
// point can hang past it.
func deadlineMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireSuperAdmin guards the control plane.
func (f *Frontend) requireSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.login.LoggedInAs(r) == alogin.NotLoggedIn {
			w.Header().Set("WWW-Authenticate", `Basic realm="tileserver"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if !f.login.HasRole(r, roles.SuperAdmin) {
			http.Error(w, "super-admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *Frontend) tileHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := parseTileRequest(r)
	if err != nil {
		f.writeError(w, err)
		return
	}
	key, err := tilekey.Canonicalize(req, f.registry, now.Now(ctx).Year())
	if err != nil {
		f.writeError(w, err)
		return
	}
	etag := `"` + engine.ETag(key) + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", tileCacheControl)
		w.WriteHeader(http.StatusNotModified)
		f.notModified.Inc(1)
		return
	}

	res, err := f.engine.GetTileForKey(ctx, clientIdentity(r), key)
	if err != nil {
		f.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", blobstore.PNGContentType)
	w.Header().Set("Cache-Control", tileCacheControl)
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Cache", string(res.Source))
	if _, err := w.Write(res.Bytes); err != nil {
		sklog.Debugf("Writing tile response: %s", err)
	}
	f.tilesServed.Inc(1)
}

func (f *Frontend) capabilitiesHandler(w http.ResponseWriter, r *http.Request) {
	f.writeJSON(w, http.StatusOK, f.registry.Capabilities(r.Context()))
}

// parseTileRequest extracts the tile parameters. Period and visparam fall
// back to the most common defaults; everything else is required.
func parseTileRequest(r *http.Request) (types.TileRequest, error) {
	req := types.TileRequest{
		Layer:    types.Layer(chi.URLParam(r, "layer")),
		Period:   defaultPeriod,
		VisParam: defaultVisParam,
	}
	var err error
	if req.X, err = strconv.Atoi(chi.URLParam(r, "x")); err != nil {
		return types.TileRequest{}, types.Errf(types.BadRequest, "bad x %q", chi.URLParam(r, "x"))
	}
	if req.Y, err = strconv.Atoi(chi.URLParam(r, "y")); err != nil {
		return types.TileRequest{}, types.Errf(types.BadRequest, "bad y %q", chi.URLParam(r, "y"))
	}
	if req.Z, err = strconv.Atoi(chi.URLParam(r, "z")); err != nil {
		return types.TileRequest{}, types.Errf(types.BadRequest, "bad z %q", chi.URLParam(r, "z"))
	}
	query := r.URL.Query()
	if p := query.Get("period"); p != "" {
		req.Period = types.Period(p)
	}
	if y := query.Get("year"); y != "" {
		if req.Year, err = strconv.Atoi(y); err != nil {
			return types.TileRequest{}, types.Errf(types.BadRequest, "bad year %q", y)
		}
	} else {
		return types.TileRequest{}, types.Errf(types.BadRequest, "year is required")
	}
	if m := query.Get("month"); m != "" {
		if req.Month, err = strconv.Atoi(m); err != nil {
			return types.TileRequest{}, types.Errf(types.BadRequest, "bad month %q", m)
		}
	}
	if v := query.Get("visparam"); v != "" {
		req.VisParam = v
	}
	return req, nil
}

// clientIdentity is the rate-limit key of a request: the first hop in
// X-Forwarded-For when behind the ingress, the remote address otherwise.
func clientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError maps a classified error onto the wire. Internal details of 5xx
// failures go to the log, not the client.
func (f *Frontend) writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	status := kind.HTTPStatus()
	if kind == types.Throttled {
		retry := types.RetryAfterOf(err)
		if retry <= 0 {
			retry = time.Second
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
	}
	message := err.Error()
	if status >= 500 {
		sklog.Errorf("Request failed: %s", err)
		message = kind.String()
	}
	f.writeJSON(w, status, map[string]string{"error": message})
}

func (f *Frontend) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		sklog.Errorf("Encoding response: %s", err)
	}
}
