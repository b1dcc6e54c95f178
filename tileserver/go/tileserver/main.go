// The tileserver executable serves XYZ raster tiles of satellite imagery
// mosaics, backed by a hybrid cache over Redis, GCS and an in-process LRU,
// with a background job pool for warming and invalidation.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"go.lapig.org/tiles/go/alogin/basicauth"
	"go.lapig.org/tiles/go/sklog"
	"go.lapig.org/tiles/go/util"
	"go.lapig.org/tiles/tileserver/go/blobstore"
	"go.lapig.org/tiles/tileserver/go/campaigns"
	"go.lapig.org/tiles/tileserver/go/config"
	"go.lapig.org/tiles/tileserver/go/engine"
	"go.lapig.org/tiles/tileserver/go/frontend"
	"go.lapig.org/tiles/tileserver/go/jobs"
	"go.lapig.org/tiles/tileserver/go/limits"
	"go.lapig.org/tiles/tileserver/go/localcache"
	"go.lapig.org/tiles/tileserver/go/metastore"
	"go.lapig.org/tiles/tileserver/go/mosaic"
	"go.lapig.org/tiles/tileserver/go/upstream"
	"go.lapig.org/tiles/tileserver/go/visparams"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfg := config.New()
	cfg.Register(flag.CommandLine)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		sklog.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metastore. In --local mode a Redis outage degrades to the in-memory
	// store so the server still comes up for development.
	var store metastore.Store
	redisStore, err := metastore.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		if !cfg.Local {
			sklog.Fatalf("Connecting to Redis at %s: %s", cfg.RedisURL, err)
		}
		sklog.Warningf("Redis unavailable (%s), using the in-memory metastore", err)
		store = metastore.NewMemoryStore()
	} else {
		store = redisStore
	}
	defer util.Close(store)

	// Durable tile storage.
	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		sklog.Fatalf("Creating GCS client: %s", err)
	}
	blobs := blobstore.NewGCSStore(gcsClient, cfg.Bucket)
	if !cfg.Local {
		if err := blobs.EnsureLifecycle(ctx, cfg.TileBlobTTL, cfg.TileBlobTransition); err != nil {
			sklog.Warningf("Setting lifecycle on bucket %s: %s", cfg.Bucket, err)
		}
	}

	// Visparam catalogue and campaign store.
	mongoClient, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		sklog.Fatalf("Connecting to MongoDB at %s: %s", cfg.MongoURL, err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			sklog.Errorf("Disconnecting from MongoDB: %s", err)
		}
	}()
	registry := visparams.NewRegistry(ctx, visparams.NewMongoStore(mongoClient, cfg.MongoDatabase))
	registry.StartRefresher(ctx)
	catalog := campaigns.NewMongoStore(mongoClient, cfg.MongoDatabase)

	// Upstream client behind the admission gate.
	gate := limits.NewGate(cfg.UpstreamConcurrency, cfg.UpstreamPacing)
	client := limits.NewGatedClient(upstream.NewHTTPClient(cfg.UpstreamURL, registry), gate)

	eng := engine.New(
		limits.NewEdgeLimiter(store, cfg.EdgeRatePerMinute, cfg.EdgeBurst),
		registry,
		localcache.New(cfg.LocalCacheBytes),
		blobs,
		mosaic.New(store, client, cfg.MosaicTTL),
		client,
	)

	jobEngine := jobs.NewEngine(store, eng, blobs, catalog, cfg.JobPoolSize, cfg.WarmZooms)
	jobEngine.Start(ctx)
	go campaigns.NewProgressUpdater(catalog).Run(ctx, jobEngine.Events())

	login := basicauth.New(campaigns.NewMongoUserStore(mongoClient, cfg.MongoDatabase))
	front := frontend.New(eng, jobEngine, registry, catalog, store, gate, login, cfg.RequestDeadline)

	// Metrics on their own port so the scraper never competes with tiles.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		sklog.Fatal(http.ListenAndServe(cfg.PromPort, mux))
	}()

	server := &http.Server{
		Addr:    cfg.Port,
		Handler: front.Router(),
	}
	go func() {
		<-ctx.Done()
		sklog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			sklog.Errorf("Shutting down HTTP server: %s", err)
		}
		jobEngine.Stop()
		eng.Drain()
	}()

	sklog.Infof("Serving tiles on %s, metrics on %s", cfg.Port, cfg.PromPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sklog.Fatal(err)
	}
}
