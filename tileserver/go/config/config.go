// Package config holds the closed set of tuning options for the tile server.
// Every option has a production default; deployments override via flags.
package config

import (
	"flag"
	"time"

	"go.lapig.org/tiles/go/skerr"
)

// Config is the full configuration of one tile server process.
type Config struct {
	// Port is the main HTTP port, serving tiles and the control plane.
	Port string

	// PromPort serves /metrics for scraping.
	PromPort string

	// Local is true when running outside the cluster, which relaxes auth and
	// logs to stderr only.
	Local bool

	// RedisURL is the metastore connection string, e.g.
	// "redis://localhost:6379/0".
	RedisURL string

	// MongoURL is the visparam and campaign store connection string.
	MongoURL string

	// MongoDatabase is the database holding visparams and campaigns.
	MongoDatabase string

	// Bucket is the GCS bucket holding rendered tiles.
	Bucket string

	// UpstreamURL is the base URL of the Earth-imagery compute backend.
	UpstreamURL string

	// MosaicTTL is how long an acquired mosaic URL template stays usable.
	MosaicTTL time.Duration

	// TileBlobTTL is how long rendered tiles live in the bucket before the
	// lifecycle rule deletes them.
	TileBlobTTL time.Duration

	// TileBlobTransition is the age at which stored tiles move to cold
	// storage. Must be shorter than TileBlobTTL.
	TileBlobTransition time.Duration

	// UpstreamConcurrency caps in-flight upstream tile fetches per process.
	UpstreamConcurrency int

	// UpstreamPacing is the minimum spacing between upstream request starts.
	UpstreamPacing time.Duration

	// EdgeRatePerMinute is the shared token-bucket refill rate for anonymous
	// tile traffic.
	EdgeRatePerMinute int

	// EdgeBurst is the token-bucket capacity.
	EdgeBurst int

	// RequestDeadline bounds one tile request end to end.
	RequestDeadline time.Duration

	// LocalCacheBytes is the in-process tile cache budget.
	LocalCacheBytes int64

	// JobPoolSize is the number of background job workers.
	JobPoolSize int

	// WarmZooms are the zoom levels warmed for a point when the request does
	// not name its own.
	WarmZooms []int
}

// New returns a Config with production defaults.
func New() *Config {
	return &Config{
		Port:                ":8080",
		PromPort:            ":20000",
		RedisURL:            "redis://localhost:6379/0",
		MongoURL:            "mongodb://localhost:27017",
		MongoDatabase:       "tiles",
		Bucket:              "lapig-tiles",
		UpstreamURL:         "https://earthengine.googleapis.com",
		MosaicTTL:           24 * time.Hour,
		TileBlobTTL:         90 * 24 * time.Hour,
		TileBlobTransition:  30 * 24 * time.Hour,
		UpstreamConcurrency: 25,
		UpstreamPacing:      50 * time.Millisecond,
		EdgeRatePerMinute:   100000,
		EdgeBurst:           10000,
		RequestDeadline:     30 * time.Second,
		LocalCacheBytes:     512 << 20,
		JobPoolSize:         8,
		WarmZooms:           []int{12, 13, 14},
	}
}

// Register binds every option to a flag on the given FlagSet.
func (c *Config) Register(fs *flag.FlagSet) {
	fs.StringVar(&c.Port, "port", c.Port, "HTTP service address (e.g. ':8080').")
	fs.StringVar(&c.PromPort, "prom_port", c.PromPort, "Metrics service address (e.g. ':20000').")
	fs.BoolVar(&c.Local, "local", c.Local, "Running locally, not in production.")
	fs.StringVar(&c.RedisURL, "redis_url", c.RedisURL, "Redis connection URL for the metastore.")
	fs.StringVar(&c.MongoURL, "mongo_url", c.MongoURL, "MongoDB connection URL for visparams and campaigns.")
	fs.StringVar(&c.MongoDatabase, "mongo_db", c.MongoDatabase, "MongoDB database name.")
	fs.StringVar(&c.Bucket, "bucket", c.Bucket, "GCS bucket for rendered tiles.")
	fs.StringVar(&c.UpstreamURL, "upstream_url", c.UpstreamURL, "Base URL of the imagery compute backend.")
	fs.DurationVar(&c.MosaicTTL, "mosaic_ttl", c.MosaicTTL, "Lifetime of an acquired mosaic URL template.")
	fs.DurationVar(&c.TileBlobTTL, "tile_blob_ttl", c.TileBlobTTL, "Age at which stored tiles are deleted from the bucket.")
	fs.DurationVar(&c.TileBlobTransition, "tile_blob_transition", c.TileBlobTransition, "Age at which stored tiles move to cold storage.")
	fs.IntVar(&c.UpstreamConcurrency, "upstream_concurrency", c.UpstreamConcurrency, "Max in-flight upstream fetches.")
	fs.DurationVar(&c.UpstreamPacing, "upstream_pacing", c.UpstreamPacing, "Minimum spacing between upstream request starts.")
	fs.IntVar(&c.EdgeRatePerMinute, "edge_rate_per_minute", c.EdgeRatePerMinute, "Edge token bucket refill per minute.")
	fs.IntVar(&c.EdgeBurst, "edge_burst", c.EdgeBurst, "Edge token bucket capacity.")
	fs.DurationVar(&c.RequestDeadline, "request_deadline", c.RequestDeadline, "End-to-end deadline for one tile request.")
	fs.Int64Var(&c.LocalCacheBytes, "local_cache_bytes", c.LocalCacheBytes, "In-process tile cache budget in bytes.")
	fs.IntVar(&c.JobPoolSize, "job_pool_size", c.JobPoolSize, "Number of background job workers.")
}

// Validate returns an error describing the first invalid option.
func (c *Config) Validate() error {
	if c.Port == "" {
		return skerr.Fmt("--port is required")
	}
	if c.RedisURL == "" {
		return skerr.Fmt("--redis_url is required")
	}
	if c.Bucket == "" {
		return skerr.Fmt("--bucket is required")
	}
	if c.UpstreamURL == "" {
		return skerr.Fmt("--upstream_url is required")
	}
	if c.MosaicTTL <= 0 {
		return skerr.Fmt("--mosaic_ttl must be positive, got %s", c.MosaicTTL)
	}
	if c.TileBlobTransition <= 0 || c.TileBlobTransition >= c.TileBlobTTL {
		return skerr.Fmt("--tile_blob_transition must fall inside --tile_blob_ttl, got %s of %s", c.TileBlobTransition, c.TileBlobTTL)
	}
	if c.UpstreamConcurrency < 1 {
		return skerr.Fmt("--upstream_concurrency must be at least 1, got %d", c.UpstreamConcurrency)
	}
	if c.EdgeRatePerMinute < 1 || c.EdgeBurst < 1 {
		return skerr.Fmt("edge limiter rate and burst must be positive")
	}
	if c.RequestDeadline <= 0 {
		return skerr.Fmt("--request_deadline must be positive, got %s", c.RequestDeadline)
	}
	if c.LocalCacheBytes < 1<<20 {
		return skerr.Fmt("--local_cache_bytes must be at least 1 MiB, got %d", c.LocalCacheBytes)
	}
	if c.JobPoolSize < 1 {
		return skerr.Fmt("--job_pool_size must be at least 1, got %d", c.JobPoolSize)
	}
	return nil
}
