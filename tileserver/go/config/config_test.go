package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults_Success(t *testing.T) {
	require.NoError(t, New().Validate())
}

func TestRegister_FlagsOverrideDefaults(t *testing.T) {
	c := New()
	fs := flag.NewFlagSet("test", flag.PanicOnError)
	c.Register(fs)
	require.NoError(t, fs.Parse([]string{
		"--port=:9000",
		"--mosaic_ttl=1h",
		"--upstream_concurrency=5",
	}))
	assert.Equal(t, ":9000", c.Port)
	assert.Equal(t, time.Hour, c.MosaicTTL)
	assert.Equal(t, 5, c.UpstreamConcurrency)
	// Untouched options keep their defaults.
	assert.Equal(t, 90*24*time.Hour, c.TileBlobTTL)
	assert.Equal(t, 30*24*time.Hour, c.TileBlobTransition)
	require.NoError(t, c.Validate())
}

func TestValidate_BadOptions_ReturnsError(t *testing.T) {
	test := func(name string, mutate func(*Config)) {
		t.Run(name, func(t *testing.T) {
			c := New()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
	test("empty port", func(c *Config) { c.Port = "" })
	test("empty redis url", func(c *Config) { c.RedisURL = "" })
	test("empty bucket", func(c *Config) { c.Bucket = "" })
	test("empty upstream url", func(c *Config) { c.UpstreamURL = "" })
	test("zero mosaic ttl", func(c *Config) { c.MosaicTTL = 0 })
	test("zero blob transition", func(c *Config) { c.TileBlobTransition = 0 })
	test("transition past deletion", func(c *Config) { c.TileBlobTransition = c.TileBlobTTL + time.Hour })
	test("zero concurrency", func(c *Config) { c.UpstreamConcurrency = 0 })
	test("zero edge burst", func(c *Config) { c.EdgeBurst = 0 })
	test("negative deadline", func(c *Config) { c.RequestDeadline = -time.Second })
	test("tiny cache", func(c *Config) { c.LocalCacheBytes = 1024 })
	test("zero workers", func(c *Config) { c.JobPoolSize = 0 })
}
