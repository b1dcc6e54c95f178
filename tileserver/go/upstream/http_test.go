package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.lapig.org/tiles/tileserver/go/types"
	"go.lapig.org/tiles/tileserver/go/visparams"
)

func newRegistry(t *testing.T) *visparams.Registry {
	return visparams.NewRegistry(context.Background(), visparams.NewMemoryStore())
}

func s2Key() types.MosaicKey {
	return types.MosaicKey{
		Layer:    types.LayerS2Harmonized,
		Period:   types.PeriodWet,
		Year:     2023,
		VisParam: "tvi-red",
	}
}

func TestBuildMosaic_SentinelRequestBody(t *testing.T) {
	var got buildRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, mosaicPath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.NoError(t, json.NewEncoder(w).Encode(buildResponse{
			URLTemplate: "https://tiles.example/m/abc/{z}/{x}/{y}",
			TTLSeconds:  3600,
		}))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, newRegistry(t))
	handle, err := client.BuildMosaic(context.Background(), s2Key())
	require.NoError(t, err)

	assert.Equal(t, visparams.SentinelCollection, got.Collection)
	assert.Equal(t, "2023-01-01", got.DateStart)
	assert.Equal(t, "2023-04-30", got.DateEnd)
	assert.Equal(t, []string{"B4", "B8A", "B11"}, got.BandSelect)
	require.NotNil(t, got.Recipe)
	assert.Equal(t, []string{"REDEDGE4", "SWIR1", "RED"}, got.Recipe.Bands)

	assert.Equal(t, "https://tiles.example/m/abc/{z}/{x}/{y}", handle.URLTemplate)
	assert.Equal(t, types.Duration(time.Hour), handle.TTL)
	assert.Equal(t, types.MosaicReady, handle.State)
}

func TestBuildMosaic_LandsatPicksCollectionByYear(t *testing.T) {
	var got buildRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.NoError(t, json.NewEncoder(w).Encode(buildResponse{
			URLTemplate: "https://tiles.example/m/xyz/{z}/{x}/{y}",
			TTLSeconds:  3600,
		}))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, newRegistry(t))
	_, err := client.BuildMosaic(context.Background(), types.MosaicKey{
		Layer:    types.LayerLandsat,
		Period:   types.PeriodMonth,
		Year:     1999,
		Month:    7,
		VisParam: "landsat-tvi-false",
	})
	require.NoError(t, err)

	assert.Equal(t, "LANDSAT/LT05/C02/T1_L2", got.Collection)
	assert.Equal(t, "1999-07-01", got.DateStart)
	assert.Equal(t, "1999-07-31", got.DateEnd)
	require.NotNil(t, got.Landsat)
	assert.Equal(t, []string{"SR_B4", "SR_B5", "SR_B3"}, got.Landsat.Bands)
	assert.Nil(t, got.Recipe)
}

func TestBuildMosaic_ErrorClassification(t *testing.T) {
	status := http.StatusInternalServerError
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()
	client := NewHTTPClient(server.URL, newRegistry(t))

	_, err := client.BuildMosaic(context.Background(), s2Key())
	require.Error(t, err)
	assert.Equal(t, types.UpstreamTransient, types.KindOf(err))
	assert.False(t, IsQuota(err))

	status = http.StatusTooManyRequests
	_, err = client.BuildMosaic(context.Background(), s2Key())
	require.Error(t, err)
	assert.Equal(t, types.UpstreamTransient, types.KindOf(err))
	assert.True(t, IsQuota(err))

	status = http.StatusBadRequest
	_, err = client.BuildMosaic(context.Background(), s2Key())
	require.Error(t, err)
	assert.Equal(t, types.UpstreamPermanent, types.KindOf(err))
}

func TestFetchTile_SubstitutesTemplate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/m/abc/12/100/200", r.URL.Path)
		w.Header().Set("Content-Type", "image/png")
		_, err := w.Write([]byte("png-bytes"))
		require.NoError(t, err)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, newRegistry(t))
	contents, err := client.FetchTile(context.Background(), server.URL+"/m/abc/{z}/{x}/{y}", 12, 100, 200)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), contents)
}

func TestFetchTile_EmptyBodyIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client := NewHTTPClient(server.URL, newRegistry(t))
	_, err := client.FetchTile(context.Background(), server.URL+"/{z}/{x}/{y}", 12, 1, 1)
	require.Error(t, err)
	assert.Equal(t, types.UpstreamTransient, types.KindOf(err))
}
