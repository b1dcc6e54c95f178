package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.lapig.org/tiles/go/httputils"
	"go.lapig.org/tiles/go/metrics2"
	"go.lapig.org/tiles/go/skerr"
	"go.lapig.org/tiles/go/sklog"
	"go.lapig.org/tiles/go/util"
	"go.lapig.org/tiles/tileserver/go/tilekey"
	"go.lapig.org/tiles/tileserver/go/types"
	"go.lapig.org/tiles/tileserver/go/visparams"
)

const (
	// mosaicPath is the backend's mosaic-build endpoint, relative to the
	// base URL.
	mosaicPath = "/v1/mosaics"

	// buildTimeout bounds one mosaic build; the backend composites a full
	// season of imagery, which routinely takes seconds.
	buildTimeout = 2 * time.Minute

	// fetchTimeout bounds one tile fetch from an established template.
	fetchTimeout = 25 * time.Second
)

// buildRequest is the JSON body of a mosaic-build call.
type buildRequest struct {
	Collection string                   `json:"collection"`
	DateStart  string                   `json:"date_start"`
	DateEnd    string                   `json:"date_end"`
	BandSelect []string                 `json:"band_select,omitempty"`
	BandRename []string                 `json:"band_rename,omitempty"`
	Recipe     *visparams.Recipe        `json:"vis_params,omitempty"`
	Landsat    *visparams.LandsatRecipe `json:"landsat_vis_params,omitempty"`
}

// buildResponse is the JSON body of a successful mosaic-build call.
type buildResponse struct {
	URLTemplate string `json:"url_template"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

// HTTPClient implements Client over the backend's HTTP API.
type HTTPClient struct {
	baseURL  string
	registry *visparams.Registry
	client   *http.Client
}

// NewHTTPClient returns a Client for the backend at baseURL. The registry
// resolves recipes and Landsat collections at build time.
func NewHTTPClient(baseURL string, registry *visparams.Registry) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		registry: registry,
		client:   httputils.DefaultClientConfig().WithoutRetries().Client(),
	}
}

// buildBody assembles the request body for a mosaic key.
func (c *HTTPClient) buildBody(key types.MosaicKey) (buildRequest, error) {
	vp, ok := c.registry.Lookup(key.VisParam)
	if !ok {
		return buildRequest{}, types.Errf(types.NotFound, "unknown visparam %q", key.VisParam)
	}
	dates := tilekey.PeriodRange(key)
	ret := buildRequest{
		DateStart: dates.Start,
		DateEnd:   dates.End,
	}
	if key.Layer == types.LayerLandsat {
		collection, err := c.registry.LandsatCollection(key.Year)
		if err != nil {
			return buildRequest{}, skerr.Wrap(err)
		}
		ret.Collection = collection
		for _, sc := range vp.SatelliteConfigs {
			if sc.CollectionID == collection {
				recipe := sc.Recipe
				ret.Landsat = &recipe
				break
			}
		}
		if ret.Landsat == nil {
			return buildRequest{}, types.Errf(types.NotFound, "visparam %q has no recipe for %s", key.VisParam, collection)
		}
	} else {
		ret.Collection = visparams.SentinelCollection
		ret.BandSelect = vp.BandSelect
		ret.BandRename = vp.BandRename
		ret.Recipe = vp.Recipe
	}
	return ret, nil
}

// BuildMosaic implements Client.
func (c *HTTPClient) BuildMosaic(ctx context.Context, key types.MosaicKey) (types.MosaicHandle, error) {
	body, err := c.buildBody(key)
	if err != nil {
		return types.MosaicHandle{}, err
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return types.MosaicHandle{}, skerr.Wrap(err)
	}

	ctx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+mosaicPath, bytes.NewReader(encoded))
	if err != nil {
		return types.MosaicHandle{}, skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	defer metrics2.NewTimer("tileserver_upstream_build").Stop()
	resp, err := c.client.Do(req)
	if err != nil {
		return types.MosaicHandle{}, types.WrapErr(types.UpstreamTransient, err, "building mosaic")
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return types.MosaicHandle{}, classifyStatus(resp.StatusCode, "building mosaic")
	}

	var decoded buildResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return types.MosaicHandle{}, types.WrapErr(types.UpstreamTransient, err, "decoding mosaic response")
	}
	if decoded.URLTemplate == "" {
		return types.MosaicHandle{}, types.Errf(types.UpstreamTransient, "mosaic response is missing the url template")
	}
	sklog.Infof("Built mosaic %s", tilekey.MosaicString(key))
	return types.MosaicHandle{
		URLTemplate: decoded.URLTemplate,
		TTL:         types.Duration(time.Duration(decoded.TTLSeconds) * time.Second),
		State:       types.MosaicReady,
	}, nil
}

// FetchTile implements Client.
func (c *HTTPClient) FetchTile(ctx context.Context, urlTemplate string, z, x, y int) ([]byte, error) {
	url := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	).Replace(urlTemplate)

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	defer metrics2.NewTimer("tileserver_upstream_fetch").Stop()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, types.WrapErr(types.UpstreamTransient, err, "fetching tile")
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, "fetching tile")
	}
	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.WrapErr(types.UpstreamTransient, err, "reading tile body")
	}
	if len(contents) == 0 {
		return nil, types.Errf(types.UpstreamTransient, "upstream returned an empty tile")
	}
	return contents, nil
}

// Assert HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
