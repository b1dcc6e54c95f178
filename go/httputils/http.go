package httputils

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.lapig.org/tiles/go/metrics2"
	"go.lapig.org/tiles/go/sklog"
)

const (
	DIAL_TIMEOUT    = time.Minute
	REQUEST_TIMEOUT = 5 * time.Minute

	// Exponential backoff defaults.
	INITIAL_INTERVAL     = 500 * time.Millisecond
	RANDOMIZATION_FACTOR = 0.5
	BACKOFF_MULTIPLIER   = 1.5
	MAX_INTERVAL         = 60 * time.Second
	MAX_ELAPSED_TIME     = 5 * time.Minute
)

// HealthCheckHandler returns 200 OK with an empty body, appropriate
// for a healthcheck endpoint.
func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
}

// ClientConfig represents options for the behavior of an http.Client. Each
// field, when set, modifies the default http.Client behavior.
//
// Example:
// client := DefaultClientConfig().WithoutRetries().Client()
type ClientConfig struct {
	// DialTimeout, if non-zero, sets the http.Transport's dialer to a
	// net.DialTimeout with the specified timeout.
	DialTimeout time.Duration

	// RequestTimeout, if non-zero, sets the http.Client.Timeout. The timeout
	// applies until the response body is fully read.
	RequestTimeout time.Duration

	// Retries, if non-nil, uses a BackOffTransport to automatically retry
	// requests until receiving a non-5xx response, as specified by the
	// BackOffConfig.
	Retries *BackOffConfig

	// Response2xxOnly, if true, transforms non-2xx HTTP responses to an error
	// return value.
	Response2xxOnly bool

	// Metrics, if true, logs each request to metrics.
	Metrics bool
}

// DefaultClientConfig returns a ClientConfig with reasonable defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:     DIAL_TIMEOUT,
		RequestTimeout:  REQUEST_TIMEOUT,
		Retries:         DefaultBackOffConfig(),
		Response2xxOnly: false,
		Metrics:         true,
	}
}

// WithDialTimeout returns a new ClientConfig with the DialTimeout set as specified.
func (c ClientConfig) WithDialTimeout(dialTimeout time.Duration) ClientConfig {
	c.DialTimeout = dialTimeout
	return c
}

// WithRequestTimeout returns a new ClientConfig with the RequestTimeout set as
// specified.
func (c ClientConfig) WithRequestTimeout(requestTimeout time.Duration) ClientConfig {
	c.RequestTimeout = requestTimeout
	return c
}

// With2xxOnly returns a new ClientConfig where non-2xx responses cause an error.
func (c ClientConfig) With2xxOnly() ClientConfig {
	c.Response2xxOnly = true
	return c
}

// WithoutRetries returns a new ClientConfig where requests are not retried.
func (c ClientConfig) WithoutRetries() ClientConfig {
	c.Retries = nil
	return c
}

// Client returns a new http.Client as configured by the ClientConfig.
func (c ClientConfig) Client() *http.Client {
	var t http.RoundTripper = http.DefaultTransport
	if c.DialTimeout != 0 {
		t = &http.Transport{
			Dial: ConfiguredDialTimeout(c.DialTimeout),
		}
	}
	if c.Retries != nil {
		if c.RequestTimeout != 0 && c.Retries.maxElapsedTime > c.RequestTimeout {
			sklog.Warningf("Setting ClientConfig.Retries.maxElapsedTime to value of ClientConfig.RequestTimeout. Was %s, now %s.", c.Retries.maxElapsedTime, c.RequestTimeout)
			c.Retries.maxElapsedTime = c.RequestTimeout
		}
		t = NewConfiguredBackOffTransport(c.Retries, t)
	}
	if c.Response2xxOnly {
		t = Response2xxOnlyTransport{t}
	}
	if c.Metrics {
		t = NewMetricsTransport(t)
	}
	return &http.Client{
		Transport: t,
		Timeout:   c.RequestTimeout,
	}
}

// ConfiguredDialTimeout returns a dialer that sets a given timeout.
func ConfiguredDialTimeout(timeout time.Duration) func(string, string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		return net.DialTimeout(network, addr, timeout)
	}
}

// Response2xxOnlyTransport is a RoundTripper that transforms non-2xx HTTP
// responses to an error return value.
type Response2xxOnlyTransport struct {
	http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t Response2xxOnlyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(req)
	if err == nil && resp != nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return nil, fmt.Errorf("got error response status code %d from the %s %s", resp.StatusCode, req.Method, req.URL)
	}
	return resp, err
}

// BackOffConfig contains the parameters for an exponential backoff policy
// applied to retried HTTP requests.
type BackOffConfig struct {
	initialInterval     time.Duration
	maxInterval         time.Duration
	maxElapsedTime      time.Duration
	randomizationFactor float64
	backOffMultiplier   float64
}

// DefaultBackOffConfig returns a BackOffConfig with reasonable defaults.
func DefaultBackOffConfig() *BackOffConfig {
	return &BackOffConfig{
		initialInterval:     INITIAL_INTERVAL,
		maxInterval:         MAX_INTERVAL,
		maxElapsedTime:      MAX_ELAPSED_TIME,
		randomizationFactor: RANDOMIZATION_FACTOR,
		backOffMultiplier:   BACKOFF_MULTIPLIER,
	}
}

// NewBackOffConfig returns a BackOffConfig with the given parameters.
func NewBackOffConfig(initialInterval, maxInterval, maxElapsedTime time.Duration) *BackOffConfig {
	return &BackOffConfig{
		initialInterval:     initialInterval,
		maxInterval:         maxInterval,
		maxElapsedTime:      maxElapsedTime,
		randomizationFactor: RANDOMIZATION_FACTOR,
		backOffMultiplier:   BACKOFF_MULTIPLIER,
	}
}

type backOffTransport struct {
	http.Transport
	backOffConfig *BackOffConfig
	inner         http.RoundTripper
}

// NewConfiguredBackOffTransport creates a BackOffTransport with the specified
// config, wrapping the given base RoundTripper.
//
// The transport retries requests that return a 5xx response or a transport
// error, with exponential backoff:
//
//	backoff = min(initialInterval * multiplier^n, maxInterval)
//
// randomized by the randomizationFactor, giving up after maxElapsedTime.
func NewConfiguredBackOffTransport(config *BackOffConfig, base http.RoundTripper) http.RoundTripper {
	return &backOffTransport{
		backOffConfig: config,
		inner:         base,
	}
}

// RoundTrip implements the RoundTripper interface.
func (t *backOffTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Initialize the exponential backoff client.
	backOffClient := backoff.NewExponentialBackOff()
	backOffClient.InitialInterval = t.backOffConfig.initialInterval
	backOffClient.MaxInterval = t.backOffConfig.maxInterval
	backOffClient.MaxElapsedTime = t.backOffConfig.maxElapsedTime
	backOffClient.RandomizationFactor = t.backOffConfig.randomizationFactor
	backOffClient.Multiplier = t.backOffConfig.backOffMultiplier

	var resp *http.Response
	roundTripOp := func() error {
		var err error
		resp, err = t.inner.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("error while making the round trip to %s: %s", req.URL, err)
		}
		if resp != nil && resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			// Drain and close the body so the connection can be reused.
			_ = resp.Body.Close()
			return fmt.Errorf("got server error status code %d while making the HTTP %s request to %s", resp.StatusCode, req.Method, req.URL)
		}
		return nil
	}
	notifyFunc := func(err error, wait time.Duration) {
		sklog.Warningf("Got error: %s. Retrying HTTP request after sleeping for %s", err, wait)
	}

	b := backoff.WithContext(backOffClient, req.Context())
	if err := backoff.RetryNotify(roundTripOp, b, notifyFunc); err != nil {
		return nil, fmt.Errorf("the request to %s keeps failing: %s", req.URL, err)
	}
	return resp, nil
}

type metricsTransport struct {
	inner http.RoundTripper
}

// NewMetricsTransport returns an http.RoundTripper that records metrics for
// each request, tagged by destination host.
func NewMetricsTransport(inner http.RoundTripper) http.RoundTripper {
	if inner == nil {
		inner = http.DefaultTransport
	}
	return &metricsTransport{inner: inner}
}

// RoundTrip implements http.RoundTripper.
func (t *metricsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	metrics2.GetCounter("http_request_metrics", map[string]string{
		"host":   req.URL.Host,
		"method": req.Method,
	}).Inc(1)
	return t.inner.RoundTrip(req)
}

// ReportError formats an HTTP error response and also logs the detailed error
// message. The message is returned to the requester, the err is not, so
// internal details never leak.
func ReportError(w http.ResponseWriter, err error, message string, code int) {
	sklog.ErrorfWithDepth(1, "%s, sending error %d. Cause: %s", message, code, err)
	if err != ErrRequestCanceled {
		http.Error(w, message, code)
	}
}

// ErrRequestCanceled is the error returned when the client cancels the request.
var ErrRequestCanceled = fmt.Errorf("request canceled")
