package metrics2

import (
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// invalidChar is used to force metric and tag names to conform to
	// Prometheus's restrictions.
	invalidChar = regexp.MustCompile("([^a-zA-Z0-9_:])")
)

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// promInt64 implements the Int64Metric interface.
type promInt64 struct {
	// i tracks the value of the gauge, because prometheus client lib doesn't
	// support get on Gauge values.
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&(m.i))
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&(m.i), v)
	m.gauge.Set(float64(v))
}

// promFloat64 implements the Float64Metric interface.
type promFloat64 struct {
	mutex sync.Mutex
	i     float64
	gauge prometheus.Gauge
}

func (m *promFloat64) Get() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.i
}

func (m *promFloat64) Update(v float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.i = v
	m.gauge.Set(v)
}

// promFloat64Summary implements the Float64SummaryMetric interface.
type promFloat64Summary struct {
	summary prometheus.Observer
}

func (m *promFloat64Summary) Observe(v float64) {
	m.summary.Observe(v)
}

// promCounter implements the Counter interface.
type promCounter struct {
	promInt64
}

func (pc *promCounter) Inc(i int64) {
	pc.Update(pc.Get() + i)
}

func (pc *promCounter) Dec(i int64) {
	pc.Update(pc.Get() - i)
}

func (pc *promCounter) Reset() {
	pc.Update(0)
}

// promClient implements the Client interface.
type promClient struct {
	int64GaugeVecs map[string]*prometheus.GaugeVec
	int64Gauges    map[string]*promInt64
	int64Mutex     sync.Mutex

	float64GaugeVecs map[string]*prometheus.GaugeVec
	float64Gauges    map[string]*promFloat64
	float64Mutex     sync.Mutex

	float64SummaryVecs  map[string]*prometheus.SummaryVec
	float64Summaries    map[string]*promFloat64Summary
	float64SummaryMutex sync.Mutex

	counters     map[string]*promCounter
	counterMutex sync.Mutex
}

func newPromClient() *promClient {
	return &promClient{
		int64GaugeVecs:     map[string]*prometheus.GaugeVec{},
		int64Gauges:        map[string]*promInt64{},
		float64GaugeVecs:   map[string]*prometheus.GaugeVec{},
		float64Gauges:      map[string]*promFloat64{},
		float64SummaryVecs: map[string]*prometheus.SummaryVec{},
		float64Summaries:   map[string]*promFloat64Summary{},
		counters:           map[string]*promCounter{},
	}
}

// commonGet does the common work for each of the Get* funcs. It returns a
// clean measurement name, the merged clean tags, the sorted tag keys, a key
// that uniquely identifies the metric, and a key that uniquely identifies the
// metric vector.
func commonGet(measurement string, tags ...map[string]string) (string, map[string]string, []string, string, string) {
	measurement = clean(measurement)

	cleanTags := map[string]string{}
	for _, t := range tags {
		for k, v := range t {
			cleanTags[clean(k)] = v
		}
	}

	keys := make([]string, 0, len(cleanTags))
	for k := range cleanTags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	gaugeKey := measurement
	for _, k := range keys {
		gaugeKey += "-" + k + "-" + cleanTags[k]
	}
	gaugeVecKey := measurement
	for _, k := range keys {
		gaugeVecKey += "-" + k
	}
	return measurement, cleanTags, keys, gaugeKey, gaugeVecKey
}

// GetInt64Metric implements the Client interface.
func (p *promClient) GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	p.int64Mutex.Lock()
	defer p.int64Mutex.Unlock()

	measurement, cleanTags, keys, gaugeKey, gaugeVecKey := commonGet(measurement, tags...)
	if m, ok := p.int64Gauges[gaugeKey]; ok {
		return m
	}
	vec, ok := p.int64GaugeVecs[gaugeVecKey]
	if !ok {
		vec = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: measurement}, keys)
		p.int64GaugeVecs[gaugeVecKey] = vec
	}
	m := &promInt64{gauge: vec.With(prometheus.Labels(cleanTags))}
	p.int64Gauges[gaugeKey] = m
	return m
}

// GetFloat64Metric implements the Client interface.
func (p *promClient) GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric {
	p.float64Mutex.Lock()
	defer p.float64Mutex.Unlock()

	measurement, cleanTags, keys, gaugeKey, gaugeVecKey := commonGet(measurement, tags...)
	if m, ok := p.float64Gauges[gaugeKey]; ok {
		return m
	}
	vec, ok := p.float64GaugeVecs[gaugeVecKey]
	if !ok {
		vec = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: measurement + "_f"}, keys)
		p.float64GaugeVecs[gaugeVecKey] = vec
	}
	m := &promFloat64{gauge: vec.With(prometheus.Labels(cleanTags))}
	p.float64Gauges[gaugeKey] = m
	return m
}

// GetFloat64SummaryMetric implements the Client interface.
func (p *promClient) GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric {
	p.float64SummaryMutex.Lock()
	defer p.float64SummaryMutex.Unlock()

	measurement, cleanTags, keys, summaryKey, summaryVecKey := commonGet(measurement, tags...)
	if m, ok := p.float64Summaries[summaryKey]; ok {
		return m
	}
	vec, ok := p.float64SummaryVecs[summaryVecKey]
	if !ok {
		vec = promauto.NewSummaryVec(prometheus.SummaryOpts{Name: measurement + "_s"}, keys)
		p.float64SummaryVecs[summaryVecKey] = vec
	}
	m := &promFloat64Summary{summary: vec.With(prometheus.Labels(cleanTags))}
	p.float64Summaries[summaryKey] = m
	return m
}

// GetCounter implements the Client interface.
func (p *promClient) GetCounter(name string, tags ...map[string]string) Counter {
	t := map[string]string{"name": clean(name)}
	for _, tt := range tags {
		for k, v := range tt {
			t[clean(k)] = v
		}
	}
	_, _, _, counterKey, _ := commonGet("counter", t)

	p.counterMutex.Lock()
	defer p.counterMutex.Unlock()
	if c, ok := p.counters[counterKey]; ok {
		return c
	}
	m := p.GetInt64Metric("counter", t).(*promInt64)
	c := &promCounter{promInt64: promInt64{gauge: m.gauge}}
	p.counters[counterKey] = c
	return c
}

// Validate the promClient implements Client.
var _ Client = (*promClient)(nil)
