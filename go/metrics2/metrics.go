// Package metrics2 is a client for recording application metrics. Metrics are
// specified with a measurement name and a map of tags; the backend is
// Prometheus, exposed on the /metrics handler of the application.
package metrics2

// Int64Metric is a metric which reports an int64 gauge value.
type Int64Metric interface {
	// Get returns the current value of the metric.
	Get() int64

	// Update sets the current value of the metric.
	Update(v int64)
}

// Float64Metric is a metric which reports a float64 gauge value.
type Float64Metric interface {
	// Get returns the current value of the metric.
	Get() float64

	// Update sets the current value of the metric.
	Update(v float64)
}

// Float64SummaryMetric is a metric which reports a summary of many float64
// observations, e.g. latencies.
type Float64SummaryMetric interface {
	// Observe adds a single observation.
	Observe(v float64)
}

// Counter is a metric which reports a value which increments or decrements.
type Counter interface {
	Inc(i int64)
	Dec(i int64)
	Get() int64
	Reset()
}

// Client represents a set of metrics.
type Client interface {
	// GetInt64Metric returns an Int64Metric instance.
	GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric

	// GetFloat64Metric returns a Float64Metric instance.
	GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric

	// GetFloat64SummaryMetric returns a Float64SummaryMetric instance.
	GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric

	// GetCounter returns a Counter. The measurement is always "counter", the
	// given name is inserted as a tag.
	GetCounter(name string, tags ...map[string]string) Counter
}

var defaultClient Client = newPromClient()

// GetDefaultClient returns the default Client.
func GetDefaultClient() Client {
	return defaultClient
}

// GetInt64Metric returns an Int64Metric using the default client.
func GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	return defaultClient.GetInt64Metric(measurement, tags...)
}

// GetFloat64Metric returns a Float64Metric using the default client.
func GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric {
	return defaultClient.GetFloat64Metric(measurement, tags...)
}

// GetFloat64SummaryMetric returns a Float64SummaryMetric using the default client.
func GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric {
	return defaultClient.GetFloat64SummaryMetric(measurement, tags...)
}

// GetCounter returns a Counter using the default client.
func GetCounter(name string, tags ...map[string]string) Counter {
	return defaultClient.GetCounter(name, tags...)
}
