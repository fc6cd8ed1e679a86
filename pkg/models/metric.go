package models

import "time"

// MetricSample represents a single aligned metric data point
type MetricSample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series is an ordered sequence of samples for one metric, aligned to the
// pipeline's bucket interval
type Series []MetricSample

// Values extracts just the sample values in order
func (s Series) Values() []float64 {
	values := make([]float64, len(s))
	for i, sample := range s {
		values[i] = sample.Value
	}
	return values
}

// Last returns the most recent sample. The boolean is false for an empty series.
func (s Series) Last() (MetricSample, bool) {
	if len(s) == 0 {
		return MetricSample{}, false
	}
	return s[len(s)-1], true
}

// AlignedSeries groups aligned series by metric name
type AlignedSeries map[string]Series

// Well-known metric names produced by the collectors. Utilization metrics are
// fractions in [0,1], not percentages.
const (
	MetricCPUUtilization    = "cpu_utilization"
	MetricMemoryUtilization = "memory_utilization"
	MetricRequestRate       = "request_rate"
)
