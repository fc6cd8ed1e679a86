package pipeline

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/heliosml/helios/pkg/models"
)

const testInterval = 5 * time.Minute

func trackedMetrics() []string {
	return []string{
		models.MetricCPUUtilization,
		models.MetricMemoryUtilization,
		models.MetricRequestRate,
	}
}

// buildSeries creates aligned buckets ending just before the given time
func buildSeries(end time.Time, buckets int, base float64) models.AlignedSeries {
	series := make(models.AlignedSeries)
	for _, metric := range trackedMetrics() {
		s := make(models.Series, buckets)
		for i := 0; i < buckets; i++ {
			ts := end.Add(time.Duration(i-buckets) * testInterval)
			s[i] = models.MetricSample{
				Timestamp: ts.Truncate(testInterval),
				Value:     base + float64(i)*0.01,
			}
		}
		series[metric] = s
	}
	return series
}

func TestTransformVectorShape(t *testing.T) {
	e := NewEngineer(testInterval, trackedMetrics())
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	fv, err := e.Transform(buildSeries(at, 24, 0.5), at)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}

	if len(fv.Names) != len(fv.Values) {
		t.Fatalf("Names/Values length mismatch: %d vs %d", len(fv.Names), len(fv.Values))
	}
	if len(fv.Names) != len(e.FeatureNames()) {
		t.Errorf("Expected %d features, got %d", len(e.FeatureNames()), len(fv.Names))
	}
	for i, v := range fv.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("Feature %s is not finite: %f", fv.Names[i], v)
		}
	}
}

func TestTransformConstantShapeAcrossHistoryDepth(t *testing.T) {
	e := NewEngineer(testInterval, trackedMetrics())
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	// One bucket of history forces padding; a full day does not. The
	// vector shape must not change between them.
	short, err := e.Transform(buildSeries(at, 1, 0.5), at)
	if err != nil {
		t.Fatalf("Transform with short history failed: %v", err)
	}
	long, err := e.Transform(buildSeries(at, 288, 0.5), at)
	if err != nil {
		t.Fatalf("Transform with long history failed: %v", err)
	}

	if len(short.Values) != len(long.Values) {
		t.Errorf("Vector length varies with history depth: %d vs %d",
			len(short.Values), len(long.Values))
	}
	for _, v := range short.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("Padded vector contains non-finite value %f", v)
		}
	}
}

func TestTemporalFeatures(t *testing.T) {
	e := NewEngineer(testInterval, trackedMetrics())

	// Saturday 03:00 UTC: weekend, outside business hours.
	saturday := time.Date(2026, 3, 7, 3, 0, 0, 0, time.UTC)
	fv, err := e.Transform(buildSeries(saturday, 24, 0.5), saturday)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if got, _ := fv.Get("is_weekend"); got != 1.0 {
		t.Errorf("Expected is_weekend=1 on Saturday, got %f", got)
	}
	if got, _ := fv.Get("is_business_hours"); got != 0.0 {
		t.Errorf("Expected is_business_hours=0 at 03:00, got %f", got)
	}

	// Wednesday 14:00 UTC: weekday business hours.
	wednesday := time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)
	fv, err = e.Transform(buildSeries(wednesday, 24, 0.5), wednesday)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if got, _ := fv.Get("is_weekend"); got != 0.0 {
		t.Errorf("Expected is_weekend=0 on Wednesday, got %f", got)
	}
	if got, _ := fv.Get("is_business_hours"); got != 1.0 {
		t.Errorf("Expected is_business_hours=1 at 14:00, got %f", got)
	}

	// Cyclical encodings stay on the unit circle.
	sin, _ := fv.Get("hour_sin")
	cos, _ := fv.Get("hour_cos")
	if r := sin*sin + cos*cos; math.Abs(r-1.0) > 1e-9 {
		t.Errorf("hour_sin/hour_cos not on unit circle: %f", r)
	}
}

func TestTransformExcludesEvaluationBucket(t *testing.T) {
	e := NewEngineer(testInterval, trackedMetrics())
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	series := buildSeries(at, 24, 0.5)
	// Plant an extreme value at the evaluation bucket itself. No lag or
	// rolling feature may see it.
	for _, metric := range trackedMetrics() {
		series[metric] = append(series[metric], models.MetricSample{
			Timestamp: at,
			Value:     1e9,
		})
	}

	fv, err := e.Transform(series, at)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	for i, v := range fv.Values {
		if math.Abs(v) > 1e6 {
			t.Errorf("Feature %s leaked the evaluation bucket value: %f", fv.Names[i], v)
		}
	}
}

func TestTransformAllParallelTimestamps(t *testing.T) {
	e := NewEngineer(testInterval, trackedMetrics())
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	vectors, timestamps, err := e.TransformAll(buildSeries(at, 48, 0.5))
	if err != nil {
		t.Fatalf("TransformAll failed: %v", err)
	}
	if len(vectors) != len(timestamps) {
		t.Fatalf("Vectors and timestamps not parallel: %d vs %d", len(vectors), len(timestamps))
	}
	if len(vectors) == 0 {
		t.Fatal("Expected at least one training row")
	}
	for i := 1; i < len(timestamps); i++ {
		if !timestamps[i].After(timestamps[i-1]) {
			t.Errorf("Timestamps not strictly increasing at %d", i)
		}
	}
}

func TestPctChangeClamped(t *testing.T) {
	e := NewEngineer(testInterval, []string{models.MetricCPUUtilization})
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	series := make(models.Series, 24)
	for i := range series {
		ts := at.Add(time.Duration(i-24) * testInterval).Truncate(testInterval)
		value := 1e-12
		if i == len(series)-1 {
			value = 100.0 // enormous jump off a near-zero base
		}
		series[i] = models.MetricSample{Timestamp: ts, Value: value}
	}

	fv, err := e.Transform(models.AlignedSeries{models.MetricCPUUtilization: series}, at)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	for i, name := range fv.Names {
		if !strings.Contains(name, "pct_change") {
			continue
		}
		if math.Abs(fv.Values[i]) > 10.0 {
			t.Errorf("Feature %s exceeds the clamp: %f", name, fv.Values[i])
		}
	}
}
