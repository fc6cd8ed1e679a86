package datasource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/heliosml/helios/pkg/models"
)

// PrometheusSource reads utilization series from a Prometheus server using
// range queries aligned to the bucket interval.
type PrometheusSource struct {
	client  v1.API
	url     string
	timeout time.Duration
}

func NewPrometheusSource(url string, timeout time.Duration) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{
		Address: url,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &PrometheusSource{
		client:  v1.NewAPI(client),
		url:     url,
		timeout: timeout,
	}, nil
}

// queryFor maps a metric name to a PromQL expression averaged across the
// workload's pods. Unknown names fall back to querying the name directly.
func queryFor(metric, workload, namespace string) string {
	selector := fmt.Sprintf(`namespace="%s",pod=~"%s-.*"`, namespace, workload)
	switch metric {
	case models.MetricCPUUtilization:
		return fmt.Sprintf(
			`avg(rate(container_cpu_usage_seconds_total{%s}[5m])) / avg(kube_pod_container_resource_requests{%s,resource="cpu"})`,
			selector, selector)
	case models.MetricMemoryUtilization:
		return fmt.Sprintf(
			`avg(container_memory_working_set_bytes{%s}) / avg(kube_pod_container_resource_requests{%s,resource="memory"})`,
			selector, selector)
	case models.MetricRequestRate:
		return fmt.Sprintf(`sum(rate(http_requests_total{%s}[5m]))`, selector)
	default:
		return fmt.Sprintf(`avg(%s{%s})`, metric, selector)
	}
}

// FetchRange pulls one bucket-aligned series per metric. Buckets with no
// data are dropped rather than zero-filled; downstream stages decide how to
// handle sparse history.
func (p *PrometheusSource) FetchRange(ctx context.Context, workload, namespace string, metrics []string, end time.Time, window, interval time.Duration) (models.AlignedSeries, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	end = end.Truncate(interval)
	r := v1.Range{
		Start: end.Add(-window),
		End:   end,
		Step:  interval,
	}

	out := make(models.AlignedSeries, len(metrics))
	for _, metric := range metrics {
		series, err := p.queryRange(fetchCtx, queryFor(metric, workload, namespace), metric, r)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &FetchTimeoutError{Source: p.Name(), Timeout: p.timeout}
			}
			return nil, fmt.Errorf("%s query failed: %w", metric, err)
		}
		out[metric] = series
	}
	return out, nil
}

func (p *PrometheusSource) queryRange(ctx context.Context, query, metric string, r v1.Range) (models.Series, error) {
	result, warnings, err := p.client.QueryRange(ctx, query, r)
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		// Warnings are non-fatal; the caller logs at a higher level.
		_ = warnings
	}

	matrix, ok := result.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s for query: %s", result.Type(), query)
	}

	var series models.Series
	for _, stream := range matrix {
		for _, pair := range stream.Values {
			series = append(series, models.MetricSample{
				Timestamp: pair.Timestamp.Time().Truncate(r.Step),
				Value:     float64(pair.Value),
			})
		}
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("no data for metric %s", metric)
	}
	return series, nil
}

func (p *PrometheusSource) IsAvailable(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, _, err := p.client.Query(checkCtx, "up", time.Now())
	return err == nil
}

func (p *PrometheusSource) Name() string {
	return "Prometheus"
}
