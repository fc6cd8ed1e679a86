package datasource

import (
	"context"
	"fmt"
	"time"

	"github.com/heliosml/helios/pkg/models"
)

// StaticSource serves pre-recorded series. Used for replaying captured
// traffic through the pipeline and in tests.
type StaticSource struct {
	series models.AlignedSeries
}

func NewStaticSource(series models.AlignedSeries) *StaticSource {
	return &StaticSource{series: series}
}

// FetchRange returns the recorded samples that fall inside [end-window, end],
// ignoring workload and namespace.
func (s *StaticSource) FetchRange(ctx context.Context, workload, namespace string, metrics []string, end time.Time, window, interval time.Duration) (models.AlignedSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	end = end.Truncate(interval)
	start := end.Add(-window)

	out := make(models.AlignedSeries, len(metrics))
	for _, metric := range metrics {
		recorded, ok := s.series[metric]
		if !ok {
			return nil, fmt.Errorf("no recorded data for metric %s", metric)
		}
		var series models.Series
		for _, sample := range recorded {
			if sample.Timestamp.Before(start) || sample.Timestamp.After(end) {
				continue
			}
			series = append(series, sample)
		}
		if len(series) == 0 {
			return nil, fmt.Errorf("no recorded samples for metric %s in window", metric)
		}
		out[metric] = series
	}
	return out, nil
}

func (s *StaticSource) IsAvailable(ctx context.Context) bool { return true }

func (s *StaticSource) Name() string { return "static" }
