package datasource

import (
	"context"
	"fmt"
	"time"

	"github.com/heliosml/helios/pkg/models"
)

// FetchTimeoutError reports that a metrics backend did not answer within
// the configured deadline
type FetchTimeoutError struct {
	Source  string
	Timeout time.Duration
}

func (e *FetchTimeoutError) Error() string {
	return fmt.Sprintf("%s fetch timed out after %s", e.Source, e.Timeout)
}

// DataSource collects bucket-aligned utilization series for a workload.
// FetchRange returns one series per requested metric name, each aligned to
// the same bucket timestamps over [end-window, end].
type DataSource interface {
	FetchRange(ctx context.Context, workload, namespace string, metrics []string, end time.Time, window, interval time.Duration) (models.AlignedSeries, error)
	IsAvailable(ctx context.Context) bool
	Name() string
}

type Config struct {
	PrometheusURL    string
	UseMetricsServer bool
	Timeout          time.Duration
}
