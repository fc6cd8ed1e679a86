package datasource

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/heliosml/helios/pkg/models"
)

// MetricsServerSource samples live utilization from the Kubernetes metrics
// API. It has no history, so FetchRange returns a single sample per metric
// for the current bucket. It backs live scoring when Prometheus is down,
// never training.
type MetricsServerSource struct {
	clientset     kubernetes.Interface
	metricsClient metricsv.Interface
	timeout       time.Duration
}

func NewMetricsServerSource(clientset kubernetes.Interface, metricsClient metricsv.Interface, timeout time.Duration) *MetricsServerSource {
	return &MetricsServerSource{
		clientset:     clientset,
		metricsClient: metricsClient,
		timeout:       timeout,
	}
}

func (m *MetricsServerSource) FetchRange(ctx context.Context, workload, namespace string, metrics []string, end time.Time, window, interval time.Duration) (models.AlignedSeries, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cpuUtil, memUtil, err := m.sampleUtilization(fetchCtx, workload, namespace)
	if err != nil {
		if fetchCtx.Err() == context.DeadlineExceeded {
			return nil, &FetchTimeoutError{Source: m.Name(), Timeout: m.timeout}
		}
		return nil, err
	}

	bucket := end.Truncate(interval)
	out := make(models.AlignedSeries)
	for _, metric := range metrics {
		switch metric {
		case models.MetricCPUUtilization:
			out[metric] = models.Series{{Timestamp: bucket, Value: cpuUtil}}
		case models.MetricMemoryUtilization:
			out[metric] = models.Series{{Timestamp: bucket, Value: memUtil}}
		default:
			// Request rate and custom metrics need a timeseries backend.
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("metrics-server supports none of the requested metrics")
	}
	return out, nil
}

// sampleUtilization averages usage/request across the workload's pods.
// Pods without resource requests are skipped.
func (m *MetricsServerSource) sampleUtilization(ctx context.Context, workload, namespace string) (float64, float64, error) {
	pods, err := m.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s", workload),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list pods: %w", err)
	}
	podMetrics, err := m.metricsClient.MetricsV1beta1().PodMetricses(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s", workload),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get pod metrics: %w", err)
	}

	usageCPU := make(map[string]int64)
	usageMem := make(map[string]int64)
	for _, pm := range podMetrics.Items {
		for _, container := range pm.Containers {
			cpu := container.Usage[corev1.ResourceCPU]
			mem := container.Usage[corev1.ResourceMemory]
			usageCPU[pm.Name] += cpu.MilliValue()
			usageMem[pm.Name] += mem.Value()
		}
	}

	var cpuSum, memSum float64
	var counted int
	for _, pod := range pods.Items {
		var reqCPU, reqMem int64
		for _, container := range pod.Spec.Containers {
			if cpu, ok := container.Resources.Requests[corev1.ResourceCPU]; ok {
				reqCPU += cpu.MilliValue()
			}
			if mem, ok := container.Resources.Requests[corev1.ResourceMemory]; ok {
				reqMem += mem.Value()
			}
		}
		if reqCPU == 0 || reqMem == 0 {
			continue
		}
		cpuSum += float64(usageCPU[pod.Name]) / float64(reqCPU)
		memSum += float64(usageMem[pod.Name]) / float64(reqMem)
		counted++
	}
	if counted == 0 {
		return 0, 0, fmt.Errorf("no pods with resource requests for workload %s/%s", namespace, workload)
	}
	return cpuSum / float64(counted), memSum / float64(counted), nil
}

func (m *MetricsServerSource) IsAvailable(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, err := m.metricsClient.MetricsV1beta1().NodeMetricses().List(checkCtx, metav1.ListOptions{Limit: 1})
	return err == nil
}

func (m *MetricsServerSource) Name() string {
	return "metrics-server"
}
