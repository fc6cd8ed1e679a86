// Package cluster resolves the live deployment state that recommendations
// are evaluated against.
package cluster

import (
	"context"
	"fmt"
	"path/filepath"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/heliosml/helios/pkg/models"
)

// StateProvider reports replica count and resource settings for a workload.
// Utilization fields of the returned state are filled in by the caller from
// the metrics source.
type StateProvider interface {
	State(ctx context.Context, workload, namespace string) (models.CurrentState, error)
}

// KubernetesProvider reads deployment state from the cluster API
type KubernetesProvider struct {
	clientset   kubernetes.Interface
	minReplicas int
	maxReplicas int
}

// NewKubernetesProvider connects using in-cluster config when available,
// falling back to the local kubeconfig.
func NewKubernetesProvider(minReplicas, maxReplicas int) (*KubernetesProvider, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		var kubeconfig string
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	return &KubernetesProvider{
		clientset:   clientset,
		minReplicas: minReplicas,
		maxReplicas: maxReplicas,
	}, nil
}

func NewKubernetesProviderWithClient(clientset kubernetes.Interface, minReplicas, maxReplicas int) *KubernetesProvider {
	return &KubernetesProvider{
		clientset:   clientset,
		minReplicas: minReplicas,
		maxReplicas: maxReplicas,
	}
}

func (p *KubernetesProvider) State(ctx context.Context, workload, namespace string) (models.CurrentState, error) {
	deploy, err := p.clientset.AppsV1().Deployments(namespace).Get(ctx, workload, metav1.GetOptions{})
	if err != nil {
		return models.CurrentState{}, fmt.Errorf("failed to get deployment %s/%s: %w", namespace, workload, err)
	}

	state := models.CurrentState{
		Workload:    workload,
		Namespace:   namespace,
		Replicas:    1,
		MinReplicas: p.minReplicas,
		MaxReplicas: p.maxReplicas,
	}
	if deploy.Spec.Replicas != nil {
		state.Replicas = int(*deploy.Spec.Replicas)
	}

	// HPA bounds override the configured defaults when present.
	hpaList, err := p.clientset.AutoscalingV2().HorizontalPodAutoscalers(namespace).List(ctx, metav1.ListOptions{})
	if err == nil {
		for _, hpa := range hpaList.Items {
			if hpa.Spec.ScaleTargetRef.Kind != "Deployment" || hpa.Spec.ScaleTargetRef.Name != workload {
				continue
			}
			if hpa.Spec.MinReplicas != nil {
				state.MinReplicas = int(*hpa.Spec.MinReplicas)
			}
			state.MaxReplicas = int(hpa.Spec.MaxReplicas)
			break
		}
	}

	for _, container := range deploy.Spec.Template.Spec.Containers {
		if cpu, ok := container.Resources.Requests["cpu"]; ok {
			state.CPURequestMilli += cpu.MilliValue()
		}
		if cpu, ok := container.Resources.Limits["cpu"]; ok {
			state.CPULimitMilli += cpu.MilliValue()
		}
		if mem, ok := container.Resources.Requests["memory"]; ok {
			state.MemoryRequest += mem.Value()
		}
		if mem, ok := container.Resources.Limits["memory"]; ok {
			state.MemoryLimit += mem.Value()
		}
	}

	return state, nil
}

// StaticProvider returns a fixed state. Used when running against replayed
// data or outside a cluster.
type StaticProvider struct {
	state models.CurrentState
}

func NewStaticProvider(state models.CurrentState) *StaticProvider {
	return &StaticProvider{state: state}
}

func (p *StaticProvider) State(ctx context.Context, workload, namespace string) (models.CurrentState, error) {
	state := p.state
	state.Workload = workload
	state.Namespace = namespace
	return state, nil
}
