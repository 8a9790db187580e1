package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/miradorstack/mirador-health/internal/config"
	"github.com/miradorstack/mirador-health/internal/models"
)

// PodServiceType is the registration type given to discovered pods.
const PodServiceType = "kubernetes_pod"

// KubernetesDiscoverer turns running pods into service registrations.
type KubernetesDiscoverer struct {
	client     kubernetes.Interface
	namespaces []string
	logger     *slog.Logger
}

// NewKubernetesDiscoverer builds a clientset from the configured kubeconfig,
// the in-cluster service account, or ~/.kube/config, in that order.
func NewKubernetesDiscoverer(cfg config.DiscoveryConfig, logger *slog.Logger) (*KubernetesDiscoverer, error) {
	restCfg, err := restConfig(cfg)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return NewWithClient(clientset, cfg.Namespaces, logger), nil
}

// NewWithClient wraps an existing clientset. An empty namespace list means all namespaces.
func NewWithClient(client kubernetes.Interface, namespaces []string, logger *slog.Logger) *KubernetesDiscoverer {
	if logger == nil {
		logger = slog.Default()
	}
	cleaned := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		if ns = strings.TrimSpace(ns); ns != "" {
			cleaned = append(cleaned, ns)
		}
	}
	if len(cleaned) == 0 {
		cleaned = []string{metav1.NamespaceAll}
	}
	return &KubernetesDiscoverer{client: client, namespaces: cleaned, logger: logger}
}

func restConfig(cfg config.DiscoveryConfig) (*rest.Config, error) {
	if cfg.Kubeconfig != "" {
		c, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig %s: %w", cfg.Kubeconfig, err)
		}
		return c, nil
	}
	if c, err := rest.InClusterConfig(); err == nil {
		return c, nil
	} else if cfg.InCluster {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		return nil, fmt.Errorf("no kubeconfig available")
	}
	c, err := clientcmd.BuildConfigFromFlags("", filepath.Join(home, ".kube", "config"))
	if err != nil {
		return nil, fmt.Errorf("load default kubeconfig: %w", err)
	}
	return c, nil
}

// Discover lists running pods in the configured namespaces.
func (d *KubernetesDiscoverer) Discover(ctx context.Context) ([]models.RegisterRequest, error) {
	var found []models.RegisterRequest
	for _, ns := range d.namespaces {
		pods, err := d.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{})
		if err != nil {
			return nil, fmt.Errorf("list pods in %q: %w", ns, err)
		}
		for _, pod := range pods.Items {
			if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
				continue
			}
			found = append(found, models.RegisterRequest{
				Name: ServiceName(pod.Namespace, pod.Name),
				Type: PodServiceType,
			})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	d.logger.Debug("kubernetes discovery", slog.Int("pods", len(found)), slog.Any("namespaces", d.namespaces))
	return found, nil
}

// ServiceName is the registration name for a pod.
func ServiceName(namespace, pod string) string {
	return "k8s-" + namespace + "-" + pod
}

// Run calls Discover every interval and hands the result to register until
// ctx ends. Failures are logged and retried on the next interval.
func (d *KubernetesDiscoverer) Run(ctx context.Context, interval time.Duration, register func(context.Context) (int, error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			created, err := register(ctx)
			if err != nil {
				d.logger.Warn("periodic discovery failed", slog.Any("error", err))
				continue
			}
			if created > 0 {
				d.logger.Info("registered discovered pods", slog.Int("created", created))
			}
		}
	}
}
