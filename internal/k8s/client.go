// Package k8s provides a Kubernetes client wrapper for pod watches and logs.
package k8s

import (
	"context"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rs/zerolog"
)

// Client wraps the Kubernetes API.
type Client struct {
	clientset kubernetes.Interface
	logger    zerolog.Logger
}

// Config holds K8s client configuration.
type Config struct {
	KubeconfigPath string
}

// NewClient creates a K8s client from kubeconfig or in-cluster config.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	restConfig, err := BuildRESTConfig(cfg.KubeconfigPath)
	if err != nil {
		return nil, err
	}

	cs, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating k8s clientset: %w", err)
	}

	return NewClientFromInterface(cs, logger), nil
}

// NewClientFromInterface creates a client from an existing kubernetes.Interface (for testing).
func NewClientFromInterface(cs kubernetes.Interface, logger zerolog.Logger) *Client {
	return &Client{
		clientset: cs,
		logger:    logger.With().Str("component", "k8s").Logger(),
	}
}

// BuildRESTConfig resolves kubeconfig-or-in-cluster REST configuration.
func BuildRESTConfig(kubeconfigPath string) (*rest.Config, error) {
	var restConfig *rest.Config
	var err error

	if kubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}
	return restConfig, nil
}

// WatchPods opens a watch on pods matching the label selector. The caller
// owns the returned watch and must Stop it.
func (c *Client) WatchPods(ctx context.Context, namespace, labelSelector, resourceVersion string) (watch.Interface, error) {
	w, err := c.clientset.CoreV1().Pods(namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector:   labelSelector,
		ResourceVersion: resourceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("watching pods: %w", err)
	}
	return w, nil
}

// GetPodLogs returns the full accumulated log output of a pod's container.
// An empty container name lets the API server pick the single container.
func (c *Client) GetPodLogs(ctx context.Context, namespace, podName, container string) ([]byte, error) {
	opts := &corev1.PodLogOptions{Container: container}

	stream, err := c.clientset.CoreV1().Pods(namespace).GetLogs(podName, opts).Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting pod logs: %w", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("reading pod logs: %w", err)
	}
	return data, nil
}

// Ping verifies the API server is reachable.
func (c *Client) Ping(_ context.Context) error {
	if _, err := c.clientset.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("pinging k8s API: %w", err)
	}
	return nil
}

// GetPod fetches the current pod object.
func (c *Client) GetPod(ctx context.Context, namespace, podName string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting pod: %w", err)
	}
	return pod, nil
}
