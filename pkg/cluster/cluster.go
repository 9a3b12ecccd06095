package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/kilnhq/kiln/pkg/config"
)

// Client is a thin typed facade over the cluster's object API, scoped to one
// namespace. Safe for concurrent use; callers must not hold locks across its
// calls.
type Client struct {
	cs        kubernetes.Interface
	namespace string
}

// New builds a Client. In-cluster credentials are tried first; when absent it
// falls back to the configured kubeconfig path, then the default kubeconfig.
func New(cfg config.ClusterConfig) (*Client, error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("cluster: namespace is required: %w", errdefs.ErrInvalidArgument)
	}

	restCfg, err := buildRESTConfig(cfg.KubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to load credentials: %w", err)
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to build clientset: %w", err)
	}
	return &Client{cs: cs, namespace: cfg.Namespace}, nil
}

// NewWithClientset wraps an existing clientset. Used by tests with the fake
// clientset.
func NewWithClientset(cs kubernetes.Interface, namespace string) *Client {
	return &Client{cs: cs, namespace: namespace}
}

func buildRESTConfig(kubeconfigPath string) (*rest.Config, error) {
	if restCfg, err := rest.InClusterConfig(); err == nil {
		return restCfg, nil
	}
	if kubeconfigPath == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			kubeconfigPath = filepath.Join(home, ".kube", "config")
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// Namespace returns the namespace every call is scoped to.
func (c *Client) Namespace() string {
	return c.namespace
}

// CreatePod submits a pod manifest.
func (c *Client) CreatePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	created, err := c.cs.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, classify("create pod", pod.Name, err)
	}
	return created, nil
}

// DeletePod removes a pod with a bounded grace period. Deleting a missing pod
// is a no-op.
func (c *Client) DeletePod(ctx context.Context, name string, graceSeconds int64) error {
	err := c.cs.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To(graceSeconds),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("delete pod", name, err)
	}
	return nil
}

// GetPod fetches a pod by name.
func (c *Client) GetPod(ctx context.Context, name string) (*corev1.Pod, error) {
	pod, err := c.cs.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classify("get pod", name, err)
	}
	return pod, nil
}

// ListPods returns pods matching a label selector.
func (c *Client) ListPods(ctx context.Context, selector string) ([]corev1.Pod, error) {
	list, err := c.cs.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, classify("list pods", selector, err)
	}
	return list.Items, nil
}

// WatchPods opens a watch on pods matching a label selector. The caller owns
// the returned watch and must Stop it.
func (c *Client) WatchPods(ctx context.Context, selector string) (watch.Interface, error) {
	w, err := c.cs.CoreV1().Pods(c.namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, classify("watch pods", selector, err)
	}
	return w, nil
}

// CreateJob submits a job manifest.
func (c *Client) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	created, err := c.cs.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, classify("create job", job.Name, err)
	}
	return created, nil
}

// DeleteJob removes a job and its pods (background propagation). Deleting a
// missing job is a no-op.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	err := c.cs.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationBackground),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("delete job", name, err)
	}
	return nil
}

// GetJob fetches a job by name.
func (c *Client) GetJob(ctx context.Context, name string) (*batchv1.Job, error) {
	job, err := c.cs.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, classify("get job", name, err)
	}
	return job, nil
}

// Ping verifies API reachability with a cheap namespaced list.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cs.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return classify("ping", c.namespace, err)
	}
	return nil
}

// classify maps API-server errors onto the shared taxonomy.
func classify(op, name string, err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("cluster %s %s: %w", op, name, errdefs.ErrNotFound)
	case apierrors.IsAlreadyExists(err):
		return fmt.Errorf("cluster %s %s: %w", op, name, errdefs.ErrAlreadyExists)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return fmt.Errorf("cluster %s %s: %v: %w", op, name, err, errdefs.ErrInvalidArgument)
	case apierrors.IsForbidden(err):
		return fmt.Errorf("cluster %s %s: %v: %w", op, name, err, errdefs.ErrPermissionDenied)
	case apierrors.IsUnauthorized(err):
		return fmt.Errorf("cluster %s %s: %v: %w", op, name, err, errdefs.ErrUnauthenticated)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsTooManyRequests(err),
		isNetError(err):
		return fmt.Errorf("cluster %s %s: %v: %w", op, name, err, errdefs.ErrUnavailable)
	default:
		return fmt.Errorf("cluster %s %s: %w", op, name, err)
	}
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
}
