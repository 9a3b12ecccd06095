package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"

	"github.com/kilnhq/kiln/pkg/cluster"
	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/events"
	"github.com/kilnhq/kiln/pkg/health"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/types"
)

// Manager creates, readies, and tears down execution pods. It is the only
// component that talks to the cluster API about pods; the pool and runner go
// through it.
type Manager struct {
	cluster  *cluster.Client
	cfg      config.ClusterConfig
	registry *config.Registry
	broker   *events.Broker
	logger   zerolog.Logger

	// pollInterval paces readiness polling; tests shorten it.
	pollInterval time.Duration
}

// New builds a Manager. broker may be nil for callers that do not consume
// events.
func New(cl *cluster.Client, cfg config.ClusterConfig, registry *config.Registry, broker *events.Broker) *Manager {
	return &Manager{
		cluster:      cl,
		cfg:          cfg,
		registry:     registry,
		broker:       broker,
		logger:       log.WithComponent("lifecycle"),
		pollInterval: 500 * time.Millisecond,
	}
}

// CreateWarmPod creates a pool pod for language and blocks until its sidecar
// answers /ready or the creation timeout lapses. On boot failure the pod is
// reaped before the error returns, so a failed create never leaks a pod.
func (m *Manager) CreateWarmPod(ctx context.Context, language string) (*types.PodHandle, error) {
	spec, err := m.registry.Resolve(language)
	if err != nil {
		return nil, err
	}

	name := poolPodName(spec.Name)
	pod, err := BuildPod(m.cfg, name, spec, Labels(spec.Name, RolePool))
	if err != nil {
		return nil, err
	}
	if _, err := m.cluster.CreatePod(ctx, pod); err != nil {
		return nil, err
	}
	m.emit(events.EventPodCreated, name, spec.Name)
	m.logger.Debug().Str("pod", name).Str("language", spec.Name).Msg("Pod created, waiting for readiness")

	handle, err := m.WaitReady(ctx, name)
	if err != nil {
		m.reap(name)
		return nil, err
	}

	handle.Status = types.PodStatusWarm
	m.emit(events.EventPodWarm, name, spec.Name)
	m.logger.Info().Str("pod", name).Str("language", spec.Name).Msg("Pod warm")
	return handle, nil
}

// WaitReady polls the pod until it is Running with an IP and its sidecar
// passes /ready, bounded by the configured creation timeout. A pod that
// terminates during boot fails immediately.
func (m *Manager) WaitReady(ctx context.Context, name string) (*types.PodHandle, error) {
	timeout := time.Duration(m.cfg.PodCreateTimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		pod, err := m.cluster.GetPod(ctx, name)
		switch {
		case err == nil:
			switch pod.Status.Phase {
			case corev1.PodFailed, corev1.PodSucceeded:
				return nil, fmt.Errorf("pod %s terminated during boot (phase %s): %w",
					name, pod.Status.Phase, errdefs.ErrFailedPrecondition)
			case corev1.PodRunning:
				if pod.Status.PodIP != "" {
					handle := HandleFromPod(pod, m.cfg.SidecarPort)
					if m.probeReady(ctx, handle.SidecarAddr()) {
						return handle, nil
					}
				}
			}
		case errdefs.IsNotFound(err) || errdefs.IsUnavailable(err):
			// Cache lag right after create, or an API server hiccup. Keep
			// polling until the deadline decides.
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pod %s not ready after %s: %w", name, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// DeletePod removes a pod with the configured grace period. Deleting a pod
// that is already gone is a no-op.
func (m *Manager) DeletePod(ctx context.Context, name string) error {
	if err := m.cluster.DeletePod(ctx, name, int64(m.cfg.PodDeleteGraceSec)); err != nil {
		return err
	}
	m.emit(events.EventPodDeleted, name, "")
	return nil
}

// CheckHealth probes the sidecar liveness endpoint of a warm pod.
func (m *Manager) CheckHealth(ctx context.Context, handle *types.PodHandle) health.Result {
	addr := handle.SidecarAddr()
	if addr == "" {
		return health.Result{Healthy: false, Message: "pod has no IP", CheckedAt: time.Now()}
	}
	return health.NewHealthChecker(addr).Check(ctx)
}

// CreateJobPod runs the cold path: create a Job, wait for its pod to appear
// and pass readiness, and hand the pod back along with the job name for
// teardown. The whole sequence is bounded by the pod creation timeout.
func (m *Manager) CreateJobPod(ctx context.Context, language, sessionID string) (*types.PodHandle, string, error) {
	spec, err := m.registry.Resolve(language)
	if err != nil {
		return nil, "", err
	}

	jobName := jobNameFor(spec.Name)
	labels := Labels(spec.Name, RoleJob)
	labels[LabelJob] = jobName

	job, err := BuildJob(m.cfg, jobName, spec, labels)
	if err != nil {
		return nil, "", err
	}
	if _, err := m.cluster.CreateJob(ctx, job); err != nil {
		return nil, "", err
	}
	m.logger.Debug().Str("job", jobName).Str("language", spec.Name).
		Str("session_id", sessionID).Msg("Job created, waiting for pod")

	handle, err := m.waitJobPod(ctx, jobName)
	if err != nil {
		m.reapJob(jobName)
		return nil, "", err
	}

	handle.Status = types.PodStatusWarm
	handle.SessionID = sessionID
	return handle, jobName, nil
}

// DeleteJob tears down a job and, via background propagation, its pod.
func (m *Manager) DeleteJob(ctx context.Context, name string) error {
	return m.cluster.DeleteJob(ctx, name)
}

// ListManagedPods returns handles for every pod carrying orchestrator
// labels, used by the pool to reconcile after a restart.
func (m *Manager) ListManagedPods(ctx context.Context) ([]*types.PodHandle, error) {
	pods, err := m.cluster.ListPods(ctx, PoolSelector())
	if err != nil {
		return nil, err
	}
	handles := make([]*types.PodHandle, 0, len(pods))
	for i := range pods {
		handles = append(handles, HandleFromPod(&pods[i], m.cfg.SidecarPort))
	}
	return handles, nil
}

// waitJobPod polls for the pod the job controller spawns, then runs the
// normal readiness wait against it.
func (m *Manager) waitJobPod(ctx context.Context, jobName string) (*types.PodHandle, error) {
	timeout := time.Duration(m.cfg.PodCreateTimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		pods, err := m.cluster.ListPods(ctx, JobPodSelector(jobName))
		if err != nil && !errdefs.IsUnavailable(err) {
			return nil, err
		}
		if len(pods) > 0 {
			return m.WaitReady(ctx, pods[0].Name)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("job %s produced no pod after %s: %w", jobName, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// probeReady asks the sidecar whether it can accept executions. Failures are
// the normal case while a pod boots.
func (m *Manager) probeReady(ctx context.Context, addr string) bool {
	if addr == "" {
		return false
	}
	return health.NewReadyChecker(addr).Check(ctx).Healthy
}

// reap deletes a pod that failed to boot, detached from the caller's
// (possibly expired) context.
func (m *Manager) reap(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.DeletePod(ctx, name); err != nil {
		m.logger.Warn().Err(err).Str("pod", name).Msg("Failed to reap pod after boot failure")
	}
}

func (m *Manager) reapJob(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.DeleteJob(ctx, name); err != nil {
		m.logger.Warn().Err(err).Str("job", name).Msg("Failed to reap job after boot failure")
	}
}

func (m *Manager) emit(t events.EventType, pod, language string) {
	if m.broker == nil {
		return
	}
	md := map[string]string{"pod": pod}
	if language != "" {
		md["language"] = language
	}
	m.broker.Emit(t, fmt.Sprintf("%s %s", t, pod), md)
}

// HandleFromPod projects a cluster pod onto the orchestrator's handle.
func HandleFromPod(pod *corev1.Pod, sidecarPort int) *types.PodHandle {
	return &types.PodHandle{
		Name:        pod.Name,
		Namespace:   pod.Namespace,
		UID:         string(pod.UID),
		Language:    pod.Labels[LabelLanguage],
		Status:      statusFromPhase(pod.Status.Phase),
		IP:          pod.Status.PodIP,
		SidecarPort: sidecarPort,
		CreatedAt:   pod.CreationTimestamp.Time,
		Labels:      pod.Labels,
	}
}

func statusFromPhase(phase corev1.PodPhase) types.PodStatus {
	switch phase {
	case corev1.PodPending:
		return types.PodStatusPending
	case corev1.PodRunning:
		return types.PodStatusWarm
	case corev1.PodSucceeded:
		return types.PodStatusSucceeded
	case corev1.PodFailed:
		return types.PodStatusFailed
	default:
		return types.PodStatusUnknown
	}
}

func poolPodName(language string) string {
	return fmt.Sprintf("kiln-%s-%s", language, uuid.NewString()[:8])
}

func jobNameFor(language string) string {
	return fmt.Sprintf("kiln-job-%s-%s", language, uuid.NewString()[:8])
}
