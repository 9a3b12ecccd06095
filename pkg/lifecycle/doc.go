/*
Package lifecycle creates, readies, and tears down execution pods.

Every pod is a two-container sandbox: the language runtime and an HTTP
sidecar sharing a bounded emptyDir at /mnt/data. The Manager builds these
manifests, submits them through pkg/cluster, and blocks until the sidecar
answers its readiness probe:

	CreateWarmPod(lang)
	    │ BuildPod            ┌─────────── pod ───────────┐
	    ├────────────────────▶│ [init] agent-init          │
	    │                     │   cp executor → /mnt/data  │
	    │ WaitReady           │ [main] runtime, runs agent │
	    ├── poll GetPod ─────▶│ [sidecar] :8080            │
	    ├── GET /ready ──────▶│   /ready /health /execute  │
	    ▼                     └───────────────────────────┘
	 PodHandle (warm)

Two execution modes decide pod privileges. Agent mode (default) stages an
executor binary via an init container; everything runs as non-root 65532
with all capabilities dropped and works under gVisor. nsenter mode instead
grants the sidecar SYS_PTRACE, SYS_ADMIN, and SYS_CHROOT to enter the main
container's namespaces; it cannot run under a sandboxed runtime.

Cold-path languages run under a Job (backoffLimit 0, bounded deadline,
TTL-reaped) instead of the warm pool; CreateJobPod waits for the controller
to spawn the pod and readies it the same way.

A pod that fails to boot is reaped before the error returns. Label helpers
(Labels, PoolSelector, JobPodSelector) define the ownership surface the pool
reconciles against after a restart.
*/
package lifecycle
