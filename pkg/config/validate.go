package config

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// Validate checks a loaded configuration and language registry for the
// mistakes that otherwise surface minutes later as opaque pod or KV failures.
// It returns non-fatal warnings alongside the first fatal error; kilnd runs
// it on startup and `kilnd validate` runs it standalone.
func Validate(cfg *Config, reg *Registry) (warnings []string, err error) {
	switch cfg.KV.Mode {
	case KVModeStandalone, KVModeCluster, KVModeSentinel:
	default:
		return warnings, fmt.Errorf("kv.mode %q is not one of standalone, cluster, sentinel: %w",
			cfg.KV.Mode, errdefs.ErrInvalidArgument)
	}
	if len(cfg.KV.Addrs) == 0 {
		return warnings, fmt.Errorf("kv.addrs is empty: %w", errdefs.ErrInvalidArgument)
	}
	if cfg.KV.Mode == KVModeSentinel && cfg.KV.MasterName == "" {
		return warnings, fmt.Errorf("kv.master_name is required in sentinel mode: %w", errdefs.ErrInvalidArgument)
	}
	if cfg.KV.Mode == KVModeStandalone && len(cfg.KV.Addrs) > 1 {
		warnings = append(warnings, fmt.Sprintf("kv.addrs has %d entries in standalone mode; only %s will be used",
			len(cfg.KV.Addrs), cfg.KV.Addrs[0]))
	}
	if (cfg.KV.TLS.CertFile == "") != (cfg.KV.TLS.KeyFile == "") {
		return warnings, fmt.Errorf("kv.tls.cert_file and kv.tls.key_file must be set together: %w", errdefs.ErrInvalidArgument)
	}
	if !cfg.KV.TLS.Enabled && (cfg.KV.TLS.CAFile != "" || cfg.KV.TLS.CertFile != "") {
		warnings = append(warnings, "kv.tls material configured but kv.tls.enabled is false")
	}

	if cfg.ObjectStore.Endpoint == "" {
		return warnings, fmt.Errorf("objectstore.endpoint is empty: %w", errdefs.ErrInvalidArgument)
	}
	if cfg.ObjectStore.Bucket == "" {
		return warnings, fmt.Errorf("objectstore.bucket is empty: %w", errdefs.ErrInvalidArgument)
	}

	if cfg.Cluster.Namespace == "" {
		return warnings, fmt.Errorf("cluster.namespace is empty: %w", errdefs.ErrInvalidArgument)
	}
	if cfg.Cluster.SidecarImage == "" {
		return warnings, fmt.Errorf("cluster.sidecar_image is empty: %w", errdefs.ErrInvalidArgument)
	}
	if cfg.Cluster.SidecarPort <= 0 || cfg.Cluster.SidecarPort > 65535 {
		return warnings, fmt.Errorf("cluster.sidecar_port %d out of range: %w", cfg.Cluster.SidecarPort, errdefs.ErrInvalidArgument)
	}
	switch cfg.Cluster.ExecMode {
	case ExecModeAgent, ExecModeNsenter:
	default:
		return warnings, fmt.Errorf("cluster.exec_mode %q is not one of agent, nsenter: %w",
			cfg.Cluster.ExecMode, errdefs.ErrInvalidArgument)
	}
	// nsenter needs SYS_ADMIN and a shared PID namespace; sandboxed runtimes
	// refuse both.
	if cfg.Cluster.ExecMode == ExecModeNsenter && cfg.Cluster.RuntimeClass != "" {
		warnings = append(warnings, fmt.Sprintf(
			"exec_mode nsenter with runtime_class %q: namespace entry does not work under sandboxed runtimes, pods will likely fail",
			cfg.Cluster.RuntimeClass))
	}
	switch cfg.Cluster.ImagePullPolicy {
	case "Always", "IfNotPresent", "Never":
	default:
		return warnings, fmt.Errorf("cluster.image_pull_policy %q is not a valid pull policy: %w",
			cfg.Cluster.ImagePullPolicy, errdefs.ErrInvalidArgument)
	}

	if cfg.State.MaxSizeBytes <= 0 {
		return warnings, fmt.Errorf("state.max_size_bytes must be positive: %w", errdefs.ErrInvalidArgument)
	}
	if cfg.Execution.DefaultTimeoutSec <= 0 || cfg.Execution.MaxTimeoutSec <= 0 {
		return warnings, fmt.Errorf("execution timeouts must be positive: %w", errdefs.ErrInvalidArgument)
	}
	if cfg.Execution.DefaultTimeoutSec > cfg.Execution.MaxTimeoutSec {
		return warnings, fmt.Errorf("execution.default_timeout_sec %d exceeds max_timeout_sec %d: %w",
			cfg.Execution.DefaultTimeoutSec, cfg.Execution.MaxTimeoutSec, errdefs.ErrInvalidArgument)
	}
	if cfg.Server.RequestTimeoutSec <= cfg.Execution.MaxTimeoutSec {
		warnings = append(warnings, fmt.Sprintf(
			"server.request_timeout_sec %d does not exceed execution.max_timeout_sec %d; long executions will be cut off by the HTTP server",
			cfg.Server.RequestTimeoutSec, cfg.Execution.MaxTimeoutSec))
	}

	totalPool := 0
	for _, name := range reg.Languages() {
		spec, _ := reg.Resolve(name)
		if spec.Image == "" {
			return warnings, fmt.Errorf("language %q has no image: %w", name, errdefs.ErrInvalidArgument)
		}
		if spec.PoolSize < 0 {
			return warnings, fmt.Errorf("language %q has negative pool_size: %w", name, errdefs.ErrInvalidArgument)
		}
		if spec.TimeoutSec <= 0 {
			return warnings, fmt.Errorf("language %q has non-positive timeout_sec: %w", name, errdefs.ErrInvalidArgument)
		}
		if spec.TimeoutSec > cfg.Execution.MaxTimeoutSec {
			warnings = append(warnings, fmt.Sprintf("language %q timeout_sec %d exceeds execution.max_timeout_sec %d and will be clamped",
				name, spec.TimeoutSec, cfg.Execution.MaxTimeoutSec))
		}
		totalPool += spec.PoolSize
	}
	if cfg.Pool.MaxTotalPods > 0 && totalPool > cfg.Pool.MaxTotalPods {
		return warnings, fmt.Errorf("sum of language pool sizes %d exceeds pool.max_total_pods %d: %w",
			totalPool, cfg.Pool.MaxTotalPods, errdefs.ErrInvalidArgument)
	}

	return warnings, nil
}
