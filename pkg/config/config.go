package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration consumed by kilnd. Every field can be set
// via the config file or a KILN_-prefixed environment variable
// (KILN_KV_MODE, KILN_OBJECTSTORE_BUCKET, ...).
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	KV          KVConfig          `mapstructure:"kv"`
	ObjectStore ObjectStoreConfig `mapstructure:"objectstore"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Session     SessionConfig     `mapstructure:"session"`
	State       StateConfig       `mapstructure:"state"`
	Execution   ExecutionConfig   `mapstructure:"execution"`

	// LanguagesFile points at the YAML language registry. Empty means
	// built-in defaults.
	LanguagesFile string `mapstructure:"languages_file"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr               string `mapstructure:"addr"`
	RequestTimeoutSec  int    `mapstructure:"request_timeout_sec"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// KVMode selects the deployment topology of the backing key-value store.
type KVMode string

const (
	KVModeStandalone KVMode = "standalone" // single endpoint
	KVModeCluster    KVMode = "cluster"    // hash-slot sharded, seed endpoints
	KVModeSentinel   KVMode = "sentinel"   // replicated HA behind sentinels
)

// KVConfig configures the key-value facade. An empty Password or empty Addrs
// list is treated as unset: config templating routinely injects empty strings.
type KVConfig struct {
	Mode       KVMode   `mapstructure:"mode"`
	Addrs      []string `mapstructure:"addrs"`
	MasterName string   `mapstructure:"master_name"` // sentinel mode only
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	DB         int      `mapstructure:"db"` // ignored in cluster mode
	Namespace  string   `mapstructure:"namespace"`

	MaxRetries      int `mapstructure:"max_retries"`
	DialTimeoutSec  int `mapstructure:"dial_timeout_sec"`
	ReadTimeoutSec  int `mapstructure:"read_timeout_sec"`
	WriteTimeoutSec int `mapstructure:"write_timeout_sec"`

	TLS KVTLSConfig `mapstructure:"tls"`
}

// KVTLSConfig controls transport security for the KV store. Certificate-chain
// verification is always on when TLS is enabled; hostname verification is
// opt-in because managed deployments often advertise node IPs that do not
// match their certificates.
type KVTLSConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	CAFile         string `mapstructure:"ca_file"`
	CertFile       string `mapstructure:"cert_file"`
	KeyFile        string `mapstructure:"key_file"`
	VerifyHostname bool   `mapstructure:"verify_hostname"`
}

// ObjectStoreConfig configures the S3-compatible blob store.
type ObjectStoreConfig struct {
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	PresignTTLSec int    `mapstructure:"presign_ttl_sec"`
}

// ExecMode selects how code is spawned inside the runtime pod.
type ExecMode string

const (
	// ExecModeAgent copies a small executor binary into the shared volume via
	// an init container. All capabilities dropped, non-root, works under
	// sandboxed runtimes.
	ExecModeAgent ExecMode = "agent"
	// ExecModeNsenter gives the sidecar elevated capabilities to enter the
	// main container's mount namespace. Incompatible with sandboxed runtimes.
	ExecModeNsenter ExecMode = "nsenter"
)

// ClusterConfig configures access to the Kubernetes API and the pod template
// fields shared by every language.
type ClusterConfig struct {
	Namespace      string `mapstructure:"namespace"`
	KubeconfigPath string `mapstructure:"kubeconfig_path"` // empty: in-cluster first, then default kubeconfig

	SidecarImage     string            `mapstructure:"sidecar_image"`
	SidecarPort      int               `mapstructure:"sidecar_port"`
	ExecutorPort     int               `mapstructure:"executor_port"`
	CPURequest       string            `mapstructure:"cpu_request"`
	CPULimit         string            `mapstructure:"cpu_limit"`
	MemoryRequest    string            `mapstructure:"memory_request"`
	MemoryLimit      string            `mapstructure:"memory_limit"`
	RuntimeClass     string            `mapstructure:"runtime_class"` // e.g. gvisor; empty = default runtime
	NodeSelector     map[string]string `mapstructure:"node_selector"`
	ImagePullPolicy  string            `mapstructure:"image_pull_policy"`
	ImagePullSecrets []string          `mapstructure:"image_pull_secrets"`
	ExecMode         ExecMode          `mapstructure:"exec_mode"`

	PodCreateTimeoutSec int `mapstructure:"pod_create_timeout_sec"`
	PodDeleteGraceSec   int `mapstructure:"pod_delete_grace_sec"`

	JobTTLSec            int `mapstructure:"job_ttl_sec"`
	JobActiveDeadlineSec int `mapstructure:"job_active_deadline_sec"`
}

// PoolConfig configures the warm pod pool.
type PoolConfig struct {
	ReplenishIntervalSec int `mapstructure:"replenish_interval_sec"`
	HealthIntervalSec    int `mapstructure:"health_interval_sec"`
	AcquireTimeoutSec    int `mapstructure:"acquire_timeout_sec"`
	MaxPodReuse          int `mapstructure:"max_pod_reuse"`   // executions per pod before recycle
	MaxPodAgeMin         int `mapstructure:"max_pod_age_min"` // minutes before recycle
	MaxTotalPods         int `mapstructure:"max_total_pods"`  // ceiling across all languages
	CreateBurst          int `mapstructure:"create_burst"`    // max creations per replenish pass per language
}

// SessionConfig configures session records.
type SessionConfig struct {
	TTLSec           int `mapstructure:"ttl_sec"`
	SweepIntervalSec int `mapstructure:"sweep_interval_sec"`
	MaxHistory       int `mapstructure:"max_history"` // execution records retained per session
}

// StateConfig configures interpreter-state persistence.
type StateConfig struct {
	MaxSizeBytes        int64 `mapstructure:"max_size_bytes"`
	ArchiveIntervalSec  int   `mapstructure:"archive_interval_sec"`
	ArchiveThresholdSec int   `mapstructure:"archive_threshold_sec"` // archive hot entries with TTL below this
}

// ExecutionConfig configures the runner.
type ExecutionConfig struct {
	DefaultTimeoutSec int `mapstructure:"default_timeout_sec"`
	MaxTimeoutSec     int `mapstructure:"max_timeout_sec"`
	GraceSec          int `mapstructure:"grace_sec"` // client-side slack on top of the code timeout
}

// Load reads configuration from file and environment. Search order:
// /etc/kiln/config.yaml, $HOME/.kiln/config.yaml, ./config.yaml. A missing
// file is not an error; defaults and KILN_* environment variables apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/kiln/")
	v.AddConfigPath("$HOME/.kiln")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(&cfg)
	return &cfg, nil
}

// LoadFile reads configuration from an explicit path, for `kilnd --config`.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.request_timeout_sec", 330) // must exceed execution.max_timeout_sec
	v.SetDefault("server.shutdown_timeout_sec", 15)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)

	v.SetDefault("kv.mode", string(KVModeStandalone))
	v.SetDefault("kv.addrs", []string{"localhost:6379"})
	v.SetDefault("kv.master_name", "")
	v.SetDefault("kv.username", "")
	v.SetDefault("kv.password", "")
	v.SetDefault("kv.db", 0)
	v.SetDefault("kv.namespace", "kiln")
	v.SetDefault("kv.max_retries", 3)
	v.SetDefault("kv.dial_timeout_sec", 5)
	v.SetDefault("kv.read_timeout_sec", 3)
	v.SetDefault("kv.write_timeout_sec", 3)
	v.SetDefault("kv.tls.enabled", false)
	v.SetDefault("kv.tls.verify_hostname", false)

	v.SetDefault("objectstore.endpoint", "localhost:9000")
	v.SetDefault("objectstore.access_key", "")
	v.SetDefault("objectstore.secret_key", "")
	v.SetDefault("objectstore.bucket", "kiln")
	v.SetDefault("objectstore.region", "")
	v.SetDefault("objectstore.use_ssl", false)
	v.SetDefault("objectstore.presign_ttl_sec", 900)

	v.SetDefault("cluster.namespace", "kiln")
	v.SetDefault("cluster.kubeconfig_path", "")
	v.SetDefault("cluster.sidecar_image", "ghcr.io/kilnhq/kiln-sidecar:latest")
	v.SetDefault("cluster.sidecar_port", 8080)
	v.SetDefault("cluster.executor_port", 9090)
	v.SetDefault("cluster.cpu_request", "100m")
	v.SetDefault("cluster.cpu_limit", "1")
	v.SetDefault("cluster.memory_request", "128Mi")
	v.SetDefault("cluster.memory_limit", "1Gi")
	v.SetDefault("cluster.runtime_class", "")
	v.SetDefault("cluster.image_pull_policy", "IfNotPresent")
	v.SetDefault("cluster.exec_mode", string(ExecModeAgent))
	v.SetDefault("cluster.pod_create_timeout_sec", 60)
	v.SetDefault("cluster.pod_delete_grace_sec", 5)
	v.SetDefault("cluster.job_ttl_sec", 60)
	v.SetDefault("cluster.job_active_deadline_sec", 300)

	v.SetDefault("pool.replenish_interval_sec", 2)
	v.SetDefault("pool.health_interval_sec", 30)
	v.SetDefault("pool.acquire_timeout_sec", 5)
	v.SetDefault("pool.max_pod_reuse", 20)
	v.SetDefault("pool.max_pod_age_min", 60)
	v.SetDefault("pool.max_total_pods", 50)
	v.SetDefault("pool.create_burst", 3)

	v.SetDefault("session.ttl_sec", 3600)
	v.SetDefault("session.sweep_interval_sec", 60)
	v.SetDefault("session.max_history", 20)

	v.SetDefault("state.max_size_bytes", int64(100*1024*1024))
	v.SetDefault("state.archive_interval_sec", 300)
	v.SetDefault("state.archive_threshold_sec", 600)

	v.SetDefault("execution.default_timeout_sec", 30)
	v.SetDefault("execution.max_timeout_sec", 300)
	v.SetDefault("execution.grace_sec", 10)

	v.SetDefault("languages_file", "")
}

// normalize strips empty-string artifacts injected by config templating:
// an addrs list of empty strings collapses to unset, as does a blank
// password.
func normalize(cfg *Config) {
	addrs := cfg.KV.Addrs[:0]
	for _, a := range cfg.KV.Addrs {
		if s := strings.TrimSpace(a); s != "" {
			addrs = append(addrs, s)
		}
	}
	cfg.KV.Addrs = addrs
	cfg.KV.Password = strings.TrimSpace(cfg.KV.Password)
	cfg.KV.Username = strings.TrimSpace(cfg.KV.Username)
	cfg.KV.MasterName = strings.TrimSpace(cfg.KV.MasterName)
}
