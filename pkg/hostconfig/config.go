// Package hostconfig defines the host's startup configuration: the
// table of options in spec §6, loaded from a YAML file (the teacher's
// config format), with exported defaults for every timer and threshold
// named in the spec. Environment variables are not read.
package hostconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every timer/threshold the spec names.
const (
	DefaultMaxExecutionTime      = 10 * time.Minute
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultHealthCheckInterval   = 30 * time.Second
	DefaultProviderShutdownDelay = 5 * time.Second
	DefaultRPCTimeout            = 2 * time.Second
	DefaultPolicyTimeout         = 1 * time.Second
	DefaultEpochTickInterval     = 10 * time.Millisecond
	DefaultConsecutiveHealthMiss = 3
	DefaultRestartBackoffBase    = 1 * time.Second
	DefaultRestartBackoffCap     = 60 * time.Second
	DefaultRestartStableWindow   = 5 * time.Minute
	DefaultCtlTopicPrefix        = "wasmbus.ctl"
	DefaultEventPrefix           = "wasmbus.evt"
	DefaultRPCPrefix             = "wasmbus.rpc"
	DefaultOversizeWarnBytes     = 900 * 1024
	MinExecutionTime             = 1 * time.Millisecond
	MaxExecutionTime             = 1 * time.Hour
)

// Config is the host's startup configuration, matching spec §6's table.
type Config struct {
	LatticeID string            `yaml:"lattice_id"`
	HostSeed  string            `yaml:"host_seed"`
	Labels    map[string]string `yaml:"labels"`

	CtlTopicPrefix string `yaml:"ctl_topic_prefix"`
	EventPrefix    string `yaml:"event_prefix"`
	RPCPrefix      string `yaml:"rpc_prefix"`

	NATSURL   string `yaml:"nats_url"`
	NATSJWT   string `yaml:"nats_jwt"`
	NATSSeed  string `yaml:"nats_seed"`
	NATSTLSCA string `yaml:"nats_tls_ca"`

	OCIAllowedInsecure []string `yaml:"oci_allowed_insecure"`
	OCIRegistries      []string `yaml:"oci_registries"`
	AllowLatest        bool     `yaml:"allow_latest"`
	AllowFileLoad      bool     `yaml:"allow_file_load"`
	OCIProxy           string   `yaml:"oci_proxy"`

	// ClaimsIssuerKey, when set, is the HMAC secret used to verify the
	// JWT claims token carried in an artifact's OCI manifest annotations
	// (spec §3, §4.A). An artifact that carries a claims annotation with
	// no issuer key configured to verify it fails with ClaimsInvalid.
	ClaimsIssuerKey string `yaml:"claims_issuer_key"`

	MaxExecutionTime      time.Duration `yaml:"max_execution_time"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	HealthCheckInterval   time.Duration `yaml:"health_check_interval"`
	ProviderShutdownDelay time.Duration `yaml:"provider_shutdown_delay"`
	RPCTimeout            time.Duration `yaml:"rpc_timeout"`

	PolicyTopic   string        `yaml:"policy_topic"`
	PolicyTimeout time.Duration `yaml:"policy_timeout"`

	SecretsTopic string `yaml:"secrets_topic"`

	OTELEndpoint string `yaml:"otel_endpoint"`
	OTELEnabled  bool   `yaml:"otel_enabled"`

	// EnableBuiltins starts the in-process builtin providers (spec
	// §4.G): an HTTP server provider when BuiltinHTTPAddr is set and a
	// NATS messaging provider when BuiltinNATSSubject is set, both
	// forwarding to BuiltinTargetComponent instead of being spawned as
	// subprocesses.
	EnableBuiltins         bool   `yaml:"enable_builtins"`
	BuiltinHTTPAddr        string `yaml:"builtin_http_addr"`
	BuiltinNATSSubject     string `yaml:"builtin_nats_subject"`
	BuiltinTargetComponent string `yaml:"builtin_target_component"`

	LogLevel   string `yaml:"log_level"`
	TraceLevel string `yaml:"trace_level"`

	TLSCAPaths []string `yaml:"tls_ca_paths"`

	HTTPAdminAddr string `yaml:"http_admin_addr"`

	DataDir string `yaml:"data_dir"`
}

// Default returns a Config populated with every documented default.
func Default() Config {
	return Config{
		LatticeID:             "default",
		CtlTopicPrefix:        DefaultCtlTopicPrefix,
		EventPrefix:           DefaultEventPrefix,
		RPCPrefix:             DefaultRPCPrefix,
		NATSURL:               "nats://127.0.0.1:4222",
		AllowLatest:           false,
		AllowFileLoad:         true,
		MaxExecutionTime:      DefaultMaxExecutionTime,
		HeartbeatInterval:     DefaultHeartbeatInterval,
		HealthCheckInterval:   DefaultHealthCheckInterval,
		ProviderShutdownDelay: DefaultProviderShutdownDelay,
		RPCTimeout:            DefaultRPCTimeout,
		PolicyTimeout:         DefaultPolicyTimeout,
		LogLevel:              "info",
		DataDir:               "./data",
	}
}

// Load reads a YAML config file and layers it over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("hostconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("hostconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configured values against the constraints spec §6
// and §4.E impose (execution time bounds, required fields).
func (c Config) Validate() error {
	if c.LatticeID == "" {
		return fmt.Errorf("hostconfig: lattice_id is required")
	}
	if c.MaxExecutionTime < MinExecutionTime || c.MaxExecutionTime > MaxExecutionTime {
		return fmt.Errorf("hostconfig: max_execution_time must be between %s and %s, got %s",
			MinExecutionTime, MaxExecutionTime, c.MaxExecutionTime)
	}
	return nil
}
