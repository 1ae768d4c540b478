// Package config loads the guest agent configuration.
//
// The file is YAML (default /etc/guestpull/config.yaml). Fields left unset
// keep the values from DefaultConfig, and a small set of GUESTPULL_*
// environment variables override the agent section so the launcher can
// inject proxy and key-broker settings without rewriting the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the agent looks for its configuration file.
const DefaultPath = "/etc/guestpull/config.yaml"

// Config is the full agent configuration.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	Paths       PathsConfig       `yaml:"paths"`
	Attestation AttestationConfig `yaml:"attestation"`
	Embedded    EmbeddedConfig    `yaml:"embedded"`
	Server      ServerConfig      `yaml:"server"`
	Audit       AuditConfig       `yaml:"audit"`
	Log         LogConfig         `yaml:"log"`
	Staging     StagingConfig     `yaml:"staging"`
}

// AgentConfig holds the settings that influence each pull.
type AgentConfig struct {
	HTTPSProxy string `yaml:"https_proxy"`
	NoProxy    string `yaml:"no_proxy"`

	// KBCParams are the key broker client parameters handed to the
	// attestation agent ("<kbc-name>::<kbs-uri>"). Empty disables decryption.
	KBCParams string `yaml:"aa_kbc_params"`

	EnableSignatureVerification bool   `yaml:"enable_signature_verification"`
	ContainerPolicyPath         string `yaml:"container_policy_path"`
}

// PathsConfig holds the fixed locations of tools, templates and output.
type PathsConfig struct {
	Skopeo           string `yaml:"skopeo"`
	Umoci            string `yaml:"umoci"`
	AttestationAgent string `yaml:"attestation_agent"`
	ContainerBase    string `yaml:"container_base"`
	StagingRoot      string `yaml:"staging_root"`
	OcicryptConfig   string `yaml:"ocicrypt_config"`
	PauseBundle      string `yaml:"pause_bundle"`
	ImageWorkDir     string `yaml:"image_work_dir"`
}

// AttestationConfig configures the decryption side-service.
type AttestationConfig struct {
	KeyProviderAddr string `yaml:"keyprovider_addr"`
	GetResourceAddr string `yaml:"getresource_addr"`

	// ReadyTimeout, when positive, makes startup wait until the key provider
	// endpoint accepts connections.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// LogFile receives the side-service's stdout and stderr.
	LogFile string `yaml:"log_file"`
}

// EmbeddedConfig configures the embedded pull backend.
type EmbeddedConfig struct {
	// MaxConcurrentPulls caps simultaneous embedded pulls process-wide.
	MaxConcurrentPulls int64 `yaml:"max_concurrent_pulls"`

	// AuthFile is a registry auth file ({"auths":{...}}) consulted when
	// authenticated pulls are enabled and a request carries no credentials.
	AuthFile string `yaml:"auth_file"`
}

// ServerConfig configures the agent API.
type ServerConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// AuditConfig configures the pull audit log.
type AuditConfig struct {
	// DBPath is the SQLite database; empty disables auditing.
	DBPath string `yaml:"db_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Verbose       bool   `yaml:"verbose"`
	JSON          bool   `yaml:"json"`
	DebugDir      string `yaml:"debug_dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// StagingConfig configures the orphaned staging sweeper.
type StagingConfig struct {
	SweepAge time.Duration `yaml:"sweep_age"`
}

// DefaultConfig returns the configuration used for anything the file omits.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Skopeo:           "/usr/bin/skopeo",
			Umoci:            "/usr/local/bin/umoci",
			AttestationAgent: "/usr/local/bin/attestation-agent",
			ContainerBase:    "/run/kata-containers",
			StagingRoot:      "/tmp",
			OcicryptConfig:   "/tmp/ocicrypt_config.json",
			PauseBundle:      "/pause_bundle",
			ImageWorkDir:     "/run/image/",
		},
		Attestation: AttestationConfig{
			KeyProviderAddr: "127.0.0.1:50000",
			GetResourceAddr: "127.0.0.1:50001",
			LogFile:         "/run/guestpull/attestation-agent.log",
		},
		Embedded: EmbeddedConfig{
			MaxConcurrentPulls: 1,
		},
		Server: ServerConfig{
			SocketPath: "/run/guestpull/agent.sock",
		},
		Audit: AuditConfig{
			DBPath: "/run/guestpull/audit.db",
		},
		Log: LogConfig{
			RetentionDays: 7,
		},
		Staging: StagingConfig{
			SweepAge: time.Hour,
		},
	}
}

// Load reads the configuration at path on top of DefaultConfig and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("GUESTPULL_HTTPS_PROXY"); ok {
		cfg.Agent.HTTPSProxy = v
	}
	if v, ok := os.LookupEnv("GUESTPULL_NO_PROXY"); ok {
		cfg.Agent.NoProxy = v
	}
	if v, ok := os.LookupEnv("GUESTPULL_AA_KBC_PARAMS"); ok {
		cfg.Agent.KBCParams = v
	}
	if v, ok := os.LookupEnv("GUESTPULL_CONTAINER_POLICY_PATH"); ok {
		cfg.Agent.ContainerPolicyPath = v
	}
	if v, ok := os.LookupEnv("GUESTPULL_ENABLE_SIGNATURE_VERIFICATION"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GUESTPULL_ENABLE_SIGNATURE_VERIFICATION: %w", err)
		}
		cfg.Agent.EnableSignatureVerification = b
	}
	return nil
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if c.Paths.ContainerBase == "" {
		return fmt.Errorf("paths.container_base must be set")
	}
	if c.Paths.StagingRoot == "" {
		return fmt.Errorf("paths.staging_root must be set")
	}
	if c.Paths.OcicryptConfig == "" {
		return fmt.Errorf("paths.ocicrypt_config must be set")
	}
	if c.Embedded.MaxConcurrentPulls < 1 {
		return fmt.Errorf("embedded.max_concurrent_pulls must be at least 1, got %d", c.Embedded.MaxConcurrentPulls)
	}
	if c.Attestation.ReadyTimeout < 0 {
		return fmt.Errorf("attestation.ready_timeout must not be negative")
	}
	if c.Server.SocketPath == "" {
		return fmt.Errorf("server.socket_path must be set")
	}
	return nil
}
