// Package config holds the server configuration with YAML file loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// TLS configures transport security for bound mode. Mode is "manual"
// (cert/key files) or "acme" (autocert with the given domains).
type TLS struct {
	Enabled      bool     `yaml:"enabled"`
	Mode         string   `yaml:"mode"`
	CertFile     string   `yaml:"cert_file"`
	KeyFile      string   `yaml:"key_file"`
	AcmeDomains  []string `yaml:"acme_domains"`
	AcmeEmail    string   `yaml:"acme_email"`
	AcmeCacheDir string   `yaml:"acme_cache_dir"`
}

// Config enumerates every tunable of the runtime. Zero values are filled in
// by Default; LoadYAML starts from defaults and overlays the file.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"`

	ProtocolVersion   string   `yaml:"protocol_version"`
	SupportedVersions []string `yaml:"supported_versions"`
	MinimumVersion    string   `yaml:"minimum_version"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	SessionSuspendTimeout  time.Duration `yaml:"session_suspend_timeout"`
	SessionCleanupInterval time.Duration `yaml:"session_cleanup_interval"`

	RequireAuth bool          `yaml:"require_auth"`
	AuthTimeout time.Duration `yaml:"auth_timeout"`

	MaxMessageSize    int64             `yaml:"max_message_size"`
	EnableCompression bool              `yaml:"enable_compression"`
	CORSHeaders       map[string]string `yaml:"cors_headers"`

	TLS TLS `yaml:"tls"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Host:                   "0.0.0.0",
		Port:                   8080,
		Path:                   "/ws",
		ProtocolVersion:        "1.0",
		SupportedVersions:      []string{"1.0"},
		HeartbeatInterval:      30 * time.Second,
		HeartbeatTimeout:       10 * time.Second,
		SessionSuspendTimeout:  5 * time.Minute,
		SessionCleanupInterval: 30 * time.Second,
		AuthTimeout:            10 * time.Second,
		MaxMessageSize:         1 << 20,
		TLS:                    TLS{Mode: "manual", AcmeCacheDir: "./.autocert-cache"},
		LogLevel:               "info",
	}
}

// ListenAddr returns the host:port pair for the bound listener.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks invariants that would otherwise surface as runtime
// misbehavior (a reaper that never fires, a codec with no versions).
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("websocket path must not be empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ProtocolVersion == "" {
		return errors.New("protocol version must not be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.HeartbeatTimeout <= 0 {
		return errors.New("heartbeat timeout must be positive")
	}
	if c.SessionSuspendTimeout <= 0 {
		return errors.New("session suspend timeout must be positive")
	}
	if c.SessionCleanupInterval <= 0 {
		return errors.New("session cleanup interval must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("max message size must be positive")
	}
	if c.TLS.Enabled {
		switch c.TLS.Mode {
		case "manual":
			if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
				return errors.New("manual TLS mode requires cert_file and key_file")
			}
		case "acme":
			if len(c.TLS.AcmeDomains) == 0 {
				return errors.New("acme TLS mode requires at least one domain")
			}
		default:
			return fmt.Errorf("unknown TLS mode: %q", c.TLS.Mode)
		}
	}
	return nil
}
