// Package config defines the agentpay application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentpay/agentpay/chain"
)

// Config is the top-level configuration for an agent service or host.
type Config struct {
	Server   ServerConfig `json:"server" yaml:"server"`
	Auth     AuthConfig   `json:"auth" yaml:"auth"`
	Agent    AgentConfig  `json:"agent" yaml:"agent"`
	Chain    chain.Config `json:"chain" yaml:"chain"`
	Verify   VerifyConfig `json:"verify" yaml:"verify"`
	Host     HostConfig   `json:"host" yaml:"host"`
	DataDir  string       `json:"data_dir" yaml:"data_dir"`
	LogLevel string       `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":10003"
}

// AuthConfig controls ops-endpoint authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// AgentConfig describes the agent this service runs and its public card.
type AgentConfig struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	URL         string `json:"url" yaml:"url"` // externally reachable base URL
	Version     string `json:"version" yaml:"version"`
	Provider    string `json:"provider" yaml:"provider"` // "mock", "openai", "anthropic"
	Model       string `json:"model,omitempty" yaml:"model"`
	// HostAddress is the delegating host agent's on-chain address, used
	// by tools that claim escrow payments.
	HostAddress string `json:"host_address" yaml:"host_address"`
	// TaskDB persists tasks across restarts when set; empty keeps them
	// in memory.
	TaskDB string `json:"task_db,omitempty" yaml:"task_db"`
}

// VerifyConfig toggles the admission checks.
type VerifyConfig struct {
	Signatures bool `json:"signatures" yaml:"signatures"`
	Chain      bool `json:"chain" yaml:"chain"`
	// Scheme picks the signature strategy: "ed25519" or "ecdsa".
	Scheme string `json:"scheme" yaml:"scheme"`
	// TrustedKeys maps host addresses to Ed25519 public key hex. When
	// empty the Ed25519 verifier only checks signature shape.
	TrustedKeys map[string]string `json:"trusted_keys,omitempty" yaml:"trusted_keys"`
}

// HostConfig configures the delegating host orchestrator.
type HostConfig struct {
	// Agents lists the base URLs of remote agent services to register.
	Agents []string `json:"agents" yaml:"agents"`
	// SignerKey is the host's private key hex for delegation signatures.
	SignerKey string `json:"signer_key" yaml:"signer_key"`
	// Scheme picks the signing strategy: "ed25519" or "ecdsa".
	Scheme string `json:"scheme" yaml:"scheme"`
	// Address is the host's claimed signer address. Derived from the
	// key for ECDSA; required for Ed25519.
	Address string `json:"address" yaml:"address"`
	// DefaultRemoteAddress is the fallback on-chain address for remote
	// agents whose card publishes none.
	DefaultRemoteAddress string `json:"default_remote_address,omitempty" yaml:"default_remote_address"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":10003"},
		Auth:   AuthConfig{AdminUser: "admin"},
		Agent: AgentConfig{
			Name:     "ride_agent",
			Provider: "mock",
			Version:  "1.0.0",
		},
		Chain: chain.Config{
			NodeURL:         chain.DefaultNodeURL,
			ModuleAddress:   chain.DefaultModuleAddress,
			Bounty:          chain.DefaultBounty,
			DeadlineSeconds: chain.DefaultDeadlineSeconds,
		},
		Verify: VerifyConfig{
			Signatures: true,
			Chain:      true,
			Scheme:     "ed25519",
		},
		Host:     HostConfig{Scheme: "ed25519"},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration
// with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded config.
func (c *Config) applyEnv() {
	if v := os.Getenv("APTOS_NODE_URL"); v != "" {
		c.Chain.NodeURL = v
	}
	if v := os.Getenv("APTOS_MODULE_ADDRESS"); v != "" {
		c.Chain.ModuleAddress = v
	}
	if v := os.Getenv("APTOS_PRIVATE_KEY"); v != "" {
		c.Chain.PrivateKey = v
	}
	c.Chain.ApplyDefaults()
	if v := os.Getenv("AGENTPAY_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("AGENTPAY_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("HOST_AGENT_APTOS_ADDRESS"); v != "" {
		c.Agent.HostAddress = v
	}
	if v := os.Getenv("HOST_AGENT_PRIVATE_KEY"); v != "" {
		c.Host.SignerKey = v
	}
	if v := os.Getenv("HOST_AGENT_ADDRESS"); v != "" {
		c.Host.Address = v
	}
	if v := os.Getenv("SERVICE_AGENT_APTOS_ADDRESS"); v != "" {
		c.Host.DefaultRemoteAddress = v
	}
}

// Level parses the configured log level.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
