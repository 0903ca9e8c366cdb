package chain

import (
	"os"
	"strconv"
	"strings"
)

// Defaults mirror the devnet deployment of the escrow module.
const (
	DefaultNodeURL       = "https://api.devnet.aptoslabs.com/v1"
	DefaultModuleAddress = "0x42e86d92f3d8645d290844f96451038efc722940fff706823dd3c0f8f67b46bd"
	ModuleName           = "task_manager"

	// DefaultBounty is 0.01 APT in octas.
	DefaultBounty uint64 = 1_000_000

	// DefaultDeadlineSeconds is two hours.
	DefaultDeadlineSeconds uint64 = 7_200
)

// Config holds ledger connection and account settings.
type Config struct {
	NodeURL       string `yaml:"node_url"`
	ModuleAddress string `yaml:"module_address"`

	// PrivateKey is the hex Ed25519 account key. Optional: without it the
	// client serves reads but rejects writes.
	PrivateKey string `yaml:"private_key"`

	// Bounty and DeadlineSeconds are the defaults applied by ConfirmTask
	// when the caller does not override them.
	Bounty          uint64 `yaml:"bounty"`
	DeadlineSeconds uint64 `yaml:"deadline_seconds"`
}

// ConfigFromEnv builds a Config from the environment, applying defaults.
func ConfigFromEnv() Config {
	cfg := Config{
		NodeURL:         os.Getenv("APTOS_NODE_URL"),
		ModuleAddress:   os.Getenv("APTOS_MODULE_ADDRESS"),
		PrivateKey:      os.Getenv("APTOS_PRIVATE_KEY"),
		Bounty:          envUint64("APTOS_TASK_BOUNTY"),
		DeadlineSeconds: envUint64("APTOS_TASK_DEADLINE"),
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields and normalizes the module address.
func (c *Config) ApplyDefaults() {
	if c.NodeURL == "" {
		c.NodeURL = DefaultNodeURL
	}
	if c.ModuleAddress == "" {
		c.ModuleAddress = DefaultModuleAddress
	}
	if !strings.HasPrefix(c.ModuleAddress, "0x") {
		c.ModuleAddress = "0x" + c.ModuleAddress
	}
	if c.Bounty == 0 {
		c.Bounty = DefaultBounty
	}
	if c.DeadlineSeconds == 0 {
		c.DeadlineSeconds = DefaultDeadlineSeconds
	}
}

func envUint64(key string) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
