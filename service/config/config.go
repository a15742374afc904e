package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/satswap/service/clarity"
	"github.com/brojonat/satswap/service/stacks"
	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the optional YAML file applied before environment
// overrides.
const ConfigPathEnv = "SATSWAP_CONFIG"

// Config holds all configuration for satswap binaries.
// Values come from defaults, then the YAML file named by SATSWAP_CONFIG,
// then environment variables.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Stacks network
	Network string `yaml:"network"` // "mainnet" or "testnet"
	APIURL  string `yaml:"api_url"`

	// Marketplace contract coordinate
	ContractAddress string `yaml:"contract_address"`
	ContractName    string `yaml:"contract_name"`

	// Fee estimation (µSTX)
	FeeRate uint64 `yaml:"fee_rate"`
	MinFee  uint64 `yaml:"min_fee"`

	// Node client pacing
	NodeRPS          float64       `yaml:"node_rps"`
	NodeMaxAttempts  int           `yaml:"node_max_attempts"`
	NodeRetryBackoff time.Duration `yaml:"node_retry_backoff"`

	// Signing delegate: either a remote custodial signer or a local key.
	SignerURL          string        `yaml:"signer_url"`
	SignerAPIKey       string        `yaml:"signer_api_key"`
	SignerWalletID     string        `yaml:"signer_wallet_id"`
	SignerPollInterval time.Duration `yaml:"signer_poll_interval"`
	SignerPrivateKey   string        `yaml:"signer_private_key"`
	SignerPublicKey    string        `yaml:"signer_public_key"`
	RecoveryPolicy     string        `yaml:"recovery_policy"` // "pad-zero" or "recover"

	// Optional observers
	DatabaseURL string `yaml:"database_url"`
	NATSURL     string `yaml:"nats_url"`

	// Temporal configuration
	TemporalHost      string `yaml:"temporal_host"`
	TemporalNamespace string `yaml:"temporal_namespace"`
	TemporalTaskQueue string `yaml:"temporal_task_queue"`

	// Confirmation polling
	ConfirmationPollInterval time.Duration `yaml:"confirmation_poll_interval"`
	ConfirmationMaxAttempts  int           `yaml:"confirmation_max_attempts"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		LogLevel:                 "info",
		MetricsAddr:              "",
		Network:                  "testnet",
		APIURL:                   "https://api.testnet.hiro.so",
		ContractAddress:          "ST1QNFKCN58W3F1D9FQYSZGQKWG872KC6KYAV692X",
		ContractName:             "marketplace",
		FeeRate:                  stacks.DefaultFeePolicy.RatePerByte,
		MinFee:                   stacks.DefaultFeePolicy.Min,
		NodeRPS:                  5,
		NodeMaxAttempts:          3,
		NodeRetryBackoff:         2 * time.Second,
		SignerPollInterval:       500 * time.Millisecond,
		RecoveryPolicy:           "pad-zero",
		TemporalHost:             "localhost:7233",
		TemporalNamespace:        "default",
		TemporalTaskQueue:        "satswap-confirmations",
		ConfirmationPollInterval: 30 * time.Second,
		ConfirmationMaxAttempts:  60,
	}
}

// Load reads configuration from the SATSWAP_CONFIG file, if set, and the
// environment. It returns an error if any value is malformed or invalid.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(ConfigPathEnv))
}

// LoadFile is Load with an explicit YAML path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.MetricsAddr, "METRICS_ADDR")
	envString(&cfg.Network, "STACKS_NETWORK")
	envString(&cfg.APIURL, "STACKS_API_URL")
	envString(&cfg.ContractAddress, "MARKETPLACE_CONTRACT_ADDRESS")
	envString(&cfg.ContractName, "MARKETPLACE_CONTRACT_NAME")
	collect(envUint(&cfg.FeeRate, "FEE_RATE"))
	collect(envUint(&cfg.MinFee, "MIN_FEE"))
	collect(envFloat(&cfg.NodeRPS, "NODE_RPS"))
	collect(envInt(&cfg.NodeMaxAttempts, "NODE_MAX_ATTEMPTS"))
	collect(envDuration(&cfg.NodeRetryBackoff, "NODE_RETRY_BACKOFF"))
	envString(&cfg.SignerURL, "SIGNER_URL")
	envString(&cfg.SignerAPIKey, "SIGNER_API_KEY")
	envString(&cfg.SignerWalletID, "SIGNER_WALLET_ID")
	collect(envDuration(&cfg.SignerPollInterval, "SIGNER_POLL_INTERVAL"))
	envString(&cfg.SignerPrivateKey, "SIGNER_PRIVATE_KEY")
	envString(&cfg.SignerPublicKey, "SIGNER_PUBLIC_KEY")
	envString(&cfg.RecoveryPolicy, "SIGNATURE_RECOVERY")
	envString(&cfg.DatabaseURL, "DATABASE_URL")
	envString(&cfg.NATSURL, "NATS_URL")
	envString(&cfg.TemporalHost, "TEMPORAL_HOST")
	envString(&cfg.TemporalNamespace, "TEMPORAL_NAMESPACE")
	envString(&cfg.TemporalTaskQueue, "TEMPORAL_TASK_QUEUE")
	collect(envDuration(&cfg.ConfirmationPollInterval, "CONFIRMATION_POLL_INTERVAL"))
	collect(envInt(&cfg.ConfirmationMaxAttempts, "CONFIRMATION_MAX_ATTEMPTS"))

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for binaries where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	network, err := stacks.NetworkByName(c.Network)
	if err != nil {
		errs = append(errs, fmt.Errorf("Network: %w", err))
	}

	if c.APIURL == "" {
		errs = append(errs, fmt.Errorf("APIURL is required"))
	}

	if !clarity.ValidContractName(c.ContractName) {
		errs = append(errs, fmt.Errorf("ContractName %q is not a valid contract name", c.ContractName))
	}
	if version, _, err := clarity.ParseAddress(c.ContractAddress); err != nil {
		errs = append(errs, fmt.Errorf("ContractAddress: %w", err))
	} else if network.Name != "" && !addressMatches(network, version) {
		errs = append(errs, fmt.Errorf("ContractAddress %s is not a %s address", c.ContractAddress, network.Name))
	}

	if c.NodeRPS < 0 {
		errs = append(errs, fmt.Errorf("NodeRPS cannot be negative"))
	}
	if c.NodeMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("NodeMaxAttempts must be at least 1"))
	}

	if c.SignerPrivateKey != "" && c.SignerURL != "" {
		errs = append(errs, fmt.Errorf("SignerPrivateKey and SignerURL are mutually exclusive"))
	}
	if c.SignerURL != "" && c.SignerWalletID == "" {
		errs = append(errs, fmt.Errorf("SignerWalletID is required with SignerURL"))
	}
	if _, err := c.Recovery(); err != nil {
		errs = append(errs, err)
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.ConfirmationPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("ConfirmationPollInterval must be at least 1 second"))
	}
	if c.ConfirmationMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ConfirmationMaxAttempts must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// RequireSigner reports an error unless a signing delegate is configured.
// Read-only commands do not need one.
func (c *Config) RequireSigner() error {
	if c.SignerPrivateKey == "" && c.SignerURL == "" {
		return fmt.Errorf("no signer configured: set SIGNER_PRIVATE_KEY or SIGNER_URL and SIGNER_WALLET_ID")
	}
	return nil
}

// StacksNetwork returns the configured network.
func (c *Config) StacksNetwork() stacks.Network {
	n, err := stacks.NetworkByName(c.Network)
	if err != nil {
		return stacks.Testnet
	}
	return n
}

// Contract returns the marketplace contract principal.
func (c *Config) Contract() (clarity.Principal, error) {
	return clarity.ParsePrincipal(c.ContractAddress + "." + c.ContractName)
}

// FeePolicy returns the configured fee estimation policy.
func (c *Config) FeePolicy() stacks.FeePolicy {
	return stacks.FeePolicy{RatePerByte: c.FeeRate, Min: c.MinFee}
}

// Recovery returns the configured signature recovery policy.
func (c *Config) Recovery() (stacks.RecoveryPolicy, error) {
	switch strings.ToLower(c.RecoveryPolicy) {
	case "", "pad-zero":
		return stacks.PadZero, nil
	case "recover":
		return stacks.RecoverFromKey, nil
	default:
		return stacks.PadZero, fmt.Errorf("RecoveryPolicy %q must be pad-zero or recover", c.RecoveryPolicy)
	}
}

func addressMatches(n stacks.Network, version byte) bool {
	if n.Name == stacks.Mainnet.Name {
		return version == clarity.VersionMainnetP2PKH || version == clarity.VersionMainnetP2SH
	}
	return version == clarity.VersionTestnetP2PKH || version == clarity.VersionTestnetP2SH
}

func envString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func envDuration(dst *time.Duration, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	*dst = d
	return nil
}

func envInt(dst *int, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	*dst = n
	return nil
}

func envUint(dst *uint64, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid unsigned integer %q: %w", key, value, err)
	}
	*dst = n
	return nil
}

func envFloat(dst *float64, key string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	*dst = f
	return nil
}
