// Package config loads server and client settings from the environment and an
// optional YAML file. Environment variables always win over the file.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/BloomsoftTeam/etherless/pkg/artifacts"
	"github.com/BloomsoftTeam/etherless/pkg/ledger"
	"github.com/BloomsoftTeam/etherless/pkg/pricing"
)

// ContractAddresses holds the hex addresses of the deployed suite.
type ContractAddresses struct {
	Publish  string `yaml:"publish"`
	Invoke   string `yaml:"invoke"`
	Remove   string `yaml:"remove"`
	Registry string `yaml:"registry"`
}

// PricingConfig mirrors pricing.FeeSchedule with a decimal wei rate.
type PricingConfig struct {
	WeiPerSecond  string        `yaml:"wei_per_second"`
	Overhead      time.Duration `yaml:"overhead"`
	MarkupPercent int64         `yaml:"markup_percent"`
}

// Config holds every setting of the server and the CLI.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	RPCURL        string            `yaml:"rpc_url"`
	PrivateKey    string            `yaml:"private_key"`
	Contracts     ContractAddresses `yaml:"contracts"`
	Confirmations uint64            `yaml:"confirmations"`

	// DevPublishFee is the publish fee of the in-memory ledger used by -dev.
	DevPublishFee string `yaml:"dev_publish_fee"`

	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`

	// RedisAddr enables the shared pending table. Empty keeps it in memory.
	RedisAddr string `yaml:"redis_addr"`

	Artifacts        artifacts.Config `yaml:"artifacts"`
	WasmMemoryLimit  uint64           `yaml:"wasm_memory_limit"`
	MaxUploadBytes   int64            `yaml:"max_upload_bytes"`
	RateLimitRPS     float64          `yaml:"rate_limit_rps"`
	RateLimitBurst   int              `yaml:"rate_limit_burst"`
	Pricing          PricingConfig    `yaml:"pricing"`
	PendingTTL       time.Duration    `yaml:"pending_ttl"`
	SweepInterval    time.Duration    `yaml:"sweep_interval"`
	ReconcileGrace   time.Duration    `yaml:"reconcile_grace"`
	Watchdog         time.Duration    `yaml:"watchdog"`
	ServerURL        string           `yaml:"server_url"`
	OTLPEndpoint     string           `yaml:"otlp_endpoint"`
	TelemetryEnabled bool             `yaml:"telemetry_enabled"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Port:           "8080",
		LogLevel:       "INFO",
		RPCURL:         "ws://localhost:8546",
		Confirmations:  1,
		DevPublishFee:  "1000000000000000",
		DatabaseDriver: "sqlite",
		DatabaseURL:    "file:etherless.db",
		Artifacts:      artifacts.Config{Type: artifacts.TypeFS, Dir: "data/artifacts"},
		MaxUploadBytes: 64 << 20,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
		Pricing: PricingConfig{
			WeiPerSecond:  "260375000",
			Overhead:      5 * time.Second,
			MarkupPercent: 10,
		},
		PendingTTL:     10 * time.Minute,
		SweepInterval:  30 * time.Second,
		ReconcileGrace: 15 * time.Minute,
		Watchdog:       5 * time.Minute,
		ServerURL:      "http://localhost:8080",
		OTLPEndpoint:   "localhost:4317",
	}
}

// Load returns the defaults overlaid with environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path on the defaults, then the
// environment on top.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	u64 := func(key string, dst *uint64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("ETHERLESS_RPC_URL", &c.RPCURL)
	str("ETHERLESS_PRIVATE_KEY", &c.PrivateKey)
	str("ETHERLESS_PUBLISH_CONTRACT", &c.Contracts.Publish)
	str("ETHERLESS_INVOKE_CONTRACT", &c.Contracts.Invoke)
	str("ETHERLESS_REMOVE_CONTRACT", &c.Contracts.Remove)
	str("ETHERLESS_REGISTRY_CONTRACT", &c.Contracts.Registry)
	u64("ETHERLESS_CONFIRMATIONS", &c.Confirmations)
	str("ETHERLESS_DEV_PUBLISH_FEE", &c.DevPublishFee)
	str("DATABASE_DRIVER", &c.DatabaseDriver)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_ADDR", &c.RedisAddr)
	str("ARTIFACT_STORE", &c.Artifacts.Type)
	str("ARTIFACT_DIR", &c.Artifacts.Dir)
	str("ARTIFACT_S3_BUCKET", &c.Artifacts.S3Bucket)
	str("ARTIFACT_S3_REGION", &c.Artifacts.S3Region)
	str("ARTIFACT_S3_ENDPOINT", &c.Artifacts.S3Endpoint)
	str("ARTIFACT_S3_PREFIX", &c.Artifacts.S3Prefix)
	str("ARTIFACT_GCS_BUCKET", &c.Artifacts.GCSBucket)
	str("ARTIFACT_GCS_PREFIX", &c.Artifacts.GCSPrefix)
	u64("WASM_MEMORY_LIMIT", &c.WasmMemoryLimit)
	str("PRICING_WEI_PER_SECOND", &c.Pricing.WeiPerSecond)
	dur("PRICING_OVERHEAD", &c.Pricing.Overhead)
	dur("PENDING_TTL", &c.PendingTTL)
	dur("SWEEP_INTERVAL", &c.SweepInterval)
	dur("RECONCILE_GRACE", &c.ReconcileGrace)
	dur("ETHERLESS_WATCHDOG", &c.Watchdog)
	str("ETHERLESS_SERVER_URL", &c.ServerURL)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)

	if v := os.Getenv("PRICING_MARKUP_PERCENT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("PRICING_MARKUP_PERCENT: %w", err))
		} else {
			c.Pricing.MarkupPercent = n
		}
	}
	if v := os.Getenv("MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES: %w", err))
		} else {
			c.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS: %w", err))
		} else {
			c.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST: %w", err))
		} else {
			c.RateLimitBurst = n
		}
	}
	if v := os.Getenv("TELEMETRY_ENABLED"); v != "" {
		c.TelemetryEnabled = v == "true"
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Addresses validates and converts the contract addresses.
func (c *Config) Addresses() (ledger.Addresses, error) {
	var out ledger.Addresses
	for _, f := range []struct {
		name string
		hex  string
		dst  *common.Address
	}{
		{"publish", c.Contracts.Publish, &out.Publish},
		{"invoke", c.Contracts.Invoke, &out.Invoke},
		{"remove", c.Contracts.Remove, &out.Remove},
		{"registry", c.Contracts.Registry, &out.Registry},
	} {
		if !common.IsHexAddress(f.hex) {
			return out, fmt.Errorf("config: %s contract address %q is not a hex address", f.name, f.hex)
		}
		*f.dst = common.HexToAddress(f.hex)
	}
	return out, nil
}

// Schedule builds the fee schedule.
func (c *Config) Schedule() (pricing.FeeSchedule, error) {
	rate, err := pricing.ParseWei(c.Pricing.WeiPerSecond)
	if err != nil {
		return pricing.FeeSchedule{}, fmt.Errorf("config: pricing rate: %w", err)
	}
	if rate.Sign() == 0 {
		return pricing.FeeSchedule{}, errors.New("config: pricing rate must be positive")
	}
	return pricing.FeeSchedule{
		WeiPerSecond:  rate,
		Overhead:      c.Pricing.Overhead,
		MarkupPercent: c.Pricing.MarkupPercent,
	}, nil
}

// PublishFee parses DevPublishFee.
func (c *Config) PublishFee() (*big.Int, error) {
	fee, err := pricing.ParseWei(c.DevPublishFee)
	if err != nil {
		return nil, fmt.Errorf("config: dev publish fee: %w", err)
	}
	return fee, nil
}

// PrivateKeyHex returns the key without a 0x prefix.
func (c *Config) PrivateKeyHex() string {
	return strings.TrimPrefix(strings.TrimSpace(c.PrivateKey), "0x")
}
