// Package config loads protocol configuration from YAML with environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/observability"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/ratelimit"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

// Storage backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Rate limiter backends.
const (
	LimiterMemory      = "memory"
	LimiterTokenBucket = "token_bucket"
	LimiterRedis       = "redis"
)

// Config is the full protocol configuration.
type Config struct {
	LogLevel    string               `yaml:"log_level"`
	Protocol    ProtocolConfig       `yaml:"protocol"`
	Validation  safety.Bounds        `yaml:"validation"`
	Allocation  AllocationConfig     `yaml:"allocation"`
	Attestation AttestationConfig    `yaml:"attestation"`
	RateLimits  RateLimitConfig      `yaml:"rate_limits"`
	Storage     StorageConfig        `yaml:"storage"`
	Telemetry   observability.Config `yaml:"telemetry"`
}

// ProtocolConfig names the privileged accounts.
type ProtocolConfig struct {
	Admin          string   `yaml:"admin"`
	CustodyAccount string   `yaml:"custody_account"`
	ValueUpdaters  []string `yaml:"value_updaters,omitempty"`
}

// AllocationConfig bounds pool allocations.
type AllocationConfig struct {
	MaxSingleAllocationBps uint32 `yaml:"max_single_allocation_bps"`
}

// AttestationConfig configures the attestation engine.
type AttestationConfig struct {
	Verifiers           []string          `yaml:"verifiers"`
	DecayWindow         time.Duration     `yaml:"decay_window"`
	DecayStep           int               `yaml:"decay_step"`
	ComplianceThreshold int               `yaml:"compliance_threshold"`
	MaxBatchSize        int               `yaml:"max_batch_size"`
	Rules               map[string]string `yaml:"rules,omitempty"` // attestation type -> CEL expression
	JWTSecret           string            `yaml:"jwt_secret,omitempty"`
	JWTIssuer           string            `yaml:"jwt_issuer,omitempty"`
}

// RateLimitConfig configures the call limiter.
type RateLimitConfig struct {
	Backend string                      `yaml:"backend"`
	Limits  map[string]ratelimit.Policy `yaml:"limits,omitempty"` // action -> policy
	Exempt  []string                    `yaml:"exempt,omitempty"`
}

// StorageConfig selects persistence backends.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
	PostgresURL string `yaml:"postgres_url,omitempty"`
	RedisAddr   string `yaml:"redis_addr,omitempty"`
}

// Default returns a configuration with every optional field set. The
// administrator has no default and must be configured.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Protocol: ProtocolConfig{
			CustodyAccount: "commitment-custody",
		},
		Validation: safety.DefaultBounds(),
		Allocation: AllocationConfig{MaxSingleAllocationBps: safety.BasisPoints},
		Attestation: AttestationConfig{
			DecayWindow:         24 * time.Hour,
			DecayStep:           1,
			ComplianceThreshold: 70,
			MaxBatchSize:        50,
			JWTIssuer:           "commitlabs",
		},
		RateLimits: RateLimitConfig{Backend: LimiterMemory},
		Storage: StorageConfig{
			Backend:    StoreMemory,
			SQLitePath: "commitments.db",
			RedisAddr:  "localhost:6379",
		},
		Telemetry: *observability.DefaultConfig(),
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COMMIT_ADMIN"); v != "" {
		c.Protocol.Admin = v
	}
	if v := os.Getenv("COMMIT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("COMMIT_STORE"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("COMMIT_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("COMMIT_POSTGRES_URL"); v != "" {
		c.Storage.PostgresURL = v
	}
	if v := os.Getenv("COMMIT_REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv("COMMIT_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("COMMIT_JWT_SECRET"); v != "" {
		c.Attestation.JWTSecret = v
	}
}

// Validate rejects configurations the protocol cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Protocol.Admin) == "" {
		errs = append(errs, errors.New("protocol.admin is required"))
	}
	if strings.TrimSpace(c.Protocol.CustodyAccount) == "" {
		errs = append(errs, errors.New("protocol.custody_account is required"))
	}
	if c.Validation.MinDurationDays == 0 || c.Validation.MinDurationDays > c.Validation.MaxDurationDays {
		errs = append(errs, errors.New("validation: min_duration_days must be in [1, max_duration_days]"))
	}
	if c.Allocation.MaxSingleAllocationBps == 0 || c.Allocation.MaxSingleAllocationBps > safety.BasisPoints {
		errs = append(errs, errors.New("allocation.max_single_allocation_bps must be in [1, 10000]"))
	}
	if c.Attestation.DecayWindow <= 0 {
		errs = append(errs, errors.New("attestation.decay_window must be positive"))
	}
	if c.Attestation.DecayStep < 0 || c.Attestation.DecayStep > 100 {
		errs = append(errs, errors.New("attestation.decay_step must be in [0, 100]"))
	}
	if c.Attestation.ComplianceThreshold < 0 || c.Attestation.ComplianceThreshold > 100 {
		errs = append(errs, errors.New("attestation.compliance_threshold must be in [0, 100]"))
	}
	if c.Attestation.MaxBatchSize < 1 || c.Attestation.MaxBatchSize > 500 {
		errs = append(errs, errors.New("attestation.max_batch_size must be in [1, 500]"))
	}
	for action, p := range c.RateLimits.Limits {
		if p.Window <= 0 || p.MaxCalls <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.limits.%s: window and max_calls must be positive", action))
		}
	}
	switch c.RateLimits.Backend {
	case LimiterMemory, LimiterTokenBucket, LimiterRedis:
	default:
		errs = append(errs, fmt.Errorf("rate_limits.backend %q is not one of memory, token_bucket, redis", c.RateLimits.Backend))
	}
	switch c.Storage.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite backend"))
		}
	case StorePostgres:
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage.postgres_url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, sqlite, postgres", c.Storage.Backend))
	}
	return errors.Join(errs...)
}
