// Package config loads predictduel configuration from a TOML file, a .env
// file and PREDICTDUEL_* environment variables, in that order of precedence
// (later wins).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"predict-duel/internal/domain"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the root configuration.
type Config struct {
	LogLevel   string           `toml:"log_level"`
	Server     ServerConfig     `toml:"server"`
	Settlement SettlementConfig `toml:"settlement"`
	Storage    StorageConfig    `toml:"storage"`
	Clickhouse ClickhouseConfig `toml:"clickhouse"`
	Redis      RedisConfig      `toml:"redis"`
	Cache      CacheConfig      `toml:"cache"`
	Solana     SolanaConfig     `toml:"solana"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	// EnableFaucet exposes POST /accounts/{address}/deposit.
	EnableFaucet bool `toml:"enable_faucet"`
}

// SettlementConfig holds engine parameters.
type SettlementConfig struct {
	ProgramID      string `toml:"program_id"`
	MinStake       uint64 `toml:"min_stake"`
	MaxQuestionLen int    `toml:"max_question_len"`
}

// StorageConfig selects the settlement store.
type StorageConfig struct {
	Backend       string `toml:"backend"`
	PostgresDSN   string `toml:"postgres_dsn"`
	RunMigrations bool   `toml:"run_migrations"`
}

// ClickhouseConfig enables the event history sink when DSN is set.
type ClickhouseConfig struct {
	DSN string `toml:"dsn"`
}

// RedisConfig enables the redis event publisher when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
	Stream   string `toml:"stream"`
}

// CacheConfig tunes the market read cache.
type CacheConfig struct {
	Enabled bool     `toml:"enabled"`
	MaxCost int64    `toml:"max_cost"`
	TTL     duration `toml:"ttl"`
}

// SolanaConfig is used by reconcile.
type SolanaConfig struct {
	RPCURL string `toml:"rpc_url"`
}

// duration wraps time.Duration for TOML strings like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultProgramID is the program ID markets are derived under when none
// is configured.
const DefaultProgramID = "DRtHnPZs3YC6kFHpVt1q8hitdDiR7BWbp1pAgpE9gP5d"

// Defaults returns a Config suitable for a local, in-memory run.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":8080",
			RequestTimeout:  duration{10 * time.Second},
			ShutdownTimeout: duration{15 * time.Second},
			EnableFaucet:    true,
		},
		Settlement: SettlementConfig{
			ProgramID:      DefaultProgramID,
			MinStake:       10_000_000,
			MaxQuestionLen: 200,
		},
		Storage: StorageConfig{
			Backend:       BackendMemory,
			RunMigrations: true,
		},
		Cache: CacheConfig{
			Enabled: true,
			MaxCost: 10_000,
			TTL:     duration{2 * time.Second},
		},
		Solana: SolanaConfig{
			RPCURL: "https://api.devnet.solana.com",
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Addr == "" {
		errs = append(errs, "server: addr must not be empty")
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}

	if _, err := c.ProgramID(); err != nil {
		errs = append(errs, fmt.Sprintf("settlement: program_id: %v", err))
	}
	if c.Settlement.MinStake == 0 {
		errs = append(errs, "settlement: min_stake must be positive")
	}
	if c.Settlement.MaxQuestionLen <= 0 {
		errs = append(errs, "settlement: max_question_len must be positive")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			errs = append(errs, "storage: postgres_dsn is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: memory, postgres)", c.Storage.Backend))
	}

	if c.Cache.Enabled && c.Cache.MaxCost <= 0 {
		errs = append(errs, "cache: max_cost must be positive when enabled")
	}
	if c.Redis.DB < 0 {
		errs = append(errs, "redis: db must not be negative")
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// ProgramID parses the configured program ID.
func (c *Config) ProgramID() (domain.Address, error) {
	return domain.ParseAddress(c.Settlement.ProgramID)
}

// Redacted returns a copy with credentials masked, for logging.
func (c *Config) Redacted() Config {
	out := *c
	redact(&out.Storage.PostgresDSN)
	redact(&out.Clickhouse.DSN)
	redact(&out.Redis.Password)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
