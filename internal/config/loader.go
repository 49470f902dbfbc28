package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the defaults and applies
// PREDICTDUEL_* environment overrides. An empty path, or a path that does
// not exist, yields defaults plus environment. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "PREDICTDUEL_LOG_LEVEL")

	setStr(&cfg.Server.Addr, "PREDICTDUEL_SERVER_ADDR")
	setBool(&cfg.Server.EnableFaucet, "PREDICTDUEL_SERVER_ENABLE_FAUCET")

	setStr(&cfg.Settlement.ProgramID, "PREDICTDUEL_PROGRAM_ID")
	setUint64(&cfg.Settlement.MinStake, "PREDICTDUEL_MIN_STAKE")
	setInt(&cfg.Settlement.MaxQuestionLen, "PREDICTDUEL_MAX_QUESTION_LEN")

	setStr(&cfg.Storage.Backend, "PREDICTDUEL_STORAGE_BACKEND")
	setStr(&cfg.Storage.PostgresDSN, "PREDICTDUEL_POSTGRES_DSN")
	setBool(&cfg.Storage.RunMigrations, "PREDICTDUEL_RUN_MIGRATIONS")

	setStr(&cfg.Clickhouse.DSN, "PREDICTDUEL_CLICKHOUSE_DSN")

	setStr(&cfg.Redis.Addr, "PREDICTDUEL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PREDICTDUEL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PREDICTDUEL_REDIS_DB")

	setBool(&cfg.Cache.Enabled, "PREDICTDUEL_CACHE_ENABLED")

	setStr(&cfg.Solana.RPCURL, "PREDICTDUEL_SOLANA_RPC_URL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
