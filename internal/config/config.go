// Package config provides environment-aware configuration for the trust and
// identity fabric: the Token Engine, RBAC Engine, Certificate Authority,
// Sandbox Executor, and their shared secret store / audit sink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/trustfabric/identitycore/infrastructure/utils"
	"github.com/trustfabric/identitycore/internal/runtime"
)

// Environment re-exports internal/runtime's Environment so callers of this
// package do not need a second import for the same concept.
type Environment = runtime.Environment

const (
	Development = runtime.Development
	Testing     = runtime.Testing
	Production  = runtime.Production
)

// CoreConfig holds everything components A-G need to start. It deliberately
// carries nothing from the business-domain verticals (oracle feeds, gas
// banks, blockchain RPC endpoints, and similar) that surrounded the fabric
// in its source repository — those are out of scope per spec.md §1.
type CoreConfig struct {
	Env Environment

	Issuer            string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	DelegationTTL     time.Duration
	SigningKeyBits    int
	KeyRotationPeriod time.Duration
	BlacklistCleanup  time.Duration
	LegacyTokenSecret string

	CARootValidity time.Duration
	CALeafValidity time.Duration

	SandboxRoot       string
	SandboxMemoryMiB  int64
	SandboxCPUPercent float64
	SandboxMaxProcs   int
	SandboxTimeoutMS  int64

	SecretsMasterKey string

	PostgresDSN string
	RedisAddr   string

	LogLevel  string
	LogFormat string
}

// Load builds a CoreConfig from CORE_ENV (falling back to ENVIRONMENT, then
// development), an optional config/{env}.env file, and process environment
// variables, in that order of increasing precedence.
func Load() (*CoreConfig, error) {
	envStr := os.Getenv("CORE_ENV")
	if envStr == "" {
		envStr = os.Getenv("ENVIRONMENT")
	}
	if envStr == "" {
		envStr = string(runtime.Development)
	}

	env, ok := runtime.ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("config: invalid CORE_ENV %q (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("config: warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &CoreConfig{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *CoreConfig) loadFromEnv() error {
	c.Issuer = utils.GetEnv("TOKEN_ISSUER", "identitycore")

	var err error
	if c.AccessTokenTTL, err = getDurationEnv("ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return err
	}
	if c.RefreshTokenTTL, err = getDurationEnv("REFRESH_TOKEN_TTL", 24*time.Hour); err != nil {
		return err
	}
	if c.DelegationTTL, err = getDurationEnv("DELEGATION_TOKEN_TTL", 30*time.Minute); err != nil {
		return err
	}
	c.SigningKeyBits = utils.GetEnvInt("SIGNING_KEY_BITS", 2048)
	if c.KeyRotationPeriod, err = getDurationEnv("KEY_ROTATION_PERIOD", 30*24*time.Hour); err != nil {
		return err
	}
	if c.BlacklistCleanup, err = getDurationEnv("BLACKLIST_CLEANUP_INTERVAL", time.Hour); err != nil {
		return err
	}

	if c.CARootValidity, err = getDurationEnv("CA_ROOT_VALIDITY", 10*365*24*time.Hour); err != nil {
		return err
	}
	if c.CALeafValidity, err = getDurationEnv("CA_LEAF_VALIDITY", 365*24*time.Hour); err != nil {
		return err
	}

	c.SandboxRoot = utils.GetEnv("SANDBOX_ROOT", "/var/lib/identitycore/sandbox")
	c.SandboxMemoryMiB = int64(utils.GetEnvInt("SANDBOX_MEMORY_MIB", 512))
	c.SandboxCPUPercent, err = strconv.ParseFloat(utils.GetEnv("SANDBOX_CPU_PERCENT", "50"), 64)
	if err != nil {
		return fmt.Errorf("invalid SANDBOX_CPU_PERCENT: %w", err)
	}
	c.SandboxMaxProcs = utils.GetEnvInt("SANDBOX_MAX_PROCESSES", 5)
	c.SandboxTimeoutMS = int64(utils.GetEnvInt("SANDBOX_TIMEOUT_MS", 10000))

	c.SecretsMasterKey = utils.GetEnv("SECRETS_MASTER_KEY", "")
	c.LegacyTokenSecret = utils.GetEnv("LEGACY_TOKEN_SECRET", "")

	c.PostgresDSN = utils.GetEnv("POSTGRES_DSN", "")
	c.RedisAddr = utils.GetEnv("REDIS_ADDR", "")

	c.LogLevel = utils.GetEnv("LOG_LEVEL", "info")
	c.LogFormat = utils.GetEnv("LOG_FORMAT", "json")

	return nil
}

func (c *CoreConfig) IsDevelopment() bool { return c.Env == Development }
func (c *CoreConfig) IsTesting() bool     { return c.Env == Testing }
func (c *CoreConfig) IsProduction() bool  { return c.Env == Production }

// Validate rejects configurations that are unsafe to run in production.
func (c *CoreConfig) Validate() error {
	if c.IsProduction() {
		if err := utils.ValidateRequired(map[string]string{
			"SECRETS_MASTER_KEY": c.SecretsMasterKey,
		}); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if c.SandboxMemoryMiB <= 0 {
		return fmt.Errorf("config: SANDBOX_MEMORY_MIB must be positive")
	}
	if c.SandboxCPUPercent <= 0 || c.SandboxCPUPercent > 100 {
		return fmt.Errorf("config: SANDBOX_CPU_PERCENT must be in (0,100]")
	}
	if c.SandboxMaxProcs <= 0 {
		return fmt.Errorf("config: SANDBOX_MAX_PROCESSES must be positive")
	}
	if c.SandboxTimeoutMS <= 0 {
		return fmt.Errorf("config: SANDBOX_TIMEOUT_MS must be positive")
	}
	return nil
}

// getDurationEnv wraps utils.ParseDuration with the key's name so a bad
// value names itself in the returned error, which ParseDuration alone
// cannot do.
func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := utils.GetEnvOptional(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := utils.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
