package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/coreason-ai/gateway/internal/services/routing"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Accounting AccountingConfig `mapstructure:"accounting"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type VaultConfig struct {
	Address  string `mapstructure:"address"`
	RoleID   string `mapstructure:"role_id"`
	SecretID string `mapstructure:"secret_id"`
}

type GatewayConfig struct {
	AccessToken string `mapstructure:"access_token"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	WaitMin     time.Duration `mapstructure:"wait_min"`
	WaitMax     time.Duration `mapstructure:"wait_max"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed"`
}

type BudgetConfig struct {
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
}

type AccountingConfig struct {
	QueueSize  int           `mapstructure:"queue_size"`
	Workers    int           `mapstructure:"workers"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

// ForbiddenEnvKeys lists the static provider credential variables that must
// never appear in the gateway's environment, one per provider in the routing
// registry. Upstream keys come from Vault per request.
func ForbiddenEnvKeys() []string {
	providers := routing.NewRouter().Providers()
	keys := make([]string, 0, len(providers))
	for _, p := range providers {
		keys = append(keys, strings.ToUpper(p)+"_API_KEY")
	}
	return keys
}

func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.AutomaticEnv()
	bindEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if err := CheckForbiddenEnv(); err != nil {
		return err
	}

	required := []struct {
		name  string
		value string
	}{
		{"REDIS_URL", c.Redis.URL},
		{"VAULT_ADDR", c.Vault.Address},
		{"VAULT_ROLE_ID", c.Vault.RoleID},
		{"VAULT_SECRET_ID", c.Vault.SecretID},
		{"GATEWAY_ACCESS_TOKEN", c.Gateway.AccessToken},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("missing required configuration: %s", r.name)
		}
	}

	return nil
}

// CheckForbiddenEnv fails when a static provider API key is present in the
// environment. This enforces the no-static-secrets invariant: the only path
// to a provider credential is the per-request Vault fetch.
func CheckForbiddenEnv() error {
	for _, key := range ForbiddenEnvKeys() {
		if _, ok := os.LookupEnv(key); ok {
			return fmt.Errorf("security violation: %q found in environment variables; static secrets are forbidden, use Vault", key)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "300s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown", "30s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.wait_min", "2s")
	v.SetDefault("retry.wait_max", "10s")
	v.SetDefault("retry.max_elapsed", "10s")

	v.SetDefault("budget.check_timeout", "500ms")

	v.SetDefault("accounting.queue_size", 1024)
	v.SetDefault("accounting.workers", 4)
	v.SetDefault("accounting.max_retries", 3)
	v.SetDefault("accounting.retry_delay", "100ms")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "")

	v.SetDefault("cors.enabled", false)
	v.SetDefault("cors.max_age", 86400)
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	_ = v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	_ = v.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")

	_ = v.BindEnv("redis.url", "REDIS_URL")

	_ = v.BindEnv("vault.address", "VAULT_ADDR")
	_ = v.BindEnv("vault.role_id", "VAULT_ROLE_ID")
	_ = v.BindEnv("vault.secret_id", "VAULT_SECRET_ID")

	_ = v.BindEnv("gateway.access_token", "GATEWAY_ACCESS_TOKEN")

	_ = v.BindEnv("retry.max_attempts", "RETRY_MAX_ATTEMPTS")
	_ = v.BindEnv("retry.wait_min", "RETRY_WAIT_MIN")
	_ = v.BindEnv("retry.wait_max", "RETRY_WAIT_MAX")
	_ = v.BindEnv("retry.max_elapsed", "RETRY_MAX_ELAPSED")

	_ = v.BindEnv("budget.check_timeout", "BUDGET_CHECK_TIMEOUT")

	_ = v.BindEnv("accounting.queue_size", "ACCOUNTING_QUEUE_SIZE")
	_ = v.BindEnv("accounting.workers", "ACCOUNTING_WORKERS")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
	_ = v.BindEnv("logging.output_path", "LOG_OUTPUT_PATH")

	_ = v.BindEnv("cors.enabled", "CORS_ENABLED")
	_ = v.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
}
