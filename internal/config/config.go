// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/JakeFAU/cartescolaire/internal/cache"
	"github.com/JakeFAU/cartescolaire/internal/extract"
	"github.com/JakeFAU/cartescolaire/internal/logging"
	"github.com/JakeFAU/cartescolaire/internal/transport"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Portal     PortalConfig      `mapstructure:"portal"`
	Selectors  extract.Selectors `mapstructure:"selectors"`
	Token      TokenConfig       `mapstructure:"token"`
	Resilience transport.Options `mapstructure:"resilience"`
	Extract    ExtractConfig     `mapstructure:"extract"`
	Server     ServerConfig      `mapstructure:"server"`
	Logging    logging.Config    `mapstructure:"logging"`
}

// PortalConfig locates the portal pages.
type PortalConfig struct {
	BaseURL    string `mapstructure:"base_url" validate:"required,url"`
	TokenPath  string `mapstructure:"token_path" validate:"required"`
	SearchPath string `mapstructure:"search_path" validate:"required"`
	UserAgent  string `mapstructure:"user_agent"`
}

// TokenConfig tunes the CSRF token cache.
type TokenConfig struct {
	CacheDuration       time.Duration `mapstructure:"cache_duration"`
	EagerRefreshRatio   float64       `mapstructure:"eager_refresh_ratio"`
	FailSafe            bool          `mapstructure:"fail_safe"`
	FailSafeMaxDuration time.Duration `mapstructure:"fail_safe_max_duration"`
	FailSafeThrottle    time.Duration `mapstructure:"fail_safe_throttle"`
	FactoryTimeout      time.Duration `mapstructure:"factory_timeout"`
}

// CacheOptions converts the token settings into cache options.
func (t TokenConfig) CacheOptions() cache.Options {
	return cache.Options{
		Duration:            t.CacheDuration,
		EagerRefreshRatio:   t.EagerRefreshRatio,
		FailSafe:            t.FailSafe,
		FailSafeMaxDuration: t.FailSafeMaxDuration,
		FailSafeThrottle:    t.FailSafeThrottle,
		FactoryTimeout:      t.FactoryTimeout,
	}
}

// ExtractConfig bounds row extraction concurrency.
type ExtractConfig struct {
	Workers int `mapstructure:"workers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Auth           AuthConfig    `mapstructure:"auth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SearchPaths lists the directories searched for cartescolaire.yaml when Load
// is given no explicit path.
var SearchPaths = []string{".", "$HOME/.cartescolaire", "/etc/cartescolaire"}

// Load builds a Config from disk/environment. An empty path searches
// SearchPaths; finding no file there is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CARTESCOLAIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("cartescolaire")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.base_url", "https://cartescolaire.cm")
	v.SetDefault("portal.token_path", "/minesec")
	v.SetDefault("portal.search_path", "/get-matricule")
	v.SetDefault("portal.user_agent", "cartescolaire-client/1.0")

	sel := extract.DefaultSelectors()
	v.SetDefault("selectors.row", sel.Row)
	v.SetDefault("selectors.registration_id", sel.RegistrationID)
	v.SetDefault("selectors.name", sel.Name)
	v.SetDefault("selectors.date_of_birth", sel.DateOfBirth)
	v.SetDefault("selectors.school_name", sel.SchoolName)
	v.SetDefault("selectors.class", sel.Class)
	v.SetDefault("selectors.gender", sel.Gender)
	v.SetDefault("selectors.token", sel.Token)
	v.SetDefault("selectors.token_attribute", sel.TokenAttribute)

	tok := cache.DefaultOptions()
	v.SetDefault("token.cache_duration", tok.Duration)
	v.SetDefault("token.eager_refresh_ratio", tok.EagerRefreshRatio)
	v.SetDefault("token.fail_safe", tok.FailSafe)
	v.SetDefault("token.fail_safe_max_duration", tok.FailSafeMaxDuration)
	v.SetDefault("token.fail_safe_throttle", tok.FailSafeThrottle)
	v.SetDefault("token.factory_timeout", tok.FactoryTimeout)

	res := transport.DefaultOptions()
	v.SetDefault("resilience.attempt_timeout", res.AttemptTimeout)
	v.SetDefault("resilience.total_timeout", res.TotalTimeout)
	v.SetDefault("resilience.max_retries", res.MaxRetries)
	v.SetDefault("resilience.backoff_base", res.BackoffBase)
	v.SetDefault("resilience.backoff_max", res.BackoffMax)
	v.SetDefault("resilience.retry_statuses", res.RetryStatuses)
	v.SetDefault("resilience.breaker.failure_ratio", res.Breaker.FailureRatio)
	v.SetDefault("resilience.breaker.minimum_throughput", res.Breaker.MinimumThroughput)
	v.SetDefault("resilience.breaker.sampling_duration", res.Breaker.SamplingDuration)
	v.SetDefault("resilience.breaker.break_duration", res.Breaker.BreakDuration)
	v.SetDefault("resilience.rate_limit.rps", res.RateLimit.RPS)
	v.SetDefault("resilience.rate_limit.burst", res.RateLimit.Burst)

	v.SetDefault("extract.workers", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 3*time.Minute)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validate.Struct(c.Portal); err != nil {
		return fmt.Errorf("portal: %w", err)
	}
	if err := c.Selectors.Validate(); err != nil {
		return err
	}
	if err := c.Resilience.Validate(); err != nil {
		return fmt.Errorf("resilience: %w", err)
	}
	if c.Token.CacheDuration <= 0 {
		return fmt.Errorf("token.cache_duration must be > 0")
	}
	if r := c.Token.EagerRefreshRatio; r < 0 || r >= 1 {
		return fmt.Errorf("token.eager_refresh_ratio must be in [0,1)")
	}
	if c.Token.FactoryTimeout <= 0 {
		return fmt.Errorf("token.factory_timeout must be > 0")
	}
	if c.Extract.Workers < 0 {
		return fmt.Errorf("extract.workers must be >= 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.APIKey == "" {
		return fmt.Errorf("server.auth.api_key must be set when auth is enabled")
	}
	return nil
}
