package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	EnvPrefix = "VOICECTL"
	appName   = "voicectl"
)

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type APIConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	Timeout       string `mapstructure:"timeout"`
	UserAgent     string `mapstructure:"user_agent"`
	ProbeEndpoint string `mapstructure:"probe_endpoint"`
}

type AuthConfig struct {
	CookieFile     string `mapstructure:"cookie_file"`
	RefreshCommand string `mapstructure:"refresh_command"`
	RefreshTimeout string `mapstructure:"refresh_timeout"`
}

type CacheConfig struct {
	// Dir is the disk tier location; empty keeps the cache in memory.
	Dir               string         `mapstructure:"dir"`
	Compress          bool           `mapstructure:"compress"`
	CompressMinBytes  int            `mapstructure:"compress_min_bytes"`
	DefaultTTLSeconds int            `mapstructure:"default_ttl_seconds"`
	TTLSeconds        map[string]int `mapstructure:"ttl_seconds"`
}

type BreakerConfig struct {
	FailureThreshold int    `mapstructure:"failure_threshold"`
	RecoveryTimeout  string `mapstructure:"recovery_timeout"`
}

type CircuitBreakerConfig struct {
	Default   BreakerConfig            `mapstructure:"default"`
	Resources map[string]BreakerConfig `mapstructure:"resources"`
}

type RateLimitConfig struct {
	DefaultBackoff string `mapstructure:"default_backoff"`
}

type FanoutConfig struct {
	Workers           int     `mapstructure:"workers"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type MonitorConfig struct {
	Interval string `mapstructure:"interval"`
}

type MetricsConfig struct {
	Textfile   string `mapstructure:"textfile"`
	// ListenAddr serves /metrics while status --watch runs.
	ListenAddr string `mapstructure:"listen_addr"`
}

type Config struct {
	Environment    string               `mapstructure:"environment"`
	Offline        bool                 `mapstructure:"offline"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	API            APIConfig            `mapstructure:"api"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Cache          CacheConfig          `mapstructure:"cache"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Fanout         FanoutConfig         `mapstructure:"fanout"`
	Monitor        MonitorConfig        `mapstructure:"monitor"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":        "logging.level",
	"offline":          "offline",
	"metrics-textfile": "metrics.textfile",
	"metrics-addr":     "metrics.listen_addr",
}

func setDefaults(v *viper.Viper) {
	configDir, cacheDir := userDirs()

	v.SetDefault("environment", EnvDev)
	v.SetDefault("offline", false)
	v.SetDefault("logging.level", LogLevelWarn)

	v.SetDefault("api.base_url", "https://alexa.amazon.com")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.user_agent", appName+"/1.0")
	v.SetDefault("api.probe_endpoint", "/api/bootstrap")

	v.SetDefault("auth.cookie_file", filepath.Join(configDir, "cookies.txt"))
	v.SetDefault("auth.refresh_command", "")
	v.SetDefault("auth.refresh_timeout", "60s")

	v.SetDefault("cache.dir", cacheDir)
	v.SetDefault("cache.compress", true)
	v.SetDefault("cache.compress_min_bytes", 1024)
	v.SetDefault("cache.default_ttl_seconds", 300)
	v.SetDefault("cache.ttl_seconds", map[string]any{
		"devices":       3600,
		"routines":      600,
		"smarthome":     3600,
		"notifications": 60,
		"music":         10,
	})

	v.SetDefault("circuit_breaker.default.failure_threshold", 3)
	v.SetDefault("circuit_breaker.default.recovery_timeout", "30s")

	v.SetDefault("rate_limit.default_backoff", "60s")

	v.SetDefault("fanout.workers", 4)
	v.SetDefault("fanout.requests_per_second", 5)

	v.SetDefault("monitor.interval", "15s")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.listen_addr", "")
}

func userDirs() (configDir, cacheDir string) {
	if dir, err := os.UserConfigDir(); err == nil {
		configDir = filepath.Join(dir, appName)
	}
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, appName)
	}
	return configDir, cacheDir
}

// Load reads configuration. An explicit file must exist; otherwise
// voicectl.yaml is looked up in the working directory and the user config
// directory, and a missing file is not an error. flags may be nil.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		configDir, _ := userDirs()
		v.SetConfigName(appName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if configDir != "" {
			v.AddConfigPath(configDir)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Debug("config file not found, using defaults and environment variables")
	} else {
		slog.Debug("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Auth.CookieFile = expandHome(cfg.Auth.CookieFile)
	cfg.Cache.Dir = expandHome(cfg.Cache.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Environment,
			validation.Required,
			validation.In(EnvDev, EnvStaging, EnvProd),
		),
		validation.Field(&c.Logging,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.API,
			validation.By(func(value interface{}) error {
				ac, ok := value.(APIConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an APIConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.BaseURL, validation.Required, validation.By(validateBaseURL)),
					validation.Field(&ac.Timeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&ac.UserAgent, validation.Required, is.PrintableASCII),
					validation.Field(&ac.ProbeEndpoint, validation.Required, is.RequestURI),
				)
			}),
		),
		validation.Field(&c.Auth,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AuthConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AuthConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.CookieFile, validation.Required),
					validation.Field(&ac.RefreshTimeout, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Cache,
			validation.By(func(value interface{}) error {
				cc, ok := value.(CacheConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CacheConfig")
				}
				return validation.ValidateStruct(&cc,
					validation.Field(&cc.CompressMinBytes, validation.Min(0)),
					validation.Field(&cc.DefaultTTLSeconds, validation.Required, validation.Min(1)),
					validation.Field(&cc.TTLSeconds, validation.Each(validation.Min(1))),
				)
			}),
		),
		validation.Field(&c.CircuitBreaker,
			validation.By(func(value interface{}) error {
				cb, ok := value.(CircuitBreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CircuitBreakerConfig")
				}
				return validation.ValidateStruct(&cb,
					validation.Field(&cb.Default, validation.By(validateBreaker)),
					validation.Field(&cb.Resources, validation.Each(validation.By(validateBreaker))),
				)
			}),
		),
		validation.Field(&c.RateLimit,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RateLimitConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RateLimitConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.DefaultBackoff, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Fanout,
			validation.By(func(value interface{}) error {
				fc, ok := value.(FanoutConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a FanoutConfig")
				}
				return validation.ValidateStruct(&fc,
					validation.Field(&fc.Workers, validation.Required, validation.Min(1), validation.Max(64)),
					validation.Field(&fc.RequestsPerSecond, validation.Min(0.0)),
				)
			}),
		),
		validation.Field(&c.Monitor,
			validation.By(func(value interface{}) error {
				mc, ok := value.(MonitorConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a MonitorConfig")
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.Interval, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Metrics,
			validation.By(func(value interface{}) error {
				mc, ok := value.(MetricsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.ListenAddr, validation.When(mc.ListenAddr != "", validation.By(validateHostPort))),
				)
			}),
		),
	)
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}
	if d <= 0 {
		return validation.NewError("validation_non_positive_duration", "must be greater than zero")
	}

	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cant be empty")
	}
	if port != "0" {
		if err := is.Port.Validate(port); err != nil {
			return validation.NewError("validation_invalid_port", "invalid port")
		}
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateBaseURL(value interface{}) error {
	baseURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

func validateBreaker(value interface{}) error {
	bc, ok := value.(BreakerConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BreakerConfig")
	}

	if bc.FailureThreshold < 1 {
		return validation.NewError("validation_invalid_threshold", "failure_threshold must be at least 1")
	}

	return validateDuration(bc.RecoveryTimeout)
}

// mustDuration parses a duration that Validate has already accepted.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c APIConfig) TimeoutDuration() time.Duration {
	return mustDuration(c.Timeout)
}

func (c AuthConfig) RefreshTimeoutDuration() time.Duration {
	return mustDuration(c.RefreshTimeout)
}

func (c BreakerConfig) RecoveryTimeoutDuration() time.Duration {
	return mustDuration(c.RecoveryTimeout)
}

func (c RateLimitConfig) DefaultBackoffDuration() time.Duration {
	return mustDuration(c.DefaultBackoff)
}

func (c MonitorConfig) IntervalDuration() time.Duration {
	return mustDuration(c.Interval)
}
