package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "UPSCALER"

	MiB = 1 << 20
)

type ServerCfg struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type CORSCfg struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LimitsCfg struct {
	MaxUploadBytes     int64 `mapstructure:"max_upload_bytes"`
	MaxOutputDimension int   `mapstructure:"max_output_dimension"`
	MaxInputDimension  int   `mapstructure:"max_input_dimension"`
	MaxInputPixels     int64 `mapstructure:"max_input_pixels"`
}

type ScaleCfg struct {
	Default float64 `mapstructure:"default"`
	Min     float64 `mapstructure:"min"`
	Max     float64 `mapstructure:"max"`
}

type ProcessingCfg struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	Workers   int           `mapstructure:"workers"`
	Resampler string        `mapstructure:"resampler"`
}

type RateLimitCfg struct {
	Enabled            bool          `mapstructure:"enabled"`
	Requests           int           `mapstructure:"requests"`
	Window             time.Duration `mapstructure:"window"`
	Backend            string        `mapstructure:"backend"` // memory | redis
	TrustXForwardedFor bool          `mapstructure:"trust_x_forwarded_for"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	RedisAddr          string        `mapstructure:"redis_addr"`
	RedisPassword      string        `mapstructure:"redis_password"`
	RedisDB            int           `mapstructure:"redis_db"`
	RedisPrefix        string        `mapstructure:"redis_prefix"`
}

type LogCfg struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// Config is the complete service configuration.
type Config struct {
	Server     ServerCfg     `mapstructure:"server"`
	CORS       CORSCfg       `mapstructure:"cors"`
	Limits     LimitsCfg     `mapstructure:"limits"`
	Scale      ScaleCfg      `mapstructure:"scale"`
	Processing ProcessingCfg `mapstructure:"processing"`
	RateLimit  RateLimitCfg  `mapstructure:"ratelimit"`
	Log        LogCfg        `mapstructure:"log"`
}

func Default() *Config {
	return &Config{
		Server: ServerCfg{
			ListenAddr:        "127.0.0.1:8000",
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       90 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		CORS: CORSCfg{
			AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		},
		Limits: LimitsCfg{
			MaxUploadBytes:     10 * MiB,
			MaxOutputDimension: 4000,
			MaxInputDimension:  12000,
			MaxInputPixels:     64 * 1024 * 1024,
		},
		Scale: ScaleCfg{
			Default: 2.0,
			Min:     1.5,
			Max:     4.0,
		},
		Processing: ProcessingCfg{
			Timeout:   30 * time.Second,
			Workers:   runtime.GOMAXPROCS(0),
			Resampler: "bicubic",
		},
		RateLimit: RateLimitCfg{
			Enabled:         true,
			Requests:        10,
			Window:          60 * time.Second,
			Backend:         "memory",
			CleanupInterval: time.Minute,
			RedisAddr:       "localhost:6379",
			RedisPrefix:     "upscaler:ratelimit",
		},
		Log: LogCfg{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the optional file at path and from the
// environment. Environment variables use the UPSCALER_ prefix with dots
// replaced by underscores, e.g. UPSCALER_RATELIMIT_REQUESTS.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}

	// env values arrive comma-separated, possibly with padding
	cfg.CORS.AllowedOrigins = splitList(strings.Join(cfg.CORS.AllowedOrigins, ","))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("cors.allowed_origins", d.CORS.AllowedOrigins)

	v.SetDefault("limits.max_upload_bytes", d.Limits.MaxUploadBytes)
	v.SetDefault("limits.max_output_dimension", d.Limits.MaxOutputDimension)
	v.SetDefault("limits.max_input_dimension", d.Limits.MaxInputDimension)
	v.SetDefault("limits.max_input_pixels", d.Limits.MaxInputPixels)

	v.SetDefault("scale.default", d.Scale.Default)
	v.SetDefault("scale.min", d.Scale.Min)
	v.SetDefault("scale.max", d.Scale.Max)

	v.SetDefault("processing.timeout", d.Processing.Timeout)
	v.SetDefault("processing.workers", d.Processing.Workers)
	v.SetDefault("processing.resampler", d.Processing.Resampler)

	v.SetDefault("ratelimit.enabled", d.RateLimit.Enabled)
	v.SetDefault("ratelimit.requests", d.RateLimit.Requests)
	v.SetDefault("ratelimit.window", d.RateLimit.Window)
	v.SetDefault("ratelimit.backend", d.RateLimit.Backend)
	v.SetDefault("ratelimit.trust_x_forwarded_for", d.RateLimit.TrustXForwardedFor)
	v.SetDefault("ratelimit.cleanup_interval", d.RateLimit.CleanupInterval)
	v.SetDefault("ratelimit.redis_addr", d.RateLimit.RedisAddr)
	v.SetDefault("ratelimit.redis_password", d.RateLimit.RedisPassword)
	v.SetDefault("ratelimit.redis_db", d.RateLimit.RedisDB)
	v.SetDefault("ratelimit.redis_prefix", d.RateLimit.RedisPrefix)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr must be set"))
	}
	if c.Limits.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("limits.max_upload_bytes must be positive"))
	}
	if c.Limits.MaxOutputDimension <= 0 {
		errs = append(errs, errors.New("limits.max_output_dimension must be positive"))
	}
	if c.Limits.MaxInputDimension <= 0 || c.Limits.MaxInputPixels <= 0 {
		errs = append(errs, errors.New("limits.max_input_dimension and limits.max_input_pixels must be positive"))
	}
	if c.Scale.Min <= 0 || c.Scale.Min > c.Scale.Max {
		errs = append(errs, fmt.Errorf("scale range [%g, %g] is invalid", c.Scale.Min, c.Scale.Max))
	}
	if c.Scale.Default < c.Scale.Min || c.Scale.Default > c.Scale.Max {
		errs = append(errs, fmt.Errorf("scale.default %g outside [%g, %g]", c.Scale.Default, c.Scale.Min, c.Scale.Max))
	}
	if c.Processing.Timeout <= 0 {
		errs = append(errs, errors.New("processing.timeout must be positive"))
	}
	if c.Processing.Workers <= 0 {
		errs = append(errs, errors.New("processing.workers must be positive"))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("ratelimit.requests and ratelimit.window must be positive"))
		}
		switch c.RateLimit.Backend {
		case "memory", "redis":
		default:
			errs = append(errs, fmt.Errorf("unknown ratelimit.backend %q", c.RateLimit.Backend))
		}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
