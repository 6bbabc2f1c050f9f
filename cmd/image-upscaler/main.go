package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ironsheep/image-upscaler/internal/config"
	"github.com/ironsheep/image-upscaler/internal/imaging"
	"github.com/ironsheep/image-upscaler/internal/pipeline"
	"github.com/ironsheep/image-upscaler/internal/ratelimit"
	"github.com/ironsheep/image-upscaler/internal/server"
	"github.com/ironsheep/image-upscaler/internal/validate"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := os.Getenv(config.EnvPrefix + "_CONFIG")

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "--version" || a == "-v" || a == "version":
			fmt.Printf("image-upscaler %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
			return
		case a == "--help" || a == "-h" || a == "help":
			printUsage()
			return
		case a == "--config" || a == "-c":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a path")
				os.Exit(2)
			}
			i++
			configPath = args[i]
		case strings.HasPrefix(a, "--config="):
			configPath = strings.TrimPrefix(a, "--config=")
		default:
			fmt.Fprintf(os.Stderr, "unknown argument %q\n\n", a)
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func printUsage() {
	fmt.Println("image-upscaler - HTTP service that enlarges images")
	fmt.Println()
	fmt.Println("Usage: image-upscaler [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config, -c PATH  Read configuration from PATH (yaml, json or toml)")
	fmt.Println("  --version, -v      Print version information")
	fmt.Println("  --help, -h         Print this help message")
	fmt.Println()
	fmt.Println("Every setting can be overridden from the environment, e.g.:")
	fmt.Println("  UPSCALER_SERVER_LISTEN_ADDR=0.0.0.0:8000")
	fmt.Println("  UPSCALER_RATELIMIT_BACKEND=redis")
	fmt.Println("  UPSCALER_LOG_LEVEL=debug")
}

func setupLogging(c config.LogCfg) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	log.Logger = log.With().Str("service", server.ServiceName).Logger()
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter, closeLimiter, err := newLimiter(ctx, cfg.RateLimit)
	if err != nil {
		return err
	}
	defer closeLimiter()

	resampler, err := imaging.NewResampler(cfg.Processing.Resampler)
	if err != nil {
		return err
	}

	metrics := server.NewMetrics()
	p, err := pipeline.New(pipeline.Options{
		Limiter:            limiter,
		Validator:          validate.New(validate.LimitsFromConfig(cfg.Limits)),
		Resampler:          resampler,
		Scale:              cfg.Scale,
		MaxOutputDimension: cfg.Limits.MaxOutputDimension,
		Timeout:            cfg.Processing.Timeout,
		Workers:            cfg.Processing.Workers,
		Observer:           metrics,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Config:   cfg,
		Pipeline: p,
		Metrics:  metrics,
		Version:  Version,
	})
	if err != nil {
		return err
	}
	hs := srv.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", hs.Addr).
			Str("version", Version).
			Str("commit", GitCommit).
			Str("resampler", resampler.Name()).
			Int("workers", cfg.Processing.Workers).
			Bool("rate_limit", limiter != nil).
			Msg("listening")
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// newLimiter builds the configured rate-limit backend. The returned limiter
// is nil when rate limiting is disabled.
func newLimiter(ctx context.Context, c config.RateLimitCfg) (ratelimit.Limiter, func(), error) {
	if !c.Enabled {
		log.Warn().Msg("rate limiting disabled")
		return nil, func() {}, nil
	}

	switch c.Backend {
	case "memory":
		store := ratelimit.NewMemoryStore(c.Requests, c.Window, ratelimit.WithCleanupEvery(c.CleanupInterval))
		store.StartJanitor(ctx)
		return store, func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// requests are admitted while redis is unreachable
			log.Warn().Err(err).Str("addr", c.RedisAddr).Msg("redis not reachable at startup")
		}
		store := ratelimit.NewRedisStore(rdb, c.Requests, c.Window, ratelimit.WithRedisPrefix(c.RedisPrefix))
		return store, func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", c.Backend)
	}
}
