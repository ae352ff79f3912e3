package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"mediatoolkit/internal/adapter"
	"mediatoolkit/internal/api"
	"mediatoolkit/internal/artifact"
	"mediatoolkit/internal/config"
	fileutil "mediatoolkit/internal/file"
	"mediatoolkit/internal/progress"
	"mediatoolkit/internal/ratelimit"
	"mediatoolkit/internal/retention"
	"mediatoolkit/internal/schedule"
	"mediatoolkit/internal/task"
	"mediatoolkit/internal/upload"
)

const configEnv = "TOOLKIT_CONFIG"

type services struct {
	runner    *task.Runner
	store     progress.Store
	artifacts *artifact.Store
	limiter   *ratelimit.Limiter
	sweeper   *retention.Sweeper
	scheduler *schedule.Scheduler
}

func main() {
	configPath := flag.String("config", envOr(configEnv, "config.yml"), "path to the YAML config file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir} {
		if err := fileutil.EnsureDir(dir); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("ensure dir")
		}
	}

	svc := buildServices(cfg)
	adapter.CheckTools(cfg.Tools.FFmpeg, cfg.Tools.Pandoc)

	startup := svc.sweeper.Sweep(cfg.Retention.StartupMaxAge.Std())
	log.Info().Int("removed", startup.Removed).Msg("startup cleanup finished")
	if err := scheduleJobs(cfg, svc); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule background jobs")
	}
	svc.scheduler.Start()

	router := setupRouter()
	wireAPI(router, cfg, svc)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	svc.runner.SetBaseContext(baseCtx)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 30 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Str("progress_backend", cfg.Progress.Backend).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, svc, cfg.Retention.CleanOnExit, shutdownTimeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	return r
}

func buildServices(cfg config.Config) *services {
	store := buildProgressStore(cfg.Progress)
	return &services{
		runner: task.NewRunnerWithOptions(task.Options{
			Store:              store,
			MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		}),
		store:     store,
		artifacts: artifact.NewStore(cfg.OutputDir),
		limiter:   ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window.Std()),
		sweeper:   retention.NewSweeper(cfg.UploadDir, cfg.OutputDir),
		scheduler: schedule.New(),
	}
}

func buildProgressStore(cfg config.ProgressConfig) progress.Store {
	if cfg.Backend != "redis" {
		return progress.NewMemoryStore()
	}
	store, err := progress.NewRedisStore(progress.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.TTL.Std(),
	})
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect progress store")
	}
	return store
}

func scheduleJobs(cfg config.Config, svc *services) error {
	if err := svc.sweeper.Register(svc.scheduler, cfg.Retention.Interval.Std(), cfg.Retention.MaxAge.Std()); err != nil {
		return fmt.Errorf("retention sweep: %w", err)
	}
	err := svc.scheduler.Every("ratelimit-prune", cfg.RateLimit.PruneInterval.Std(), func() {
		if n := svc.limiter.Prune(); n > 0 {
			log.Debug().Int("removed", n).Msg("pruned idle rate-limit windows")
		}
	})
	if err != nil {
		return fmt.Errorf("rate-limit prune: %w", err)
	}
	if ttl := cfg.Progress.TTL.Std(); ttl > 0 && cfg.Progress.Backend == "memory" {
		err = svc.scheduler.Every("progress-prune", cfg.Retention.Interval.Std(), func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if n, err := svc.runner.PruneRecords(ctx, ttl); err != nil {
				log.Warn().Err(err).Msg("progress prune failed")
			} else if n > 0 {
				log.Debug().Int("removed", n).Msg("pruned finished progress records")
			}
		})
		if err != nil {
			return fmt.Errorf("progress prune: %w", err)
		}
	}
	return nil
}

func wireAPI(router *gin.Engine, cfg config.Config, svc *services) {
	var throttle *rate.Limiter
	if cfg.Throttle.RequestsPerSecond > 0 {
		throttle = rate.NewLimiter(rate.Limit(cfg.Throttle.RequestsPerSecond), max(cfg.Throttle.Burst, 1))
	}
	apiHandler := api.NewAPI(api.Deps{
		Runner:    svc.runner,
		Artifacts: svc.artifacts,
		Validator: upload.NewValidator(cfg.MaxUploadSize, cfg.AllowedExtensions),
		Limiter:   svc.limiter,
		Throttle:  throttle,
		UploadDir: cfg.UploadDir,
		Tools: api.Tools{
			FFmpeg:  cfg.Tools.FFmpeg,
			Pandoc:  cfg.Tools.Pandoc,
			Timeout: cfg.Tools.CommandTimeout.Std(),
		},
		HTTPClient:       &http.Client{Timeout: adapter.DefaultDownloadTimeout},
		MaxDownloadBytes: cfg.MaxUploadSize,
		MaxExtractBytes:  cfg.MaxExtractSize,
	})
	apiHandler.RegisterRoutes(router)
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, svc *services, cleanOnExit bool, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !svc.runner.WaitAll(ctx) {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	if !svc.scheduler.Stop(ctx) {
		log.Warn().Msg("scheduled jobs did not finish before timeout")
	}
	if cleanOnExit {
		res := svc.sweeper.Sweep(0)
		log.Info().Int("removed", res.Removed).Msg("exit cleanup finished")
	}
	if closer, ok := svc.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Msg("closing progress store failed")
		}
	}
	log.Info().Msg("server exited cleanly")
}
