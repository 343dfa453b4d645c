// Command apitap-run loads a pipeline config, discovers and renders every
// SQL module under a modules root, registers each at its declared cron
// schedule, and serves health/metrics until SIGINT. Grounded on
// original_source/src/cmd/mod.rs's `run_pipeline` entrypoint (load config
// → discover modules → render each → register trigger → wait for
// ctrl_c()) and on orchid/pkg/scheduler's construct-once-then-Start/Stop
// lifecycle. Per SPEC_FULL.md §6, flags use the standard library's `flag`
// package — no CLI flag-parsing library appears anywhere in the examples
// pack, so this is a documented stdlib justification rather than a gap.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Ramsey-B/apitap/internal/config"
	"github.com/Ramsey-B/apitap/internal/distlock"
	"github.com/Ramsey-B/apitap/internal/health"
	"github.com/Ramsey-B/apitap/internal/logging"
	"github.com/Ramsey-B/apitap/internal/orchestrator"
	"github.com/Ramsey-B/apitap/internal/scheduler"
	"github.com/Ramsey-B/apitap/internal/templating"
	itracing "github.com/Ramsey-B/apitap/internal/tracing"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	defaultLogLevel := "info"
	if v := os.Getenv("APITAP_LOG_LEVEL"); v != "" {
		defaultLogLevel = v
	}
	var (
		modulesDir = flag.String("modules", "pipelines", "directory of templated SQL modules")
		yamlConfig = flag.String("yaml-config", "pipelines.yaml", "path to the sources/targets YAML config")
		logJSON    = flag.Bool("log-json", os.Getenv("APITAP_LOG_FORMAT") == "json", "emit JSON logs instead of human-readable console logs")
		logLevel   = flag.String("log-level", defaultLogLevel, "minimum log level (debug, info, warn, error)")
		healthAddr = flag.String("health-addr", ":8080", "listen address for /healthz, /readyz, /metrics")
	)
	flag.StringVar(modulesDir, "m", *modulesDir, "shorthand for -modules")
	flag.StringVar(yamlConfig, "y", *yamlConfig, "shorthand for -yaml-config")
	flag.Parse()

	logger, err := logging.New(*logLevel, *logJSON)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	tracerProvider := itracing.NewProvider(logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	cfg, err := config.Load(*yamlConfig)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", *yamlConfig, err)
	}
	if err := cfg.OpenPools(25, 10); err != nil {
		return fmt.Errorf("opening target pools: %w", err)
	}

	var redisClient *redis.Client
	var locker distlock.Locker
	if addr := os.Getenv("APITAP_REDIS_ADDR"); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
		locker = distlock.NewRedisLocker(redisClient, "apitap:lock:")
		logger.Infof("using redis-backed scheduler lock at %s", addr)
	} else {
		locker = distlock.NewLocalLocker()
		logger.Infof("no APITAP_REDIS_ADDR set; using in-process scheduler lock")
	}

	checker := health.NewChecker(sinkPools(cfg), redisClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, logger)
	trigger := scheduler.NewCronTrigger()
	sched := scheduler.New(trigger, orch, locker, logger)

	renderer := templating.NewRenderer()
	modulePaths, err := templating.ListModules(*modulesDir)
	if err != nil {
		return fmt.Errorf("discovering modules under %s: %w", *modulesDir, err)
	}

	registered := 0
	for _, path := range modulePaths {
		sql, capture, err := renderer.Render(path)
		if err != nil {
			return fmt.Errorf("rendering module %s: %w", path, err)
		}
		if capture.Schedule == "" {
			logger.Warnf("module %s declares no schedule(); skipping", path)
			continue
		}

		name := moduleName(path)
		if err := sched.Register(scheduler.Module{
			Name:     name,
			Schedule: capture.Schedule,
			Source:   capture.Source,
			Sink:     capture.Sink,
			SQL:      sql,
		}); err != nil {
			return fmt.Errorf("registering module %s: %w", path, err)
		}
		registered++
		logger.Infof("registered module %s on schedule %q", name, capture.Schedule)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	checker.SetReady(true)

	mux := http.NewServeMux()
	checker.RegisterRoutes(mux)
	httpServer := &http.Server{Addr: *healthAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Errorf("health server stopped unexpectedly")
		}
	}()

	logger.Infof("apitap-run started: %d modules registered", registered)
	<-ctx.Done()

	logger.Infof("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)
	if redisClient != nil {
		_ = redisClient.Close()
	}

	return nil
}

func moduleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func sinkPools(cfg *config.Config) map[string]*sqlx.DB {
	pools := make(map[string]*sqlx.DB, len(cfg.Targets))
	for name, tgt := range cfg.Targets {
		pools[name] = tgt.Pool
	}
	return pools
}
