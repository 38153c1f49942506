// Command pipsupervisord runs pips (sandboxed or not) on demand and serves
// a diagnostics surface over the ones currently in flight or recently
// archived.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pipsandbox/supervisor/internal/config"
	"github.com/pipsandbox/supervisor/internal/diagnostics"
	"github.com/pipsandbox/supervisor/internal/reportstore"
	"github.com/pipsandbox/supervisor/pkg/sandbox"
)

func main() {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("main")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	store := reportstore.NewClient(cfg.RedisAddr, cfg.RedisDB, log)
	defer store.Close()

	registry := sandbox.NewRegistry()
	ordinals := reportstore.NewOrdinalAllocator()

	server := diagnostics.New(cfg.ListenAddr, registry, store, ordinals, cfg.Dev, log)

	go func() {
		if err := server.ListenAndServe(); err != nil {
			log.Fatal("diagnostics server failed", zap.Error(err))
		}
	}()

	// Demo run: exercises the full sandboxed path end to end so the
	// archive and diagnostics routes have something to show on a cold
	// start. A real deployment would drive runs from a build-graph
	// scheduler instead.
	go runDemoPip(context.Background(), cfg, registry, store, ordinals, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
}

func runDemoPip(ctx context.Context, cfg config.Config, registry *sandbox.Registry, store *reportstore.Client, ordinals *reportstore.OrdinalAllocator, log *zap.Logger) {
	runID := uuid.New()
	ord := ordinals.Assign(runID)
	log.Info("starting demo run", zap.String("run_id", runID.String()), zap.Int("ordinal", ord))

	sup := sandbox.New(runID, sandbox.Options{
		Argv:                []string{"/bin/echo", "pipsupervisor ready"},
		Timeout:             cfg.DefaultTimeout,
		DumpDirectory:       cfg.DumpDirectory,
		Sandboxed:           true,
		CollectFileAccesses: true,
		AccountingPool:      registry.AccountingPool(),
	}, log)

	startedAt := time.Now()
	if err := sup.Start(ctx); err != nil {
		log.Error("demo run failed to start", zap.Error(err))
		ordinals.Release(runID)
		return
	}
	registry.Track(sup, startedAt)

	result, err := sup.GetResult(ctx)
	if err != nil {
		log.Error("demo run result unavailable", zap.Error(err))
		return
	}

	if err := reportstore.Archive(ctx, store, runID, result); err != nil {
		log.Warn("demo run archive failed", zap.Error(err))
	}
	log.Info("demo run complete", zap.Int32("exit_code", result.ExitCode))
}
