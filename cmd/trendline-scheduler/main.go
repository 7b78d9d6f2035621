// Trendline Scheduler — регистрирует recurring schedules и ставит tick jobs.
//
// Scheduler:
//   - При старте делает upsert всех schedules
//   - Каждые scheduler.tick_interval ставит tick jobs для наступивших schedules
//
// Несколько экземпляров безопасны: срабатывание занимается через CAS
// по next_run_at, а tick job дедуплицируется ключом schedule.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Trendline/internal/app"
	"github.com/shaiso/Trendline/internal/config"
	"github.com/shaiso/Trendline/internal/telemetry"
)

func main() {
	configFile := flag.String("config", "", "Path to TOML config (default $"+config.FileEnv+")")
	flag.Parse()

	cfg, err := config.Load(config.ResolveFile(*configFile))
	if err != nil {
		telemetry.SetupLogger("info", "json").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting trendline-scheduler", "broker", cfg.Broker.Kind)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.New(ctx, cfg, logger, app.Options{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		logger.Error("failed to initialize runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	// os.Exit не выполняет defer: ресурсы закрываются явно
	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		_ = rt.Close()
		os.Exit(1)
	}

	if err := rt.Bootstrap(ctx); err != nil {
		fatal("failed to register schedules", err)
	}

	ops := rt.NewOpsServer()
	ops.Start(func(err error) {
		logger.Error("http server error", "error", err)
		cancel()
	})

	// Блокируется до отмены ctx
	rt.Scheduler().Run(ctx, cfg.Scheduler.TickInterval)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = ops.Shutdown(shutdownCtx)

	logger.Info("trendline-scheduler stopped")
}
