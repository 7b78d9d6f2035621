// Trendline Worker — исполняет jobs из очередей.
//
// Worker:
//   - Захватывает jobs из брокера (polling + wake-up через RabbitMQ)
//   - Выполняет tick jobs: fan-out проход или очистку
//   - Передаёт per-entity jobs внешнему handler по HTTP
//   - Повторяет упавшие jobs с exponential backoff
//
// Workers масштабируются горизонтально.
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

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting trendline-worker", "broker", cfg.Broker.Kind)

	// graceful shutdown
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

	// Регистрация schedules идемпотентна, поэтому её выполняет каждый процесс
	if err := rt.Bootstrap(ctx); err != nil {
		fatal("failed to register schedules", err)
	}

	pool, err := rt.WorkerPool()
	if err != nil {
		fatal("failed to create worker pool", err)
	}
	if err := pool.Start(ctx); err != nil {
		fatal("failed to start worker pool", err)
	}

	ops := rt.NewOpsServer()
	ops.Start(func(err error) {
		logger.Error("http server error", "error", err)
		cancel()
	})

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = ops.Shutdown(shutdownCtx)

	// Ждём in-flight jobs
	pool.Stop()
	logger.Info("trendline-worker stopped")
}
