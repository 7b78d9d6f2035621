package app

import (
	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/scheduler"
	"github.com/shaiso/Trendline/internal/worker"
)

// Handlers собирает реестр handlers процесса.
//
//   - "<family>.tick" → fan-out проход семейства
//   - "data-cleanup.tick" → восстановление зависших jobs и retention
//   - per-entity и ad hoc jobs → HTTPHandler, если задан worker.handler_url
func (rt *Runtime) Handlers() *worker.Registry {
	reg := worker.NewRegistry()

	if rt.Fanout != nil {
		for _, f := range rt.Fanout.Families() {
			runner, err := rt.Fanout.Get(f)
			if err != nil {
				continue
			}
			reg.Register(f.TickJob(), worker.FanoutHandler(runner))
		}
	}

	reg.Register(domain.FamilyDataCleanup.TickJob(), worker.CleanupHandler(
		rt.Broker, rt.Queues, rt.Config.Worker.StalledAfter, rt.Clock, rt.Logger,
	))

	if url := rt.Config.Worker.HandlerURL; url != "" {
		h := worker.NewHTTPHandler(url, rt.Config.Worker.HandlerTimeout)
		for _, f := range domain.FanoutFamilies() {
			reg.Register(f.RunJob(), h)
		}
		for _, name := range []string{domain.JobPostPublish, domain.JobKeywordCollect, domain.JobReportGenerate} {
			reg.Register(name, h)
		}
	} else {
		rt.Logger.Warn("worker.handler_url is not set, per-entity jobs have no handler")
	}

	return reg
}

// WorkerPool создаёт пул воркеров по конфигурации.
func (rt *Runtime) WorkerPool() (*worker.Pool, error) {
	cfg := worker.Config{
		Broker:       rt.Broker,
		Queues:       rt.Queues,
		QueueNames:   rt.Config.Worker.Queues,
		Handlers:     rt.Handlers(),
		Concurrency:  rt.Config.Worker.Concurrency,
		PollInterval: rt.Config.Worker.PollInterval,
		JobTimeout:   rt.Config.Worker.JobTimeout,
		RatePerSec:   rt.Config.Worker.RatePerSec,
		RateBurst:    rt.Config.Worker.RateBurst,
		Conn:         rt.MQ,
		Clock:        rt.Clock,
		Logger:       rt.Logger,
		Metrics:      rt.Metrics,
	}
	if rt.Publisher != nil {
		cfg.DeadLetter = rt.Publisher
	}

	if requested := rt.Config.Worker.Concurrency; requested > worker.HardMaxConcurrency {
		rt.Logger.Warn("worker.concurrency exceeds hard maximum, clamping",
			"requested", requested, "max", worker.HardMaxConcurrency)
	}
	return worker.New(cfg)
}

// Scheduler создаёт runner recurring schedules.
func (rt *Runtime) Scheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{
		Broker:  rt.Broker,
		Queues:  rt.Queues,
		Clock:   rt.Clock,
		Logger:  rt.Logger,
		Metrics: rt.Metrics,
	})
}
