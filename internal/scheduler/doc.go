// Package scheduler регистрирует и исполняет recurring schedules.
//
// Каждое семейство jobs (token-refresh, analytics-sync, ..., data-cleanup)
// имеет один schedule, который по trigger ставит tick job "<family>.tick"
// в очередь семейства. Tick job потребляет fan-out dispatcher.
//
// Структура:
//   - registrar.go — DefaultTriggers, Definitions и Registrar (upsert при старте)
//   - scheduler.go — Tick: due schedules → tick job → сдвиг next_run_at
//   - cron.go      — разбор trigger и вычисление следующего срабатывания
//
// Использование:
//
//	defs, err := scheduler.Definitions(cfg.Scheduler.Triggers)
//	if err != nil {
//	    return err
//	}
//	if err := scheduler.NewRegistrar(b, nil, logger).Register(ctx, defs); err != nil {
//	    return err // фатально для старта процесса
//	}
//
//	sched := scheduler.New(scheduler.Config{Broker: b, Queues: queues, Logger: logger})
//	sched.Run(ctx, time.Second)
//
// Leader election:
//
// Не нужен. Tick безопасно вызывать из нескольких процессов:
// ключ дедупликации tick job и compare-and-set при сдвиге next_run_at
// дают ровно один tick job на каждое срабатывание.
package scheduler
