// Package telemetry — логирование и метрики процессов Trendline.
//
// Логгер создаётся из секции [log] конфигурации (level, format). Воркер
// кладёт логгер с job_id и queue в контекст handler, поэтому внешние
// handlers пишут логи с теми же атрибутами.
//
// Метрики fan-out проходов, исполнения jobs и срабатываний schedules
// регистрируются в переданном prometheus.Registerer и отдаются на /metrics.
package telemetry
