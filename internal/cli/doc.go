// Package cli реализует операционный инструмент командной строки Trendline.
//
// # Обзор
//
// CLI работает напрямую с брокером и data store через app.Runtime:
// показывает schedules и очереди, запускает fan-out проход вручную
// и ставит ad hoc jobs.
//
// # Ключевые компоненты
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: trendline queues stats --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - schedules: list, register
//   - dispatch FAMILY
//   - jobs: list, show
//   - queues: stats
//   - submit: post, keyword, report
//
// Каждая группа создаётся через фабричную функцию (NewSchedulesCmd и т.д.),
// принимающую runtimeFn и outputFn — замыкания для ленивого создания
// Runtime и Output после парсинга PersistentFlags.
package cli

import (
	"context"
	"time"

	"github.com/shaiso/Trendline/internal/app"
)

// RuntimeFunc лениво создаёт Runtime процесса.
type RuntimeFunc func(ctx context.Context) (*app.Runtime, error)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
