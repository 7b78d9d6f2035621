// Package dedup строит ключи дедупликации для fan-out jobs.
//
// Ключ = "{tag}-{entity_id}-{window}", где window — UTC-час в формате
// "2006-01-02-15". Два вызова в пределах одного UTC-часа дают один и тот же
// ключ, поэтому повторный fan-out в том же часе брокер отбросит как дубликат.
// В следующем часе ключ другой — и сущность получает свежий job.
package dedup

import (
	"fmt"
	"time"
)

// windowLayout — часовой bucket (год-месяц-день-час).
const windowLayout = "2006-01-02-15"

// Window возвращает часовое окно дедупликации для момента t (в UTC).
func Window(t time.Time) string {
	return t.UTC().Format(windowLayout)
}

// Key строит ключ дедупликации для (tag, entityID) в окне момента now.
func Key(tag, entityID string, now time.Time) string {
	return tag + "-" + entityID + "-" + Window(now)
}

// ScheduleKey строит ключ tick job для одного срабатывания schedule.
// Несколько scheduler-процессов, сработавших на одно и то же время,
// получат одинаковый ключ.
func ScheduleKey(name string, fireAt time.Time) string {
	return fmt.Sprintf("schedule:%s:%d", name, fireAt.Unix())
}
