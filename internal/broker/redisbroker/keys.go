package redisbroker

import "strconv"

// Раскладка ключей (prefix по умолчанию "trendline"):
//
//	{p}:job:{id}              — JSON job
//	{p}:dedup:{key}           — id job, держащего ключ дедупликации
//	{p}:q:{queue}:delayed     — zset PENDING, score = eligible_at (ms)
//	{p}:q:{queue}:ready       — zset PENDING и уже доступных, score = readyScore
//	{p}:q:{queue}:active      — zset ACTIVE, score = claimed_at (ms)
//	{p}:q:{queue}:completed   — zset COMPLETED, score = finished_at (ms)
//	{p}:q:{queue}:dead        — zset DEAD, score = finished_at (ms)
//	{p}:schedules             — hash name → JSON schedule
type keys struct {
	prefix string
}

func (k keys) job(id string) string      { return k.prefix + ":job:" + id }
func (k keys) dedup(key string) string   { return k.prefix + ":dedup:" + key }
func (k keys) delayed(q string) string   { return k.prefix + ":q:" + q + ":delayed" }
func (k keys) ready(q string) string     { return k.prefix + ":q:" + q + ":ready" }
func (k keys) active(q string) string    { return k.prefix + ":q:" + q + ":active" }
func (k keys) completed(q string) string { return k.prefix + ":q:" + q + ":completed" }
func (k keys) dead(q string) string      { return k.prefix + ":q:" + q + ":dead" }
func (k keys) schedules() string         { return k.prefix + ":schedules" }

// priorityWeight разводит приоритеты в score ready-множества:
// eligible_at в миллисекундах меньше 1e13 до 2286 года.
const priorityWeight = 1e13

// maxScoredPriority — приоритеты выше обрезаются, чтобы score
// оставался точным в float64.
const maxScoredPriority = 800

// readyScore упорядочивает доступные jobs: priority ASC, затем eligible_at ASC.
func readyScore(priority int, eligibleAtMs int64) float64 {
	p := min(max(priority, 0), maxScoredPriority)
	return float64(p)*priorityWeight + float64(eligibleAtMs)
}

func msScore(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
