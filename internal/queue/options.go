package queue

import (
	"time"

	"github.com/shaiso/Trendline/internal/domain"
)

// Option — опция enqueue.
type Option func(*options)

type options struct {
	dedupKey string
	delay    time.Duration
	priority *int
	retry    *domain.RetryPolicy
}

// WithDedupKey задаёт ключ дедупликации.
func WithDedupKey(key string) Option {
	return func(o *options) { o.dedupKey = key }
}

// WithDelay откладывает доступность job. Отрицательная задержка
// трактуется как нулевая: job доступен сразу.
func WithDelay(d time.Duration) Option {
	return func(o *options) { o.delay = max(d, 0) }
}

// WithPriority задаёт приоритет (меньше — раньше).
func WithPriority(p int) Option {
	return func(o *options) { o.priority = &p }
}

// WithRetry переопределяет политику повторов очереди.
func WithRetry(p domain.RetryPolicy) Option {
	return func(o *options) { o.retry = &p }
}
