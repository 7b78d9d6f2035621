package queue

import (
	"log/slog"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shaiso/Trendline/internal/broker"
)

// ErrUnknownQueue — очередь не зарегистрирована.
var ErrUnknownQueue = errors.New("unknown queue")

// Config — конфигурация Registry.
type Config struct {
	Broker broker.Broker

	// Policy — политика всех очередей (zero value → DefaultPolicy()).
	Policy Policy

	// EnqueueTimeout — таймаут одного enqueue (0 — без таймаута).
	EnqueueTimeout time.Duration

	// Notifier — опционально.
	Notifier Notifier

	// Clock — источник времени (default: time.Now).
	Clock func() time.Time

	Logger *slog.Logger
}

// Registry — фиксированный набор именованных очередей.
type Registry struct {
	queues map[string]*Queue
}

// NewRegistry создаёт очередь для каждого имени.
func NewRegistry(cfg Config, names ...string) *Registry {
	policy := cfg.Policy
	if policy.Retry.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{queues: make(map[string]*Queue, len(names))}
	for _, name := range names {
		r.queues[name] = &Queue{
			name:     name,
			policy:   policy,
			broker:   cfg.Broker,
			timeout:  cfg.EnqueueTimeout,
			notifier: cfg.Notifier,
			clock:    clock,
			logger:   logger,
		}
	}
	return r
}

// Get возвращает очередь по имени.
func (r *Registry) Get(name string) (*Queue, error) {
	q, ok := r.queues[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownQueue, "%s", name)
	}
	return q, nil
}

// MustGet возвращает очередь или паникует. Для wiring при старте.
func (r *Registry) MustGet(name string) *Queue {
	q, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return q
}

// Names возвращает имена очередей по алфавиту.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
