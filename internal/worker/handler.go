package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shaiso/Trendline/internal/domain"
)

// Handler — обработчик jobs одного имени.
//
// Ошибка означает неудачную попытку: брокер повторит job с backoff.
// Успешный возврат завершает job.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) error
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, job *domain.Job) error

// Handle вызывает f.
func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) error {
	return f(ctx, job)
}

// Registry — реестр handlers по имени job.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register добавляет handler для имени job. Повторная регистрация заменяет handler.
func (r *Registry) Register(jobName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobName] = h
}

// Get возвращает handler для имени job.
func (r *Registry) Get(jobName string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[jobName]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownJob, "%s", jobName)
	}
	return h, nil
}

// Names возвращает имена зарегистрированных jobs.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
