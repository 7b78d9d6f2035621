package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/mq"
	"github.com/shaiso/Trendline/internal/queue"
	"github.com/shaiso/Trendline/internal/telemetry"
)

// HardMaxConcurrency — верхняя граница одновременных handlers в процессе
// независимо от конфигурации. Защищает лимиты API платформы.
const HardMaxConcurrency = 50

// Default configuration values.
const (
	defaultConcurrency  = 10
	defaultPollInterval = 2 * time.Second
	defaultJobTimeout   = 5 * time.Minute
	defaultPrefetch     = 10

	// trimInterval — не чаще одного trim очереди за этот интервал.
	trimInterval = 30 * time.Second
)

// EffectiveConcurrency возвращает размер пула для запрошенного значения:
// не больше HardMaxConcurrency, по умолчанию defaultConcurrency.
func EffectiveConcurrency(requested int) int {
	if requested <= 0 {
		return defaultConcurrency
	}
	return min(requested, HardMaxConcurrency)
}

// DeadLetter получает копию job, перешедшего в DEAD.
type DeadLetter interface {
	PublishJobDead(ctx context.Context, payload mq.JobDeadPayload) error
}

// Config — конфигурация Pool.
type Config struct {
	Broker broker.Broker

	// Queues — реестр очередей (retention политика и имена).
	Queues *queue.Registry

	// QueueNames — обслуживаемые очереди (пусто — все из Queues).
	QueueNames []string

	// Handlers — реестр handlers (обязательно).
	Handlers *Registry

	// Concurrency — число одновременных handlers (clamp до HardMaxConcurrency).
	Concurrency int

	// PollInterval — интервал polling, если нет wake-up событий (default: 2s).
	PollInterval time.Duration

	// JobTimeout — таймаут одного вызова handler (default: 5m).
	JobTimeout time.Duration

	// RatePerSec и RateBurst — token bucket перед каждым handler (0 — без ограничения).
	RatePerSec float64
	RateBurst  int

	// Conn — RabbitMQ для wake-up событий (опционально).
	Conn *mq.Connection

	// DeadLetter — публикация мёртвых jobs (опционально).
	DeadLetter DeadLetter

	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Pool — пул воркеров.
//
// На каждую очередь работает свой claim-цикл; все циклы делят общий
// семафор из Concurrency слотов. Слот захватывается до Claim, поэтому
// пул никогда не держит больше jobs в ACTIVE, чем может выполнять.
//
// Jobs приходят двумя путями:
//   - wake-up событие job.enqueued из RabbitMQ (event-driven)
//   - polling раз в PollInterval (fallback)
type Pool struct {
	broker     broker.Broker
	queues     *queue.Registry
	queueNames []string
	handlers   *Registry

	concurrency  int
	sem          *semaphore.Weighted
	limiter      *rate.Limiter
	pollInterval time.Duration
	jobTimeout   time.Duration

	conn       *mq.Connection
	deadLetter DeadLetter
	consumer   *mq.Consumer

	clock   func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics

	wake map[string]chan struct{}

	trimMu   sync.Mutex
	lastTrim map[string]time.Time

	// Lifecycle
	cancelFunc context.CancelFunc
	loops      sync.WaitGroup
	inflight   sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// New создаёт Pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Broker == nil || cfg.Queues == nil || cfg.Handlers == nil {
		return nil, errors.New("worker: broker, queues and handlers are required")
	}

	names := cfg.QueueNames
	if len(names) == 0 {
		names = cfg.Queues.Names()
	}
	for _, name := range names {
		if _, err := cfg.Queues.Get(name); err != nil {
			return nil, errors.Wrap(err, "worker")
		}
	}

	concurrency := EffectiveConcurrency(cfg.Concurrency)

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(cfg.RateBurst, 1))
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wake := make(map[string]chan struct{}, len(names))
	for _, name := range names {
		wake[name] = make(chan struct{}, 1)
	}

	return &Pool{
		broker:       cfg.Broker,
		queues:       cfg.Queues,
		queueNames:   names,
		handlers:     cfg.Handlers,
		concurrency:  concurrency,
		sem:          semaphore.NewWeighted(int64(concurrency)),
		limiter:      limiter,
		pollInterval: pollInterval,
		jobTimeout:   jobTimeout,
		conn:         cfg.Conn,
		deadLetter:   cfg.DeadLetter,
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
		wake:         wake,
		lastTrim:     make(map[string]time.Time),
	}, nil
}

// Concurrency возвращает фактический размер пула.
func (p *Pool) Concurrency() int {
	return p.concurrency
}

// Start запускает claim-циклы и (если задан Conn) wake-up consumer.
func (p *Pool) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancelFunc = cancel

	p.logger.Info("starting worker pool",
		"queues", p.queueNames,
		"concurrency", p.concurrency,
		"poll_interval", p.pollInterval,
		"handlers", p.handlers.Names(),
	)

	if p.conn != nil {
		p.consumer = mq.NewConsumer(p.conn, p.logger, mq.ConsumerConfig{
			Declare: func(ctx context.Context) (string, error) {
				return mq.DeclareWakeupQueue(ctx, p.conn)
			},
			Handler:  p.handleWakeup,
			Prefetch: defaultPrefetch,
		})

		p.loops.Add(1)
		go func() {
			defer p.loops.Done()
			if err := p.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("wakeup consumer error", "error", err)
			}
		}()
	}

	for _, name := range p.queueNames {
		p.loops.Add(1)
		go func() {
			defer p.loops.Done()
			p.queueLoop(ctx, name)
		}()
	}

	return nil
}

// Stop останавливает пул: новые jobs не захватываются,
// выполняющиеся handlers дорабатывают до конца (или до JobTimeout).
func (p *Pool) Stop() {
	p.stoppedMu.Lock()
	p.stopped = true
	p.stoppedMu.Unlock()

	p.logger.Info("stopping worker pool...")

	if p.cancelFunc != nil {
		p.cancelFunc()
	}
	if p.consumer != nil {
		p.consumer.Stop()
	}

	p.loops.Wait()
	p.inflight.Wait()

	p.logger.Info("worker pool stopped")
}

// IsStopped проверяет, остановлен ли пул.
func (p *Pool) IsStopped() bool {
	p.stoppedMu.RLock()
	defer p.stoppedMu.RUnlock()
	return p.stopped
}

// Wake будит claim-цикл очереди, не дожидаясь polling.
func (p *Pool) Wake(queue string) {
	ch, ok := p.wake[queue]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// handleWakeup обрабатывает событие job.enqueued.
func (p *Pool) handleWakeup(_ context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.JobEnqueuedPayload](&delivery.Message)
	if err != nil {
		p.logger.Warn("failed to parse job.enqueued payload", "error", err)
		// Повтор не поможет: ack
		return nil
	}
	p.Wake(payload.Queue)
	return nil
}

// queueLoop — claim-цикл одной очереди.
func (p *Pool) queueLoop(ctx context.Context, name string) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	// Первый проход сразу при старте (подхватываем jobs, поставленные пока были выключены)
	for {
		p.drain(ctx, name)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake[name]:
		}
	}
}

// drain захватывает jobs очереди, пока есть свободные слоты и доступные jobs.
func (p *Pool) drain(ctx context.Context, name string) {
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}

		job, err := p.broker.Claim(ctx, name, p.clock())
		if err != nil || job == nil {
			p.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("failed to claim job", "queue", name, "error", err)
			}
			return
		}

		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			defer p.sem.Release(1)
			// Остановка пула не прерывает уже захваченный job
			p.process(context.WithoutCancel(ctx), job)
		}()
	}
}

// RunOnce синхронно захватывает и выполняет один job очереди.
// Возвращает false, если доступных jobs нет, и ErrWorkerStopped после Stop.
func (p *Pool) RunOnce(ctx context.Context, name string) (bool, error) {
	if p.IsStopped() {
		return false, ErrWorkerStopped
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer p.sem.Release(1)

	job, err := p.broker.Claim(ctx, name, p.clock())
	if err != nil {
		return false, errors.Wrapf(err, "claim from %s", name)
	}
	if job == nil {
		return false, nil
	}

	p.process(ctx, job)
	return true, nil
}
