package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/mq"
	"github.com/shaiso/Trendline/internal/telemetry"
)

// process выполняет захваченный job и фиксирует результат в брокере.
//
//  1. Нет handler → DEAD без повторов (ErrUnknownJob)
//  2. Ожидание rate limiter
//  3. Вызов handler с JobTimeout
//  4. Успех → COMPLETED; ошибка → Fail (retry с backoff или DEAD)
//  5. DEAD → публикация в DLQ
func (p *Pool) process(ctx context.Context, job *domain.Job) {
	logger := telemetry.WithQueue(telemetry.WithJobID(p.logger, job.ID), job.Queue).
		With("job", job.Name, "attempt", job.Attempts)

	handler, err := p.handlers.Get(job.Name)
	if err != nil {
		logger.Error("no handler for job, moving to dead", "error", err)
		if buryErr := p.broker.Bury(ctx, job.ID, err, p.clock()); buryErr != nil {
			logger.Error("failed to bury job", "error", buryErr)
			return
		}
		job.MarkDead(err.Error(), p.clock())
		p.metrics.ObserveJob(job.Queue, job.Name, telemetry.OutcomeDead, 0)
		p.publishDead(ctx, job, logger)
		return
	}

	if err := p.limiter.Wait(ctx); err != nil {
		// Контекст отменён до старта handler: job вернётся через RecoverStalled
		logger.Warn("rate limiter wait aborted", "error", err)
		return
	}

	logger.Debug("job started")
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(telemetry.WithLogger(ctx, logger), p.jobTimeout)
	handlerErr := p.invoke(jobCtx, handler, job)
	cancel()

	elapsed := time.Since(start)
	now := p.clock()

	if handlerErr == nil {
		if err := p.broker.Complete(ctx, job.ID, now); err != nil {
			logger.Error("failed to complete job", "error", err)
			return
		}
		p.metrics.ObserveJob(job.Queue, job.Name, telemetry.OutcomeCompleted, elapsed)
		logger.Info("job completed", "duration", elapsed)
		p.maybeTrim(ctx, job.Queue)
		return
	}

	cause := errors.Mark(handlerErr, ErrHandlerFailed)
	state, err := p.broker.Fail(ctx, job.ID, cause, now)
	if err != nil {
		logger.Error("failed to record job failure", "error", err, "cause", handlerErr)
		return
	}

	if state == domain.JobStateDead {
		p.metrics.ObserveJob(job.Queue, job.Name, telemetry.OutcomeDead, elapsed)
		logger.Error("job exhausted retries, moved to dead", "error", handlerErr)
		job.MarkDead(handlerErr.Error(), now)
		p.publishDead(ctx, job, logger)
		p.maybeTrim(ctx, job.Queue)
		return
	}

	p.metrics.ObserveJob(job.Queue, job.Name, telemetry.OutcomeRetried, elapsed)
	logger.Warn("job failed, will retry",
		"error", handlerErr,
		"retry_in", job.Retry.Delay(job.Attempts),
	)
}

// invoke вызывает handler, превращая панику в ошибку.
func (p *Pool) invoke(ctx context.Context, h Handler, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrHandlerPanic, "%v", r)
		}
	}()
	return h.Handle(ctx, job)
}

// publishDead отправляет копию мёртвого job в DLQ.
func (p *Pool) publishDead(ctx context.Context, job *domain.Job, logger *slog.Logger) {
	if p.deadLetter == nil {
		return
	}

	err := p.deadLetter.PublishJobDead(ctx, mq.JobDeadPayload{
		JobID:    job.ID,
		Queue:    job.Queue,
		Name:     job.Name,
		Payload:  job.Payload,
		Attempts: job.Attempts,
		Error:    job.LastError,
	})
	if err != nil {
		// Не фатально: job уже DEAD в брокере
		logger.Warn("failed to publish job.dead", "error", err)
	}
}

// maybeTrim применяет retention очереди не чаще раза в trimInterval.
func (p *Pool) maybeTrim(ctx context.Context, name string) {
	now := p.clock()

	p.trimMu.Lock()
	if last, ok := p.lastTrim[name]; ok && now.Sub(last) < trimInterval {
		p.trimMu.Unlock()
		return
	}
	p.lastTrim[name] = now
	p.trimMu.Unlock()

	q, err := p.queues.Get(name)
	if err != nil {
		return
	}
	removed, err := q.Trim(ctx)
	if err != nil {
		p.logger.Warn("failed to trim queue", "queue", name, "error", err)
		return
	}
	if removed > 0 {
		p.logger.Debug("queue trimmed", "queue", name, "removed", removed)
	}
}
