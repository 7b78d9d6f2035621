// Package submit создаёт одиночные jobs вне fan-out цикла.
//
// Submitter вызывается синхронно из API-слоя:
//   - SchedulePost — отложенная публикация поста
//   - CollectKeyword — немедленный сбор по ключевому слову с повышенным приоритетом
//   - GenerateReport — генерация отчёта
//
// Валидация входных данных (например, что время публикации в будущем)
// выполняется до вызова и здесь не повторяется.
package submit

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/queue"
)

// Submitter — ad hoc job creator.
type Submitter struct {
	posts    *queue.Queue
	keywords *queue.Queue
	reports  *queue.Queue
	clock    func() time.Time
	logger   *slog.Logger
}

// New создаёт Submitter поверх реестра очередей.
func New(reg *queue.Registry, clock func() time.Time, logger *slog.Logger) (*Submitter, error) {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Submitter{clock: clock, logger: logger}

	var err error
	if s.posts, err = reg.Get(domain.QueuePostPublish); err != nil {
		return nil, errors.Wrap(err, "submitter")
	}
	if s.keywords, err = reg.Get(domain.FamilyKeywordTrend.Queue()); err != nil {
		return nil, errors.Wrap(err, "submitter")
	}
	if s.reports, err = reg.Get(domain.QueueReportGenerate); err != nil {
		return nil, errors.Wrap(err, "submitter")
	}
	return s, nil
}

// SchedulePost ставит публикацию поста на время publishAt.
//
// Задержка = publishAt - now. Если время уже прошло, job доступен сразу.
// Ключ дедупликации не используется: каждый запрос уникален.
func (s *Submitter) SchedulePost(ctx context.Context, postID string, publishAt time.Time) (*queue.Handle, error) {
	delay := publishAt.Sub(s.clock())

	h, err := s.posts.Enqueue(ctx, domain.JobPostPublish,
		map[string]any{"post_id": postID},
		queue.WithDelay(delay),
	)
	if err != nil {
		return nil, err
	}

	s.logger.Info("post scheduled",
		"post_id", postID,
		"job_id", h.ID,
		"eligible_at", h.EligibleAt,
	)
	return h, nil
}

// CollectKeyword ставит немедленный сбор по ключевому слову.
// Высокий приоритет не даёт часовому fan-out backlog задержать его.
func (s *Submitter) CollectKeyword(ctx context.Context, keywordID, keyword string) (*queue.Handle, error) {
	h, err := s.keywords.Enqueue(ctx, domain.JobKeywordCollect,
		map[string]any{"keyword_id": keywordID, "keyword": keyword},
		queue.WithPriority(domain.PriorityHigh),
	)
	if err != nil {
		return nil, err
	}

	s.logger.Info("keyword collection requested", "keyword_id", keywordID, "job_id", h.ID)
	return h, nil
}

// GenerateReport ставит генерацию отчёта.
// Статус отчёта ведёт хранилище, а не очередь.
func (s *Submitter) GenerateReport(ctx context.Context, reportID string) (*queue.Handle, error) {
	h, err := s.reports.Enqueue(ctx, domain.JobReportGenerate,
		map[string]any{"report_id": reportID},
	)
	if err != nil {
		return nil, err
	}

	s.logger.Info("report generation requested", "report_id", reportID, "job_id", h.ID)
	return h, nil
}
