package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/domain"
)

// DefaultTriggers — расписание семейств по умолчанию.
func DefaultTriggers() map[domain.Family]domain.Trigger {
	return map[domain.Family]domain.Trigger{
		domain.FamilyTokenRefresh:       domain.Every(12 * time.Hour),
		domain.FamilyAnalyticsSync:      domain.Every(6 * time.Hour),
		domain.FamilyAccountSnapshot:    domain.Cron("0 2 * * *"),
		domain.FamilyKeywordTrend:       domain.Cron("0 3 * * *"),
		domain.FamilyCompetitorSnapshot: domain.Every(6 * time.Hour),
		domain.FamilyEngagementSnapshot: domain.Every(4 * time.Hour),
		domain.FamilyAlertEvaluation:    domain.Every(2 * time.Hour),
		domain.FamilyDataCleanup:        domain.Cron("0 4 * * *"),
	}
}

// Definitions строит schedules всех семейств с учётом overrides
// (family → trigger в формате ParseTrigger).
func Definitions(overrides map[string]string) ([]domain.Schedule, error) {
	triggers := DefaultTriggers()
	for name, spec := range overrides {
		family, ok := domain.ParseFamily(name)
		if !ok {
			return nil, errors.Newf("trigger override for unknown family %q", name)
		}
		t, err := ParseTrigger(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "trigger override for %s", name)
		}
		triggers[family] = t
	}

	families := domain.ScheduledFamilies()
	defs := make([]domain.Schedule, 0, len(families))
	for _, f := range families {
		defs = append(defs, domain.Schedule{
			Name:    f.String(),
			Queue:   f.Queue(),
			JobName: f.TickJob(),
			Trigger: triggers[f],
		})
	}
	return defs, nil
}

// Registrar регистрирует recurring schedules при старте процесса.
type Registrar struct {
	broker broker.Broker
	clock  func() time.Time
	logger *slog.Logger
}

// NewRegistrar создаёт Registrar.
func NewRegistrar(b broker.Broker, clock func() time.Time, logger *slog.Logger) *Registrar {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{broker: b, clock: clock, logger: logger}
}

// Register upsert'ит все schedules.
//
// Первая ошибка прерывает регистрацию и возвращается вызывающему:
// процесс не должен работать с частично зарегистрированным набором.
func (r *Registrar) Register(ctx context.Context, defs []domain.Schedule) error {
	now := r.clock()

	for i := range defs {
		s := defs[i]

		next, err := NextFireTime(s.Trigger, now)
		if err != nil {
			return errors.Wrapf(err, "register schedule %s", s.Name)
		}
		s.NextRunAt = next

		if err := r.broker.UpsertSchedule(ctx, &s); err != nil {
			return errors.Wrapf(err, "register schedule %s", s.Name)
		}

		r.logger.Info("schedule registered",
			"schedule", s.Name,
			"queue", s.Queue,
			"trigger", s.Trigger.String(),
		)
	}
	return nil
}
