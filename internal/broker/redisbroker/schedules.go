package redisbroker

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Trendline/internal/broker"
	"github.com/shaiso/Trendline/internal/domain"
)

// UpsertSchedule создаёт или обновляет schedule по имени.
func (b *Broker) UpsertSchedule(ctx context.Context, schedule *domain.Schedule) error {
	if err := broker.ValidateSchedule(schedule); err != nil {
		return err
	}

	key := b.keys.schedules()
	return b.watch(ctx, "upsert schedule", func(tx *redis.Tx) error {
		existing, err := b.loadSchedule(ctx, tx, schedule.Name)
		if err != nil {
			return err
		}

		now := time.Now()
		s := *schedule
		s.UpdatedAt = now
		if existing != nil {
			s.CreatedAt = existing.CreatedAt
			s.LastRunAt = existing.LastRunAt
			if existing.Trigger.Equal(s.Trigger) {
				s.NextRunAt = existing.NextRunAt
			}
		} else {
			s.CreatedAt = now
		}

		return b.storeSchedule(ctx, tx, &s)
	}, key)
}

// ListSchedules возвращает все schedules по имени.
func (b *Broker) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	raw, err := b.client.HGetAll(ctx, b.keys.schedules()).Result()
	if err != nil {
		return nil, broker.Unavailable(err, "list schedules")
	}

	schedules := make([]domain.Schedule, 0, len(raw))
	for name, data := range raw {
		var s domain.Schedule
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, errors.Wrapf(err, "decode schedule %s", name)
		}
		schedules = append(schedules, s)
	}
	sort.Slice(schedules, func(i, k int) bool { return schedules[i].Name < schedules[k].Name })
	return schedules, nil
}

// AdvanceSchedule сдвигает NextRunAt с from на to (compare-and-set).
func (b *Broker) AdvanceSchedule(ctx context.Context, name string, from, to time.Time) (bool, error) {
	var advanced bool
	err := b.watch(ctx, "advance schedule", func(tx *redis.Tx) error {
		advanced = false

		s, err := b.loadSchedule(ctx, tx, name)
		if err != nil || s == nil || !s.NextRunAt.Equal(from) {
			return err
		}

		fired := from
		s.LastRunAt = &fired
		s.NextRunAt = to
		s.UpdatedAt = time.Now()
		if err := b.storeSchedule(ctx, tx, s); err != nil {
			return err
		}
		advanced = true
		return nil
	}, b.keys.schedules())
	return advanced, err
}

func (b *Broker) loadSchedule(ctx context.Context, tx *redis.Tx, name string) (*domain.Schedule, error) {
	data, err := tx.HGet(ctx, b.keys.schedules(), name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var s domain.Schedule
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "decode schedule %s", name)
	}
	return &s, nil
}

func (b *Broker) storeSchedule(ctx context.Context, tx *redis.Tx, s *domain.Schedule) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "encode schedule %s", s.Name)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.keys.schedules(), s.Name, data)
		return nil
	})
	return err
}
