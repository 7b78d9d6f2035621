package repo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/fanout"
)

// CandidateRepo — выборки кандидатов fan-out.
// Реализует fanout.Source.
type CandidateRepo struct {
	pool *pgxpool.Pool
}

var _ fanout.Source = (*CandidateRepo)(nil)

// NewCandidateRepo создаёт новый CandidateRepo.
func NewCandidateRepo(pool *pgxpool.Pool) *CandidateRepo {
	return &CandidateRepo{pool: pool}
}

// ConnectionsExpiringBefore возвращает подключения с токеном, истекающим раньше t.
// Самые срочные первыми: при обрезке по limit остаток уйдёт в следующий цикл.
func (r *CandidateRepo) ConnectionsExpiringBefore(ctx context.Context, t time.Time, limit int) ([]domain.ConnectionRef, error) {
	query := `
		SELECT id::text, user_id::text, platform, token_expires_at
		FROM social_connections
		WHERE token_expires_at IS NOT NULL AND token_expires_at < $1
		ORDER BY token_expires_at ASC
		LIMIT $2
	`
	return collect[domain.ConnectionRef](ctx, r.pool, "connections expiring", query, t, limit)
}

// Connections возвращает все подключённые аккаунты.
func (r *CandidateRepo) Connections(ctx context.Context, limit int) ([]domain.ConnectionRef, error) {
	query := `
		SELECT id::text, user_id::text, platform, token_expires_at
		FROM social_connections
		ORDER BY id
		LIMIT $1
	`
	return collect[domain.ConnectionRef](ctx, r.pool, "connections", query, limit)
}

// ActiveKeywords возвращает активные ключевые слова.
func (r *CandidateRepo) ActiveKeywords(ctx context.Context, limit int) ([]domain.KeywordRef, error) {
	query := `
		SELECT id::text, user_id::text, keyword
		FROM keywords
		WHERE is_active
		ORDER BY id
		LIMIT $1
	`
	return collect[domain.KeywordRef](ctx, r.pool, "active keywords", query, limit)
}

// CompetitorLinks возвращает связи с конкурентами вместе с creator id.
func (r *CandidateRepo) CompetitorLinks(ctx context.Context, limit int) ([]domain.CompetitorRef, error) {
	query := `
		SELECT c.id::text, c.user_id::text, cr.id::text
		FROM competitors c
		JOIN creators cr ON cr.id = c.creator_id
		ORDER BY c.id
		LIMIT $1
	`
	return collect[domain.CompetitorRef](ctx, r.pool, "competitor links", query, limit)
}

// TrackedPosts возвращает публичные посты, отслеживаемые напрямую
// или через creator, которого отслеживает хотя бы один пользователь.
func (r *CandidateRepo) TrackedPosts(ctx context.Context, limit int) ([]domain.TrackedPostRef, error) {
	query := `
		SELECT p.id::text, p.creator_id::text, p.platform_post_id
		FROM public_posts p
		WHERE p.is_tracked
		   OR EXISTS (SELECT 1 FROM competitors c WHERE c.creator_id = p.creator_id)
		ORDER BY p.id
		LIMIT $1
	`
	return collect[domain.TrackedPostRef](ctx, r.pool, "tracked posts", query, limit)
}

// ActiveAlerts возвращает активные alerts.
func (r *CandidateRepo) ActiveAlerts(ctx context.Context, limit int) ([]domain.AlertRef, error) {
	query := `
		SELECT id::text, user_id::text, kind
		FROM alerts
		WHERE is_active
		ORDER BY id
		LIMIT $1
	`
	return collect[domain.AlertRef](ctx, r.pool, "active alerts", query, limit)
}

// collect выполняет запрос и сканирует строки в T по позициям колонок.
func collect[T any](ctx context.Context, pool *pgxpool.Pool, what, query string, args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "query %s", what), fanout.ErrQueryFailed)
	}

	items, err := pgx.CollectRows(rows, pgx.RowToStructByPos[T])
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "scan %s", what), fanout.ErrQueryFailed)
	}
	return items, nil
}
