package fanout

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shaiso/Trendline/internal/domain"
)

// ErrQueryFailed — хранилище не вернуло кандидатов. Прерывает проход
// только для одного семейства.
var ErrQueryFailed = errors.New("candidate query failed")

// Source — read-only выборки кандидатов из хранилища.
//
// Каждый метод возвращает не больше limit строк.
type Source interface {
	// ConnectionsExpiringBefore — подключения, токен которых истекает раньше t.
	ConnectionsExpiringBefore(ctx context.Context, t time.Time, limit int) ([]domain.ConnectionRef, error)

	// Connections — все подключённые аккаунты.
	Connections(ctx context.Context, limit int) ([]domain.ConnectionRef, error)

	// ActiveKeywords — активные ключевые слова.
	ActiveKeywords(ctx context.Context, limit int) ([]domain.KeywordRef, error)

	// CompetitorLinks — связи с конкурентами вместе с creator id.
	CompetitorLinks(ctx context.Context, limit int) ([]domain.CompetitorRef, error)

	// TrackedPosts — публичные посты, отслеживаемые напрямую или через creator.
	TrackedPosts(ctx context.Context, limit int) ([]domain.TrackedPostRef, error)

	// ActiveAlerts — активные alerts.
	ActiveAlerts(ctx context.Context, limit int) ([]domain.AlertRef, error)
}
