package fanout

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/shaiso/Trendline/internal/domain"
)

// TokenRefresh — подключения, токен которых истекает в пределах буфера.
var TokenRefresh = Family[domain.ConnectionRef]{
	Family: domain.FamilyTokenRefresh,
	Select: func(ctx context.Context, src Source, sel Selection) ([]domain.ConnectionRef, error) {
		return src.ConnectionsExpiringBefore(ctx, sel.Now.Add(sel.TokenRefreshBuffer), sel.Limit)
	},
	EntityID: func(c domain.ConnectionRef) string { return c.ID },
	Payload: func(c domain.ConnectionRef) map[string]any {
		return map[string]any{"connection_id": c.ID}
	},
}

// AnalyticsSync — по одному job на каждый подключённый аккаунт.
var AnalyticsSync = Family[domain.ConnectionRef]{
	Family: domain.FamilyAnalyticsSync,
	Select: func(ctx context.Context, src Source, sel Selection) ([]domain.ConnectionRef, error) {
		return src.Connections(ctx, sel.Limit)
	},
	EntityID: func(c domain.ConnectionRef) string { return c.ID },
	Payload: func(c domain.ConnectionRef) map[string]any {
		return map[string]any{
			"connection_id": c.ID,
			"user_id":       c.UserID,
			"platform":      c.Platform,
		}
	},
}

// AccountSnapshot — ежедневный снимок каждого аккаунта.
var AccountSnapshot = Family[domain.ConnectionRef]{
	Family: domain.FamilyAccountSnapshot,
	Select: func(ctx context.Context, src Source, sel Selection) ([]domain.ConnectionRef, error) {
		return src.Connections(ctx, sel.Limit)
	},
	EntityID: func(c domain.ConnectionRef) string { return c.ID },
	Payload: func(c domain.ConnectionRef) map[string]any {
		return map[string]any{"connection_id": c.ID}
	},
}

// KeywordTrend — активные ключевые слова.
var KeywordTrend = Family[domain.KeywordRef]{
	Family: domain.FamilyKeywordTrend,
	Select: func(ctx context.Context, src Source, sel Selection) ([]domain.KeywordRef, error) {
		return src.ActiveKeywords(ctx, sel.Limit)
	},
	EntityID: func(k domain.KeywordRef) string { return k.ID },
	Payload: func(k domain.KeywordRef) map[string]any {
		return map[string]any{"keyword_id": k.ID, "keyword": k.Keyword}
	},
}

// CompetitorSnapshot — связи с конкурентами вместе с creator.
var CompetitorSnapshot = Family[domain.CompetitorRef]{
	Family: domain.FamilyCompetitorSnapshot,
	Select: func(ctx context.Context, src Source, sel Selection) ([]domain.CompetitorRef, error) {
		return src.CompetitorLinks(ctx, sel.Limit)
	},
	EntityID: func(c domain.CompetitorRef) string { return c.ID },
	Payload: func(c domain.CompetitorRef) map[string]any {
		return map[string]any{"competitor_id": c.ID, "creator_id": c.CreatorID}
	},
}

// EngagementSnapshot — отслеживаемые публичные посты.
var EngagementSnapshot = Family[domain.TrackedPostRef]{
	Family: domain.FamilyEngagementSnapshot,
	Select: func(ctx context.Context, src Source, sel Selection) ([]domain.TrackedPostRef, error) {
		return src.TrackedPosts(ctx, sel.Limit)
	},
	EntityID: func(p domain.TrackedPostRef) string { return p.ID },
	Payload: func(p domain.TrackedPostRef) map[string]any {
		return map[string]any{
			"tracked_post_id":  p.ID,
			"creator_id":       p.CreatorID,
			"platform_post_id": p.PlatformPostID,
		}
	},
}

// AlertEvaluation — активные alerts.
var AlertEvaluation = Family[domain.AlertRef]{
	Family: domain.FamilyAlertEvaluation,
	Select: func(ctx context.Context, src Source, sel Selection) ([]domain.AlertRef, error) {
		return src.ActiveAlerts(ctx, sel.Limit)
	},
	EntityID: func(a domain.AlertRef) string { return a.ID },
	Payload: func(a domain.AlertRef) map[string]any {
		return map[string]any{"alert_id": a.ID}
	},
}

// ErrUnknownFamily — для семейства нет dispatcher.
var ErrUnknownFamily = errors.New("no dispatcher for family")

// Set — dispatchers всех семейств.
type Set struct {
	runners map[domain.Family]Runner
}

// NewSet создаёт dispatcher для каждого fan-out семейства.
func NewSet(cfg Config) (*Set, error) {
	s := &Set{runners: make(map[domain.Family]Runner)}

	add := func(r Runner, err error) error {
		if err != nil {
			return err
		}
		s.runners[r.Family()] = r
		return nil
	}

	for _, err := range []error{
		add(NewDispatcher(TokenRefresh, cfg)),
		add(NewDispatcher(AnalyticsSync, cfg)),
		add(NewDispatcher(AccountSnapshot, cfg)),
		add(NewDispatcher(KeywordTrend, cfg)),
		add(NewDispatcher(CompetitorSnapshot, cfg)),
		add(NewDispatcher(EngagementSnapshot, cfg)),
		add(NewDispatcher(AlertEvaluation, cfg)),
	} {
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Get возвращает dispatcher семейства.
func (s *Set) Get(f domain.Family) (Runner, error) {
	r, ok := s.runners[f]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFamily, "%s", f)
	}
	return r, nil
}

// Families возвращает семейства по алфавиту.
func (s *Set) Families() []domain.Family {
	families := make([]domain.Family, 0, len(s.runners))
	for f := range s.runners {
		families = append(families, f)
	}
	sort.Slice(families, func(i, k int) bool { return families[i] < families[k] })
	return families
}
