package domain

import "time"

// Candidate references — минимальные проекции, которые fan-out читает из хранилища.
// Scheduler их не изменяет.

// ConnectionRef — подключённый аккаунт социальной платформы.
type ConnectionRef struct {
	ID             string
	UserID         string
	Platform       string
	TokenExpiresAt *time.Time
}

// KeywordRef — отслеживаемое ключевое слово.
type KeywordRef struct {
	ID      string
	UserID  string
	Keyword string
}

// CompetitorRef — связь пользователя с конкурентом и его creator записью.
type CompetitorRef struct {
	ID        string
	UserID    string
	CreatorID string
}

// TrackedPostRef — публичный пост, отслеживаемый напрямую или через creator.
type TrackedPostRef struct {
	ID             string
	CreatorID      string
	PlatformPostID string
}

// AlertRef — активный alert.
type AlertRef struct {
	ID     string
	UserID string
	Kind   string
}
