package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/shaiso/Trendline/internal/domain"
	"github.com/shaiso/Trendline/internal/telemetry"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPHandler передаёт job внешнему handler по HTTP.
//
// Логика per-entity jobs (вызовы API платформы, агрегация) живёт
// в веб-приложении. Воркер делает POST {BaseURL}/{job.Name}:
//
//	{"job_id": "...", "queue": "...", "name": "...", "attempt": 1, "payload": {...}}
//
// Ответ 2xx — успех. Любой другой код или сетевая ошибка — неудачная попытка.
// Заголовок Idempotency-Key = ключ дедупликации (или id job), чтобы
// повтор после таймаута не выполнил работу дважды.
type HTTPHandler struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPHandler создаёт HTTPHandler.
func NewHTTPHandler(baseURL string, timeout time.Duration) *HTTPHandler {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPHandler{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

type httpJobRequest struct {
	JobID   string         `json:"job_id"`
	Queue   string         `json:"queue"`
	Name    string         `json:"name"`
	Attempt int            `json:"attempt"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Handle выполняет HTTP-запрос.
func (h *HTTPHandler) Handle(ctx context.Context, job *domain.Job) error {
	body, err := json.Marshal(httpJobRequest{
		JobID:   job.ID,
		Queue:   job.Queue,
		Name:    job.Name,
		Attempt: job.Attempts,
		Payload: job.Payload,
	})
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/"+job.Name, bytes.NewReader(body))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "create request"), ErrHTTPRequest)
	}
	req.Header.Set("Content-Type", "application/json")

	idempotencyKey := job.DedupKey
	if idempotencyKey == "" {
		idempotencyKey = job.ID
	}
	req.Header.Set("Idempotency-Key", idempotencyKey)

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "POST %s", job.Name), ErrHTTPRequest)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Mark(
			errors.Newf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
			ErrHTTPRequest,
		)
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	telemetry.FromContext(ctx).Debug("external handler accepted job", "status", resp.StatusCode)
	return nil
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
