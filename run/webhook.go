package run

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const webhookTimeout = 30 * time.Second

// webhookPayload is the terminal-status notification POSTed to a run's
// callback_url.
type webhookPayload struct {
	ThreadID     string     `json:"thread_id"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RunName      string     `json:"run_name"`
	CreatedAt    time.Time  `json:"created_at"`
	LLMModel     string     `json:"llm_model,omitempty"`
	FailedSkill  string     `json:"failed_skill,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// webhookDispatcher fires terminal notifications. Delivery is
// fire-and-forget: a failed POST is logged and never retried.
type webhookDispatcher struct {
	client *http.Client
	logger *slog.Logger
}

func newWebhookDispatcher(client *http.Client, logger *slog.Logger) *webhookDispatcher {
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &webhookDispatcher{client: client, logger: logger}
}

// Notify posts the run's terminal status to its callback URL in the
// background. A nil dispatcher or empty URL is a no-op.
func (w *webhookDispatcher) Notify(m *Metadata) {
	if w == nil || m == nil || m.CallbackURL == "" {
		return
	}
	payload := webhookPayload{
		ThreadID:     m.ThreadID,
		Status:       m.Status,
		ErrorMessage: m.ErrorMessage,
		RunName:      m.RunName,
		CreatedAt:    m.CreatedAt,
		LLMModel:     m.LLMModel,
		FailedSkill:  m.FailedSkill,
		CompletedAt:  m.CompletedAt,
	}
	go w.post(m.CallbackURL, m.ThreadID, payload)
}

func (w *webhookDispatcher) post(url, threadID string, payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error("webhook payload encode failed", "thread_id", threadID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("webhook request build failed", "thread_id", threadID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook delivery failed", "thread_id", threadID, "url", url, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.logger.Warn("webhook rejected", "thread_id", threadID, "url", url, "status", resp.StatusCode)
		return
	}
	w.logger.Debug("webhook delivered", "thread_id", threadID, "status", payload.Status)
}
