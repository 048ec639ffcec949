package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Envelope is the standardized callback body posted to the caller's URL.
type Envelope struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data"`
	Error    *string        `json:"error"`
	Metadata map[string]any `json:"metadata"`
}

// Notifier delivers job completion envelopes out of band. Delivery is
// best-effort: failures are logged and never re-open the job.
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, env Envelope)
}

// NopNotifier discards all notifications. Used when callbacks are
// disabled entirely.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, callbackURL string, env Envelope) {}

// WebhookNotifier POSTs envelopes to the caller-supplied URL. A job with
// no callback URL is a silent no-op.
type WebhookNotifier struct {
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier with a bounded delivery
// timeout.
func NewWebhookNotifier(timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, callbackURL string, env Envelope) {
	if callbackURL == "" {
		return
	}

	body, err := json.Marshal(env)
	if err != nil {
		n.logger.Error("marshal callback envelope", "url", callbackURL, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("create callback request", "url", callbackURL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("callback delivery failed", "url", callbackURL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("callback rejected", "url", callbackURL, "status", resp.Status)
		return
	}
	n.logger.Debug("callback delivered", "url", callbackURL, "status", resp.Status)
}

// successEnvelope builds the envelope for a completed job.
func successEnvelope(job *Job, result any) Envelope {
	return Envelope{
		Success:  true,
		Data:     result,
		Metadata: envelopeMetadata(job),
	}
}

// failureEnvelope builds the envelope for a failed job.
func failureEnvelope(job *Job, errMsg string) Envelope {
	return Envelope{
		Success:  false,
		Error:    &errMsg,
		Metadata: envelopeMetadata(job),
	}
}

func envelopeMetadata(job *Job) map[string]any {
	return map[string]any{
		"job_id":   job.ID,
		"job_type": string(job.Type),
		"status":   string(job.Status),
		"trace_id": job.TraceID,
	}
}
