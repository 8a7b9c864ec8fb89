package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/aarongabrielcy/codec-gateway/internal/events"
)

// Webhook POSTs every AvlRecord event as JSON to a configured URL,
// matching the HTTP fan-out spec.md §1 names as an out-of-core
// collaborator. Delivery is best-effort: a failed POST is retried a
// bounded number of times with linear backoff and then dropped, since
// spec.md's non-goals rule out delivery guarantees across a disconnect.
type Webhook struct {
	url        string
	client     *http.Client
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration
}

// NewWebhook constructs a Webhook posting to url.
func NewWebhook(url string, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:        url,
		client:     &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
	}
}

func (w *Webhook) Handle(e events.Event) {
	if e.Kind != events.KindAvlRecord || e.Record == nil {
		return
	}
	payload := BuildTracking(e.IMEI, e.Record)
	body, err := json.Marshal(payload)
	if err != nil {
		w.logger.Error("webhook marshal failed", "imei", e.IMEI, "err", err)
		return
	}
	go w.deliver(body, e.IMEI)
}

func (w *Webhook) deliver(body []byte, imei string) {
	ctx := context.Background()
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.backoff * time.Duration(attempt))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return
		}
		lastErr = &httpStatusError{resp.StatusCode}
	}
	w.logger.Warn("webhook delivery failed", "imei", imei, "err", lastErr)
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string {
	return http.StatusText(e.code)
}
