package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// webhookQueueSize is the bounded channel capacity for outbound audit events.
const webhookQueueSize = 1024

// WebhookSink dispatches audit events to an external HTTP endpoint.
// Events are enqueued non-blockingly into a bounded channel and sent
// by a background goroutine. If the channel is full, events are dropped.
type WebhookSink struct {
	url        string
	authHeader string // "Header: Value" format, e.g., "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
	events     chan Event
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewWebhookSink creates a webhook dispatcher and starts its background loop.
func NewWebhookSink(url, authHeader string, logger *slog.Logger) *WebhookSink {
	return newWebhookSink(url, authHeader, logger, webhookQueueSize, time.Second)
}

func newWebhookSink(url, authHeader string, logger *slog.Logger, queue int, retryDelay time.Duration) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	w := &WebhookSink{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		retryDelay: retryDelay,
		events:     make(chan Event, queue),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Record adds an event to the dispatch queue. If the queue is full, the
// event is dropped and a warning is logged. This method never blocks.
func (w *WebhookSink) Record(_ context.Context, evt Event) error {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("audit webhook: queue full, dropping event", "event", evt.Action)
	}
	return nil
}

// Close shuts down the dispatcher, draining any remaining events.
func (w *WebhookSink) Close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *WebhookSink) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the event to the configured URL with one retry on 5xx.
func (w *WebhookSink) send(evt Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("audit webhook: marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("audit webhook: request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "fieldkey-audit-webhook/1.0")

		if w.authHeader != "" {
			parts := strings.SplitN(w.authHeader, ":", 2)
			if len(parts) == 2 {
				req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("audit webhook: request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode >= 500 {
			w.logger.Warn("audit webhook: server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}
		w.logger.Warn("audit webhook: client error", "status", resp.StatusCode)
		return
	}
}
