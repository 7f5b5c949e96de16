package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyline/internal/config"
	"storyline/internal/logging"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultQueueSize      = 256
)

// WebhookSink POSTs events as JSON to the configured URLs from a background
// goroutine. Emit only enqueues; a full queue drops the event with a warning.
type WebhookSink struct {
	hooks  []config.WebhookConfig
	client *http.Client
	logger *slog.Logger
	queue  chan Event

	closeOnce sync.Once
	done      chan struct{}
}

func NewWebhookSink(hooks []config.WebhookConfig, queueSize int, client *http.Client, logger *slog.Logger) *WebhookSink {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	var enabled []config.WebhookConfig
	for _, h := range hooks {
		if h.IsEnabled() && strings.TrimSpace(h.URL) != "" {
			enabled = append(enabled, h)
		}
	}
	s := &WebhookSink{
		hooks:  enabled,
		client: client,
		logger: logging.OrNop(logger),
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *WebhookSink) Emit(_ context.Context, evt Event) {
	if len(s.hooks) == 0 {
		return
	}
	select {
	case s.queue <- evt:
	default:
		s.logger.Warn("webhook queue full; dropping event", "type", evt.Type, "entity_id", evt.EntityID)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (s *WebhookSink) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
	<-s.done
}

func (s *WebhookSink) run() {
	defer close(s.done)
	for evt := range s.queue {
		for _, hook := range s.hooks {
			if !newEventFilter(hook.Events).match(evt.Type) {
				continue
			}
			if err := s.post(hook, evt); err != nil {
				s.logger.Error("webhook delivery failed", "url", hook.URL, "type", evt.Type, "error", err.Error())
			}
		}
	}
}

func (s *WebhookSink) post(hook config.WebhookConfig, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Storyline-Event", evt.Type)
	req.Header.Set("X-Storyline-Delivery", uuid.NewString())
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Storyline-Secret", hook.Secret)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
