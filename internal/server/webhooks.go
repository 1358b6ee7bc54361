package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"experimenter/internal/config"
	"experimenter/internal/domain"
	"experimenter/internal/engine"
	"experimenter/internal/metrics"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *zap.Logger
	metrics  *metrics.Metrics
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhooks delivers new changelog entries to the configured webhooks
// until ctx is cancelled. It reports whether a dispatcher was started.
func StartWebhooks(ctx context.Context, e engine.Engine, logger *zap.Logger, m *metrics.Metrics) bool {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return false
	}
	d := newWebhookDispatcher(e, e.Config.Webhooks, logger, m)
	go d.run(ctx)
	return true
}

func newWebhookDispatcher(e engine.Engine, hooks []config.WebhookConfig, logger *zap.Logger, m *metrics.Metrics) *webhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &webhookDispatcher{
		engine:   e,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.Named("webhooks"),
		metrics:  m,
		cursors:  make(map[int]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.engine.Repo.ChangelogAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Error("fetch changelog failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, c := range entries {
		if !filter.match(c.Kind) {
			d.setCursor(idx, c.ID)
			continue
		}
		err := d.postEvent(ctx, hook, c)
		d.metrics.Webhook(err == nil)
		if err != nil {
			d.logger.Warn("delivery failed", zap.String("url", hook.URL), zap.Int64("changelog_id", c.ID), zap.Error(err))
			return
		}
		d.setCursor(idx, c.ID)
	}
}

// cursorFor starts new hooks at the current end of the changelog so history
// is not replayed.
func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestChangelogID(ctx)
	if err != nil {
		d.logger.Error("init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID               int64           `json:"id"`
	Kind             string          `json:"kind"`
	ExperimentID     int64           `json:"experiment_id"`
	ActorID          string          `json:"actor_id"`
	TS               string          `json:"ts"`
	Message          string          `json:"message,omitempty"`
	OldStatus        string          `json:"old_status,omitempty"`
	NewStatus        string          `json:"new_status,omitempty"`
	OldPublishStatus string          `json:"old_publish_status,omitempty"`
	NewPublishStatus string          `json:"new_publish_status,omitempty"`
	Payload          json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, c domain.ChangelogEntry) error {
	payload := json.RawMessage("{}")
	if c.Payload != "" && json.Valid([]byte(c.Payload)) {
		payload = json.RawMessage(c.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:               c.ID,
		Kind:             c.Kind,
		ExperimentID:     c.ExperimentID,
		ActorID:          c.ActorID,
		TS:               c.TS,
		Message:          c.Message,
		OldStatus:        c.OldStatus,
		NewStatus:        c.NewStatus,
		OldPublishStatus: c.OldPublish,
		NewPublishStatus: c.NewPublish,
		Payload:          payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Experimenter-Event", c.Kind)
	req.Header.Set("X-Experimenter-Delivery", fmt.Sprintf("%d", c.ID))
	req.Header.Set("X-Experimenter-Experiment", fmt.Sprintf("%d", c.ExperimentID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Experimenter-Secret", hook.Secret)
	}
	res, err := client.Do(req)
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

func newEventFilter(kinds []string) eventFilter {
	if len(kinds) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
