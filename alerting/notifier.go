package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskguard/taskguard/errors"
)

// Notifier is the send capability of a delivery target kind
type Notifier interface {
	Send(ctx context.Context, target *Target, event Event) error
}

// Registry maps target kinds to their Notifier implementations
type Registry struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
}

// NewRegistry creates an empty notifier registry
func NewRegistry() *Registry {
	return &Registry{notifiers: make(map[string]Notifier)}
}

// NewDefaultRegistry creates a registry with the built-in log and webhook notifiers
func NewDefaultRegistry(logger *zap.SugaredLogger) *Registry {
	r := NewRegistry()
	r.Register(TargetKindLog, NewLogNotifier(logger))
	r.Register(TargetKindWebhook, NewWebhookNotifier(10*time.Second))
	return r
}

// Register adds a notifier for a target kind, replacing any existing one
func (r *Registry) Register(kind string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[kind] = n
}

// Get returns the notifier for a target kind
func (r *Registry) Get(kind string) (Notifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.notifiers[kind]
	if !ok {
		return nil, errors.Newf("no notifier registered for target kind %q", kind)
	}
	return n, nil
}

// LogNotifier writes events to the structured log. Used as the default
// target kind and as the delivery stub in tests.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier creates a log-backed notifier
func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send logs the event at warn level
func (n *LogNotifier) Send(ctx context.Context, target *Target, event Event) error {
	n.logger.Warnw("ALERT "+event.Summary,
		"target", target.Name,
		"severity", event.Severity,
		"kind", event.Kind,
		"grouping_key", event.GroupingKey,
		"entity_kind", event.EntityKind,
		"entity_id", event.EntityID,
	)
	return nil
}

// WebhookNotifier POSTs events as JSON to the target's webhook URL
type WebhookNotifier struct {
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier with the given request timeout
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{client: &http.Client{Timeout: timeout}}
}

// webhookPayload is the wire shape of a delivered event
type webhookPayload struct {
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	GroupingKey string `json:"grouping_key"`
	Summary     string `json:"summary"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id"`
	OccurredAt  string `json:"occurred_at"`
}

// Send delivers the event; any non-2xx response is a send failure
func (n *WebhookNotifier) Send(ctx context.Context, target *Target, event Event) error {
	if target.WebhookURL == "" {
		return errors.Newf("webhook target %s has no URL configured", target.ID)
	}

	body, err := json.Marshal(webhookPayload{
		Kind:        event.Kind,
		Severity:    string(event.Severity),
		GroupingKey: event.GroupingKey,
		Summary:     event.Summary,
		EntityKind:  event.EntityKind,
		EntityID:    event.EntityID,
		OccurredAt:  event.OccurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "webhook send to %s failed", target.Name)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("webhook send to %s returned status %d", target.Name, resp.StatusCode)
	}

	return nil
}
