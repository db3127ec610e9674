package killswitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// EventType names a kill-switch transition.
type EventType string

const (
	EventActivated   EventType = "kill_switch.activated"
	EventDeactivated EventType = "kill_switch.deactivated"
)

// Event is what notifiers receive.
type Event struct {
	Type    EventType                 `json:"type"`
	State   contracts.KillSwitchState `json:"state"`
	Receipt Receipt                   `json:"receipt"`
}

// Notifier delivers kill-switch events on a best-effort basis.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev Event) error {
	slog.WarnContext(ctx, "kill switch event",
		"type", ev.Type, "active", ev.State.Active, "reason", ev.Receipt.Reason, "actor", ev.Receipt.Actor)
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookNotifier posts the event as JSON, e.g. to a chat incoming webhook.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(map[string]any{
		"text":  fmt.Sprintf("Training governor %s: %s", ev.Type, ev.Receipt.Reason),
		"event": ev,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
