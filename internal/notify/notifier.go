// Package notify delivers operator alerts about the upstream market-data
// connection to chat webhooks (Telegram, Discord). Alerts can be filtered by
// event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Event types raised by ConnectivityAlerter.
const (
	EventUpstreamDown      = "upstream_down"
	EventUpstreamRecovered = "upstream_recovered"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches notifications to every Sender whose event type is
// allowed.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If events is empty, all event types are
// allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Notify sends a notification to all senders if the event type is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}

	// A failing sender does not stop delivery to the others.
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
