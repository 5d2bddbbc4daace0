// Package notify sends batch status alerts to chat channels.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier forwards batch events whose status is in its filter to every
// sender.
type Notifier struct {
	senders  []Sender
	statuses map[domain.BatchStatus]bool
	logger   *slog.Logger
}

// NewNotifier creates a Notifier. An empty statuses list alerts on every
// status.
func NewNotifier(senders []Sender, statuses []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.BatchStatus]bool, len(statuses))
	for _, s := range statuses {
		allowed[domain.BatchStatus(strings.ToUpper(strings.TrimSpace(s)))] = true
	}
	return &Notifier{
		senders:  senders,
		statuses: allowed,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// BatchEvent alerts on ev when its status passes the filter.
func (n *Notifier) BatchEvent(ctx context.Context, ev domain.BatchEvent) error {
	if len(n.statuses) > 0 && !n.statuses[ev.Status] {
		return nil
	}
	title := fmt.Sprintf("Batch %d %s", ev.BatchID, ev.Status)
	msg := ev.At.UTC().Format("2006-01-02 15:04:05 MST")
	if ev.Message != "" {
		msg += "\n" + ev.Message
	}
	return n.dispatch(ctx, title, msg)
}

// Watch alerts on batch events from bus until ctx is done.
func (n *Notifier) Watch(ctx context.Context, bus domain.SignalBus) error {
	msgs, err := bus.Subscribe(ctx, domain.BatchEventsChannel)
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			var ev domain.BatchEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				n.logger.WarnContext(ctx, "malformed batch event", slog.String("error", err.Error()))
				continue
			}
			// Failures are logged by dispatch; one bad sender must not stop the watch.
			_ = n.BatchEvent(ctx, ev)
		}
	}
}

// dispatch delivers to every sender, joining their errors.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}
