package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lingxian/groupbuy/internal/domain"
)

// Notification event types emitted by the Watcher.
const (
	EventSettlementFailed = "settlement_failed"
	EventGroupFailed      = "group_failed"
)

// Watcher listens to the group event bus and converts anomalies into operator
// notifications. The one that matters most is a settlement failure: shoppers
// filled a group that the stock pool could not back, which usually means the
// activity was oversold relative to demand.
type Watcher struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewWatcher creates a Watcher over the given bus and notifier.
func NewWatcher(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_watcher")),
	}
}

// Run subscribes to every activity's event channel and dispatches alerts
// until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	msgCh, err := w.bus.Subscribe(ctx, domain.EventChannelPattern)
	if err != nil {
		return fmt.Errorf("notify: subscribe events: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgCh:
			if !ok {
				return nil
			}
			w.handle(ctx, data)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, data []byte) {
	var ev domain.GroupEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		w.logger.WarnContext(ctx, "undecodable group event", slog.String("error", err.Error()))
		return
	}
	if ev.Type != domain.EventGroupFailed {
		return
	}

	// A failed instance at full size is a settlement failure; anything
	// smaller is a routine expiry.
	event := EventGroupFailed
	title := "Group failed"
	if ev.CurrentSize >= ev.GroupSize && ev.GroupSize > 0 {
		event = EventSettlementFailed
		title = "Settlement failed"
	}

	message := fmt.Sprintf(
		"group %s (activity %d): %d/%d members, status %s",
		ev.GroupNo, ev.ActivityID, ev.CurrentSize, ev.GroupSize, ev.Status,
	)

	if err := w.notifier.Notify(ctx, event, title, message); err != nil {
		w.logger.WarnContext(ctx, "notify dispatch failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
