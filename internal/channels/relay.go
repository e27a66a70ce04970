package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/agent-channels/internal/agent"
	otelPkg "github.com/basket/agent-channels/internal/otel"
)

// NotificationSource is the agent's push channel.
type NotificationSource interface {
	SubscribeNotifications(onEvent func(agent.Notification), onError func(error)) (unsubscribe func())
}

// NotificationRelay forwards agent notifications to a single chat.
type NotificationRelay struct {
	source    NotificationSource
	sender    Sender
	recipient int64
	logger    *slog.Logger
	metrics   *otelPkg.Metrics

	mu          sync.Mutex
	started     bool
	unsubscribe func()
}

func NewNotificationRelay(source NotificationSource, sender Sender, recipient int64, logger *slog.Logger, metrics *otelPkg.Metrics) *NotificationRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationRelay{
		source:    source,
		sender:    sender,
		recipient: recipient,
		logger:    logger.With("component", "notification_relay", "recipient", recipient),
		metrics:   metrics,
	}
}

// Start subscribes to the notification stream. Only the first call has any
// effect.
func (r *NotificationRelay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.unsubscribe = r.source.SubscribeNotifications(r.forward, r.onError)
	r.logger.Info("notification relay started")
}

// Stop releases the subscription. Later calls do nothing.
func (r *NotificationRelay) Stop() {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if unsubscribe == nil {
		return
	}
	unsubscribe()
	r.logger.Info("notification relay stopped")
}

func (r *NotificationRelay) forward(n agent.Notification) {
	ctx := context.Background()
	if _, err := r.sender.Send(r.recipient, n.Text, FormatPlain); err != nil {
		r.metrics.CountNotification(ctx, true)
		r.logger.Error("failed to forward notification", "source", n.Source, "error", err)
		return
	}
	r.metrics.CountNotification(ctx, false)
	r.logger.Debug("notification forwarded", "source", n.Source, "timestamp", n.Timestamp)
}

func (r *NotificationRelay) onError(err error) {
	r.logger.Warn("notification stream error, will reconnect automatically", "error", err)
}
