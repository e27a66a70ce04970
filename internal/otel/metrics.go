package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names. Views in Init key off these.
const (
	instrumentAgentDuration = "channels.agent.duration"
)

// Metrics holds the bridge's metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	AgentRequestDuration   metric.Float64Histogram
	AgentRequestErrors     metric.Int64Counter
	TokensUsed             metric.Int64Counter
	MessagesHandled        metric.Int64Counter
	AccessDenied           metric.Int64Counter
	NotificationsForwarded metric.Int64Counter
	NotificationErrors     metric.Int64Counter
	StreamFragments        metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AgentRequestDuration, err = meter.Float64Histogram(instrumentAgentDuration,
		metric.WithDescription("Agent HTTP call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentRequestErrors, err = meter.Int64Counter("channels.agent.errors",
		metric.WithDescription("Failed agent HTTP calls"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("channels.agent.tokens",
		metric.WithDescription("Tokens reported by the agent"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesHandled, err = meter.Int64Counter("channels.messages",
		metric.WithDescription("Inbound chat messages handled, by route"),
	)
	if err != nil {
		return nil, err
	}

	m.AccessDenied, err = meter.Int64Counter("channels.access.denied",
		metric.WithDescription("Messages rejected by the allow-list"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsForwarded, err = meter.Int64Counter("channels.notifications.forwarded",
		metric.WithDescription("Agent notifications delivered to the recipient"),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationErrors, err = meter.Int64Counter("channels.notifications.errors",
		metric.WithDescription("Notification stream or delivery errors"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamFragments, err = meter.Int64Counter("channels.stream.fragments",
		metric.WithDescription("Text fragments received from the agent stream endpoint"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordAgentCall records the duration of one agent call and counts it as an
// error when failed is set.
func (m *Metrics) RecordAgentCall(ctx context.Context, op string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.AgentRequestDuration.Record(ctx, seconds, attrs)
	if failed {
		m.AgentRequestErrors.Add(ctx, 1, attrs)
	}
}

// RecordTokens adds input and output token counts.
func (m *Metrics) RecordTokens(ctx context.Context, input, output int64) {
	if m == nil {
		return
	}
	m.TokensUsed.Add(ctx, input, metric.WithAttributes(attribute.String("direction", "input")))
	m.TokensUsed.Add(ctx, output, metric.WithAttributes(attribute.String("direction", "output")))
}

// CountMessage counts one handled message under the given route label.
func (m *Metrics) CountMessage(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.MessagesHandled.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

// CountDenied counts one allow-list rejection.
func (m *Metrics) CountDenied(ctx context.Context) {
	if m == nil {
		return
	}
	m.AccessDenied.Add(ctx, 1)
}

// CountNotification counts a delivered notification, or an error when failed is set.
func (m *Metrics) CountNotification(ctx context.Context, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.NotificationErrors.Add(ctx, 1)
		return
	}
	m.NotificationsForwarded.Add(ctx, 1)
}

// CountFragment counts one streamed text fragment.
func (m *Metrics) CountFragment(ctx context.Context) {
	if m == nil {
		return
	}
	m.StreamFragments.Add(ctx, 1)
}
