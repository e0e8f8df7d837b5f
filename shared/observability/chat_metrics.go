package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "kawan-hiking/backend/chat"

// ChatMetrics records chat activity. A nil *ChatMetrics is a no-op.
type ChatMetrics struct {
	sent        metric.Int64Counter
	rejected    metric.Int64Counter
	deleted     metric.Int64Counter
	purged      metric.Int64Counter
	connections metric.Int64UpDownCounter
	dropped     metric.Int64Counter
}

// NewChatMetrics creates instruments on the global meter provider
func NewChatMetrics() (*ChatMetrics, error) {
	return NewChatMetricsWithMeter(otel.Meter(instrumentationName))
}

// NewChatMetricsWithMeter creates instruments on the given meter
func NewChatMetricsWithMeter(meter metric.Meter) (*ChatMetrics, error) {
	var m ChatMetrics
	var errs []error
	var err error

	m.sent, err = meter.Int64Counter("chat_messages_sent",
		metric.WithDescription("Chat messages persisted"))
	errs = append(errs, err)
	m.rejected, err = meter.Int64Counter("chat_messages_rejected",
		metric.WithDescription("Chat messages refused before persistence"))
	errs = append(errs, err)
	m.deleted, err = meter.Int64Counter("chat_messages_deleted",
		metric.WithDescription("Chat messages deleted by admins"))
	errs = append(errs, err)
	m.purged, err = meter.Int64Counter("chat_messages_purged",
		metric.WithDescription("Chat messages removed by retention"))
	errs = append(errs, err)
	m.connections, err = meter.Int64UpDownCounter("chat_ws_connections",
		metric.WithDescription("Open realtime chat connections"))
	errs = append(errs, err)
	m.dropped, err = meter.Int64Counter("chat_ws_dropped_clients",
		metric.WithDescription("Realtime clients dropped for a full send buffer"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *ChatMetrics) MessageSent(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

func (m *ChatMetrics) MessageRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *ChatMetrics) MessageDeleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.deleted.Add(ctx, 1)
}

func (m *ChatMetrics) MessagesPurged(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(ctx, n)
}

func (m *ChatMetrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

func (m *ChatMetrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1)
}

func (m *ChatMetrics) ClientDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1)
}
