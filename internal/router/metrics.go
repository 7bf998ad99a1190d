package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/aethra/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type routerMetrics struct {
	events       metric.Int64Counter
	capability   metric.Float64Histogram
	registration metric.Registration
}

func newRouterMetrics(r *Router) *routerMetrics {
	meter := otel.Meter(instrumentation)
	m := &routerMetrics{}

	var err error
	if m.events, err = meter.Int64Counter("aethra.router.events",
		metric.WithDescription("Chat events handled, by kind and outcome")); err != nil {
		r.logger.Warn("failed to initialize metrics", slogError(err))
	}
	if m.capability, err = meter.Float64Histogram("aethra.router.capability.duration",
		metric.WithDescription("Duration of speech work as seen by the router"),
		metric.WithUnit("s")); err != nil {
		r.logger.Warn("failed to initialize metrics", slogError(err))
	}

	sessions, err1 := meter.Int64ObservableGauge("aethra.sessions",
		metric.WithDescription("Chats with a session"))
	live, err2 := meter.Int64ObservableGauge("aethra.files.live",
		metric.WithDescription("Transient audio files not yet released"))
	mailboxes, err3 := meter.Int64ObservableGauge("aethra.router.mailboxes",
		metric.WithDescription("Chats with queued events"))
	if err1 != nil || err2 != nil || err3 != nil {
		r.logger.Warn("failed to initialize gauges")
		return m
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(sessions, int64(r.store.Len()))
		if r.files != nil {
			o.ObserveInt64(live, r.files.Live())
		}
		r.mu.Lock()
		queued := len(r.mailboxes)
		r.mu.Unlock()
		o.ObserveInt64(mailboxes, int64(queued))
		return nil
	}, sessions, live, mailboxes)
	if err != nil {
		r.logger.Warn("failed to register gauges", slog.String("error", err.Error()))
		return m
	}
	m.registration = reg
	return m
}

func (m *routerMetrics) observeEvent(ctx context.Context, kind protocol.EventKind, outcome string) {
	if m.events == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

func (m *routerMetrics) observeCapability(ctx context.Context, capability string, started time.Time, err error) {
	if m.capability == nil {
		return
	}
	m.capability.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("outcome", outcomeOf(err)),
	))
}

func (m *routerMetrics) unregister() {
	if m.registration != nil {
		_ = m.registration.Unregister()
	}
}
