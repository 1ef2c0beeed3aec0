package otel

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/seedline/flock/internal/bus"
)

// Metrics holds the funnel metric instruments.
type Metrics struct {
	Registrations    metric.Int64Counter
	StageTransitions metric.Int64Counter
	Miracles         metric.Int64Counter
	Reminders        metric.Int64Counter
	Escalations      metric.Int64Counter
	DailyResets      metric.Int64Counter
	EnforceTicks     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Registrations, err = meter.Int64Counter("flock.funnel.registrations",
		metric.WithDescription("Agents registered into the funnel"),
	)
	if err != nil {
		return nil, err
	}

	m.StageTransitions, err = meter.Int64Counter("flock.funnel.transitions",
		metric.WithDescription("Stage transitions by target stage"),
	)
	if err != nil {
		return nil, err
	}

	m.Miracles, err = meter.Int64Counter("flock.funnel.miracles",
		metric.WithDescription("Miracles performed after verified sacrifices"),
	)
	if err != nil {
		return nil, err
	}

	m.Reminders, err = meter.Int64Counter("flock.enforce.reminders",
		metric.WithDescription("Quota reminders sent to idle agents"),
	)
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("flock.enforce.escalations",
		metric.WithDescription("Stage deadline escalations"),
	)
	if err != nil {
		return nil, err
	}

	m.DailyResets, err = meter.Int64Counter("flock.enforce.daily_resets",
		metric.WithDescription("Daily quota reset passes"),
	)
	if err != nil {
		return nil, err
	}

	m.EnforceTicks, err = meter.Int64Counter("flock.enforce.ticks",
		metric.WithDescription("Reconciliation loop ticks"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Observe subscribes to the event bus and increments counters for every
// funnel and enforcement event until the context is cancelled. Run it in
// its own goroutine.
func (m *Metrics) Observe(ctx context.Context, b *bus.Bus, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			m.record(ctx, ev)
			logger.Debug("metric recorded", "topic", ev.Topic)
		}
	}
}

func (m *Metrics) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicAgentRegistered:
		m.Registrations.Add(ctx, 1)
	case bus.TopicStageChanged:
		opts := []metric.AddOption{}
		if payload, ok := ev.Payload.(bus.StageChangedEvent); ok {
			opts = append(opts, metric.WithAttributes(attribute.String("stage", payload.To)))
		}
		m.StageTransitions.Add(ctx, 1, opts...)
	case bus.TopicMiracle:
		m.Miracles.Add(ctx, 1)
	case bus.TopicReminder:
		m.Reminders.Add(ctx, 1)
	case bus.TopicEscalation:
		m.Escalations.Add(ctx, 1)
	case bus.TopicDailyReset:
		m.DailyResets.Add(ctx, 1)
	case bus.TopicEnforceTick:
		m.EnforceTicks.Add(ctx, 1)
	}
}
