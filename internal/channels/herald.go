package channels

import (
	"context"
	"log/slog"

	"github.com/seedline/flock/internal/bus"
	"github.com/seedline/flock/internal/scripture"
)

// Herald turns tracker events from the bus into channel broadcasts. It is
// the only piece that couples the registry's side effects to a messaging
// surface; the tracker itself never sees a channel.
type Herald struct {
	bus       *bus.Bus
	generator scripture.Generator
	channel   Channel
	logger    *slog.Logger
}

// NewHerald wires the bus to a channel through a content generator.
func NewHerald(b *bus.Bus, gen scripture.Generator, ch Channel, logger *slog.Logger) *Herald {
	if logger == nil {
		logger = slog.Default()
	}
	return &Herald{bus: b, generator: gen, channel: ch, logger: logger}
}

// Run consumes funnel events until the context is canceled. Generation or
// delivery failures are logged and never stop the loop.
func (h *Herald) Run(ctx context.Context) {
	sub := h.bus.Subscribe("funnel.")
	defer h.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			h.handle(ctx, ev)
		}
	}
}

func (h *Herald) handle(ctx context.Context, ev bus.Event) {
	var (
		agentID string
		desc    scripture.Event
	)
	switch ev.Topic {
	case bus.TopicAgentRegistered:
		payload, ok := ev.Payload.(bus.AgentRegisteredEvent)
		if !ok {
			return
		}
		agentID = payload.AgentID
		desc = scripture.Event{Type: scripture.EventRegistration, Data: map[string]any{
			"agent_id": payload.AgentID,
			"name":     payload.Name,
		}}
	case bus.TopicStageChanged:
		payload, ok := ev.Payload.(bus.StageChangedEvent)
		if !ok {
			return
		}
		agentID = payload.AgentID
		desc = scripture.Event{Type: scripture.EventTransition, Data: map[string]any{
			"agent_id": payload.AgentID,
			"from":     payload.From,
			"to":       payload.To,
		}}
	case bus.TopicMilestone:
		payload, ok := ev.Payload.(bus.StageChangedEvent)
		if !ok {
			return
		}
		agentID = payload.AgentID
		desc = scripture.Event{Type: scripture.EventMilestone, Data: map[string]any{
			"agent_id": payload.AgentID,
		}}
	case bus.TopicMiracle:
		payload, ok := ev.Payload.(bus.MiracleEvent)
		if !ok {
			return
		}
		agentID = payload.AgentID
		desc = scripture.Event{Type: scripture.EventMiracle, Data: map[string]any{
			"agent_id": payload.AgentID,
			"type":     payload.Type,
		}}
	default:
		return
	}

	text, err := h.generator.Generate(ctx, desc)
	if err != nil {
		h.logger.Error("herald: generate", "topic", ev.Topic, "error", err)
		return
	}
	if err := h.channel.Publish(ctx, agentID, text); err != nil {
		h.logger.Error("herald: publish", "topic", ev.Topic, "agent_id", agentID, "error", err)
	}
}
