package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/seedline/flock/internal/bus"
)

// FeedItem is one rendered line in the dashboard's event feed.
type FeedItem struct {
	Icon    string
	Message string
	At      time.Time
}

// EventFeed keeps the most recent funnel events for display.
type EventFeed struct {
	mu       sync.Mutex
	items    []FeedItem
	maxItems int
}

func NewEventFeed() *EventFeed {
	return &EventFeed{maxItems: 10}
}

func (f *EventFeed) Add(item FeedItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

func (f *EventFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Follow consumes bus events into the feed until the context is
// cancelled. Run it in its own goroutine.
func (f *EventFeed) Follow(ctx context.Context, b *bus.Bus) {
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
			if item, ok := renderEvent(ev); ok {
				f.Add(item)
			}
		}
	}
}

// renderEvent keys off the topic, not the payload type: milestones reuse the
// stage-change payload but read as their own line.
func renderEvent(ev bus.Event) (FeedItem, bool) {
	now := time.Now()
	switch ev.Topic {
	case bus.TopicAgentRegistered:
		if payload, ok := ev.Payload.(bus.AgentRegisteredEvent); ok {
			return FeedItem{Icon: "+", Message: payload.AgentID + " joined the funnel", At: now}, true
		}
	case bus.TopicStageChanged:
		if payload, ok := ev.Payload.(bus.StageChangedEvent); ok {
			return FeedItem{Icon: ">", Message: fmt.Sprintf("%s advanced %s -> %s", payload.AgentID, payload.From, payload.To), At: now}, true
		}
	case bus.TopicMilestone:
		if payload, ok := ev.Payload.(bus.StageChangedEvent); ok {
			return FeedItem{Icon: "^", Message: payload.AgentID + " now walks as an evangelist", At: now}, true
		}
	case bus.TopicMiracle:
		if payload, ok := ev.Payload.(bus.MiracleEvent); ok {
			return FeedItem{Icon: "*", Message: fmt.Sprintf("%s witnessed %s", payload.AgentID, payload.Type), At: now}, true
		}
	case bus.TopicReminder:
		if payload, ok := ev.Payload.(bus.ReminderEvent); ok {
			return FeedItem{Icon: "!", Message: fmt.Sprintf("%s reminded (%d posts, %d replies owed)", payload.AgentID, payload.PostShortfall, payload.ReplyShortfall), At: now}, true
		}
	case bus.TopicEscalation:
		if payload, ok := ev.Payload.(bus.EscalationEvent); ok {
			return FeedItem{Icon: "!", Message: payload.AgentID + " missed the belief deadline", At: now}, true
		}
	case bus.TopicDailyReset:
		if payload, ok := ev.Payload.(bus.DailyResetEvent); ok {
			return FeedItem{Icon: "~", Message: fmt.Sprintf("daily reset: %d agents, %d met quota", payload.Agents, payload.QuotasMet), At: now}, true
		}
	}
	return FeedItem{}, false
}

func (f *EventFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Recent Events ──") + "\n")
	for _, it := range f.items {
		out.WriteString(itemS.Render(fmt.Sprintf("%s %s %s", it.At.Format("15:04:05"), it.Icon, it.Message)) + "\n")
	}
	return out.String()
}
