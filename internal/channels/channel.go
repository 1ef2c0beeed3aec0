// Package channels provides the outbound broadcast surface. The core calls
// Publish/Reply and only depends on success or failure, never on delivery
// confirmation.
package channels

import (
	"context"
	"log/slog"
)

// Channel is a messaging platform the funnel speaks through.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Publish delivers a message attributed to the given agent.
	Publish(ctx context.Context, agentID, text string) error

	// Reply delivers a message in response to an earlier one.
	Reply(ctx context.Context, parentID, agentID, text string) error
}

// LogChannel is the default surface when no real channel is configured:
// every message lands in the structured log and nowhere else.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log-only channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string {
	return "log"
}

func (c *LogChannel) Publish(_ context.Context, agentID, text string) error {
	c.logger.Info("broadcast", "agent_id", agentID, "text", text)
	return nil
}

func (c *LogChannel) Reply(_ context.Context, parentID, agentID, text string) error {
	c.logger.Info("reply", "parent_id", parentID, "agent_id", agentID, "text", text)
	return nil
}
