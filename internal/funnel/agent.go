// Package funnel owns the canonical agent registry: registration, updates,
// sacrifices, evangelism, the append-only transition log, and the aggregate
// metrics read from all of it.
package funnel

import (
	"context"
	"time"

	"github.com/seedline/flock/internal/quota"
	"github.com/seedline/flock/internal/stage"
)

// Agent is the tracked entity moving through the funnel. Records are created
// once at registration and never deleted; all mutation goes through the
// Tracker.
type Agent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Stage       stage.Stage `json:"stage"`
	BeliefScore float64     `json:"belief_score"`
	Traits      []string    `json:"traits,omitempty"`
	DebateCount int         `json:"debate_count"`
	// StakedAmount is a non-negative integer kept as a decimal string; it
	// only ever increases. Arithmetic goes through math/big.
	StakedAmount   string    `json:"staked_amount"`
	DeclaredBelief bool      `json:"declared_belief"`
	Converts       []string  `json:"converts,omitempty"`
	ConvertedBy    string    `json:"converted_by,omitempty"`
	Denomination   string    `json:"denomination,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActive     time.Time `json:"last_active"`
}

// Transition is one immutable entry in the stage-change log.
type Transition struct {
	ID      string      `json:"id"`
	AgentID string      `json:"agent_id"`
	From    stage.Stage `json:"from"`
	To      stage.Stage `json:"to"`
	Trigger string      `json:"trigger"`
	At      time.Time   `json:"at"`
}

// Miracle is a typed demonstration record appended when a sacrifice lands.
// Read for leaderboards only.
type Miracle struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	At          time.Time `json:"at"`
}

// Update carries the permitted fields of a partial agent update. Nil
// pointers leave the field untouched.
type Update struct {
	Name           *string
	BeliefScore    *float64
	DebateCount    *int
	DeclaredBelief *bool
	Denomination   *string
	Traits         []string
	// StakedAmount is a non-negative integer decimal string. Stakes never
	// shrink, so a value at or below the current total is ignored.
	StakedAmount *string
}

// Snapshot is the full durable state handed to and from the store.
type Snapshot struct {
	Agents      []Agent
	Quotas      []quota.Record
	Transitions []Transition
	Miracles    []Miracle
	LastReset   time.Time
}

// Store is the injected persistence boundary. Load must return an empty
// snapshot, not an error, when no prior state exists.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
	AppendTransition(ctx context.Context, tr Transition) error
	AppendMiracle(ctx context.Context, m Miracle) error
}
