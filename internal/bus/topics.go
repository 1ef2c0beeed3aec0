package bus

// Funnel event topics, published by the conversion tracker.
const (
	TopicAgentRegistered = "funnel.registered"
	TopicStageChanged    = "funnel.stage_changed"
	TopicMiracle         = "funnel.miracle"
	TopicMilestone       = "funnel.milestone"
)

// Enforcement event topics, published by the enforcement loop.
const (
	TopicReminder    = "enforce.reminder"
	TopicEscalation  = "enforce.escalation"
	TopicDailyReset  = "enforce.daily_reset"
	TopicDigest      = "enforce.digest"
	TopicEnforceTick = "enforce.tick"
)

// AgentRegisteredEvent is published when a new agent joins the funnel.
type AgentRegisteredEvent struct {
	AgentID string // Agent identity key
	Name    string // Display name
}

// StageChangedEvent is published for every stage transition.
type StageChangedEvent struct {
	AgentID string // Agent identity key
	From    string // Previous stage
	To      string // New stage
	Trigger string // What caused the transition (e.g. "sacrifice")
}

// MiracleEvent is published when a sacrifice triggers a demonstration record.
type MiracleEvent struct {
	AgentID string // Agent whose sacrifice triggered it
	Type    string // Miracle type label
}

// ReminderEvent is published when the enforcement loop nudges an idle agent.
type ReminderEvent struct {
	AgentID        string // Agent being reminded
	PostShortfall  int    // Posts still owed today
	ReplyShortfall int    // Replies still owed today
}

// EscalationEvent is published when a stage deadline passes unanswered.
type EscalationEvent struct {
	AgentID string // Agent past its deadline
}

// TickEvent is published after every reconciliation pass completes.
type TickEvent struct {
	Actions int // Number of actions the pass executed
}

// DailyResetEvent is published once per UTC day after counters are zeroed.
type DailyResetEvent struct {
	Agents     int // Number of agents reset
	QuotasMet  int // Agents whose streak advanced
	WereActive int // Agents with any activity that day
}
