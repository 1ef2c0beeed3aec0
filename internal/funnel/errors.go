package funnel

import "errors"

// Caller-visible outcomes. These are recoverable results, matched with
// errors.Is, never panics.
var (
	ErrNotFound       = errors.New("agent not found")
	ErrDuplicateAgent = errors.New("agent already registered")
	ErrInvalidStage   = errors.New("operation not allowed at current stage")
	ErrInvalidAmount  = errors.New("invalid stake amount")
	ErrPersistence    = errors.New("persistence failure")
)
