package dispatch

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle position of an in-flight request.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateAdmitting  State = "admitting"
	StateSending    State = "sending"
	StateStreaming  State = "streaming"
	StatePersisting State = "persisting"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
)

// record tracks one request from submission to completion. Records live only
// in memory and are destroyed when the request finishes.
type record struct {
	id             string
	conversationID string
	model          string
	cancel         context.CancelFunc

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	updatedAt   time.Time
	completedAt time.Time

	// settled is the completion latch: the first of
	// {completion, cancellation, failure} to claim it wins, exactly once.
	settled bool
}

func newRecord(id, conversationID, model string, cancel context.CancelFunc) *record {
	now := time.Now()
	return &record{
		id:             id,
		conversationID: conversationID,
		model:          model,
		cancel:         cancel,
		state:          StateIdle,
		startedAt:      now,
		updatedAt:      now,
	}
}

// transition moves the request to a new lifecycle state. Settled requests
// keep their terminal state.
func (r *record) transition(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled && s != StatePersisting && s != StateIdle {
		return
	}
	r.state = s
	r.updatedAt = time.Now()
}

// claim resolves the completion race. Exactly one caller wins; everyone else
// gets false and must not act on the request's outcome.
func (r *record) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return false
	}
	r.settled = true
	return true
}

// finish records the terminal state. Only the latch winner calls it.
func (r *record) finish(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.state = s
	r.updatedAt = now
	r.completedAt = now
}

// Status is an immutable snapshot of a request record.
type Status struct {
	RequestID      string
	ConversationID string
	Model          string
	State          State
	StartedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    time.Time
}

func (r *record) snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		RequestID:      r.id,
		ConversationID: r.conversationID,
		Model:          r.model,
		State:          r.state,
		StartedAt:      r.startedAt,
		UpdatedAt:      r.updatedAt,
		CompletedAt:    r.completedAt,
	}
}
