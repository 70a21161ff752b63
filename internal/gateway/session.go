package gateway

import (
	"context"
	"encoding/json"
	"sync"
)

// SessionState is the lifecycle of a streaming work item.
//
//	Queued → Dispatched → Running → {Completed, Failed}
//
// with TimedOut reachable from any non-terminal state when the deadline
// elapses, and Cancelled from any non-terminal state on an explicit stop.
// The last four states are terminal; nothing leaves them.
type SessionState string

const (
	StateQueued     SessionState = "queued"
	StateDispatched SessionState = "dispatched"
	StateRunning    SessionState = "running"
	StateCompleted  SessionState = "completed"
	StateFailed     SessionState = "failed"
	StateTimedOut   SessionState = "timed_out"
	StateCancelled  SessionState = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Update is one partial result posted by the plugin for a streaming item.
type Update struct {
	Sequence uint64
	Payload  json.RawMessage
}

// Outcome is the terminal result of a call: a payload on success, an
// error otherwise. Exactly one of the two is meaningful.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

// Session tracks one streaming work item: its state machine, the ordered
// partial updates received so far, and the terminal outcome. The update
// sequence is finite and consumed once; there is no replay.
type Session struct {
	mu       sync.Mutex
	id       string
	state    SessionState
	updates  []Update
	cursor   int
	terminal *Outcome
	wake     chan struct{}
}

func newSession(id string) *Session {
	return &Session{
		id:    id,
		state: StateQueued,
		wake:  make(chan struct{}),
	}
}

// ID returns the correlation identifier of the session.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// markDispatched records the plugin claiming the item. Only meaningful
// from Queued; later posts may already have moved the state on.
func (s *Session) markDispatched() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateQueued {
		s.state = StateDispatched
	}
}

// advance appends a partial update and moves the state to Running.
// Sequence deduplication happens in the correlation table before this is
// called; the session itself only sees accepted updates.
func (s *Session) advance(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = StateRunning
	s.updates = append(s.updates, u)
	s.wakeAllLocked()
}

// finish records the terminal outcome exactly once. Returns false if the
// session was already terminal, in which case the earlier outcome stands.
func (s *Session) finish(state SessionState, out Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal != nil {
		return false
	}
	s.state = state
	s.terminal = &out
	s.wakeAllLocked()
	return true
}

// Next blocks until the next unconsumed partial update or the terminal
// outcome. It returns (update, nil, nil) for a partial and (nil, outcome,
// nil) once all updates are consumed and the session is terminal. After
// the terminal outcome has been returned, further calls return it again
// immediately.
func (s *Session) Next(ctx context.Context) (*Update, *Outcome, error) {
	for {
		s.mu.Lock()
		if s.cursor < len(s.updates) {
			u := s.updates[s.cursor]
			s.cursor++
			s.mu.Unlock()
			return &u, nil, nil
		}
		if s.terminal != nil {
			out := *s.terminal
			s.mu.Unlock()
			return nil, &out, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Wait blocks until the session is terminal, without consuming partial
// updates, and returns the outcome.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	for {
		s.mu.Lock()
		if s.terminal != nil {
			out := *s.terminal
			s.mu.Unlock()
			return out, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}

func (s *Session) wakeAllLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}
