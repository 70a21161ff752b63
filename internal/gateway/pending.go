package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// call is one entry in the correlation table. The terminal flag is
// single-assignment under the table mutex: deadline expiry, resolution,
// and cancellation all funnel through it, so exactly one of them wins and
// the others become no-ops.
type call struct {
	id       string
	deadline time.Time
	done     chan struct{}
	outcome  Outcome
	terminal bool
	lastSeq  uint64
	session  *Session // non-nil only for streaming calls
}

// PendingTable maps correlation identifiers to waiting callers. It is
// the only component that decides a call's terminal state; the queue,
// the HTTP handlers, and the RPC front-end all delegate to it.
//
// Identifiers are never reused: once an entry is removed (consumed,
// timed out, cancelled, or drained) a later post for that id reports
// ErrUnknownIdentifier and is absorbed by the endpoint.
type PendingTable struct {
	mu     sync.Mutex
	calls  map[string]*call
	logger *slog.Logger
}

// NewPendingTable creates an empty correlation table.
func NewPendingTable(logger *slog.Logger) *PendingTable {
	return &PendingTable{
		calls:  make(map[string]*call),
		logger: logger,
	}
}

// Register creates the entry for id. For streaming calls the returned
// Session carries the partial updates; for single-shot it is nil and the
// caller collects the result via Await.
func (t *PendingTable) Register(id string, streaming bool, deadline time.Time) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.calls[id]; exists {
		return nil, fmt.Errorf("identifier %s already registered", id)
	}

	c := &call{
		id:       id,
		deadline: deadline,
		done:     make(chan struct{}),
	}
	if streaming {
		c.session = newSession(id)
	}
	t.calls[id] = c

	if c.session != nil {
		return c.session, nil
	}
	return nil, nil
}

// Resolve records the terminal outcome for id. A second resolve for the
// same id, or a resolve for an id the table has never seen, fails with
// ErrAlreadyTerminal / ErrUnknownIdentifier — both are absorbed by the
// completion endpoint after logging, never escalated.
func (t *PendingTable) Resolve(id string, out Outcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[id]
	if !ok {
		return ErrUnknownIdentifier
	}
	if c.terminal {
		return ErrAlreadyTerminal
	}

	t.finishLocked(c, out)
	return nil
}

// Advance records a partial update for a streaming call. Updates whose
// sequence is not greater than the last accepted one are dropped as
// duplicates; that is a success from the plugin's point of view.
func (t *PendingTable) Advance(id string, seq uint64, payload json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[id]
	if !ok {
		return ErrUnknownIdentifier
	}
	if c.terminal {
		return ErrAlreadyTerminal
	}
	if c.session == nil {
		return fmt.Errorf("partial update for single-shot call %s", id)
	}
	if seq <= c.lastSeq {
		t.logger.Debug("dropping duplicate update", "id", id, "sequence", seq, "last", c.lastSeq)
		return nil
	}

	c.lastSeq = seq
	c.session.advance(Update{Sequence: seq, Payload: payload})
	return nil
}

// Cancel marks the call cancelled and wakes any waiter. It returns false
// when the call is unknown or already terminal: a cancellation that
// loses the race against a real result is a no-op, the result wins.
func (t *PendingTable) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[id]
	if !ok || c.terminal {
		return false
	}

	t.finishLocked(c, Outcome{Err: ErrCancelled})
	return true
}

// MarkDispatched records the plugin claiming the item for id. Unknown
// ids are ignored; single-shot calls track no intermediate state.
func (t *PendingTable) MarkDispatched(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.calls[id]; ok && c.session != nil {
		c.session.markDispatched()
	}
}

// Await blocks until the single-shot call for id is resolved, cancelled,
// or past its deadline, then consumes and removes the entry. Deadline
// expiry is decided here, under the same terminal flag as resolution, so
// a post racing the deadline either fully wins or is fully discarded.
func (t *PendingTable) Await(ctx context.Context, id string) (json.RawMessage, error) {
	t.mu.Lock()
	c, ok := t.calls[id]
	if !ok {
		t.mu.Unlock()
		return nil, ErrUnknownIdentifier
	}
	done := c.done
	deadline := c.deadline
	t.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		t.expire(id)
	case <-ctx.Done():
		t.Cancel(id)
	}

	return t.consume(id)
}

// Session returns the session registered for a streaming id.
func (t *PendingTable) Session(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[id]
	if !ok || c.session == nil {
		return nil, false
	}
	return c.session, true
}

// InFlight returns the number of registered, unconsumed calls.
func (t *PendingTable) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// DrainAll resolves every pending call with ErrShuttingDown. Part of
// process shutdown; callers wake with a typed error instead of hanging
// on a bridge that will never answer. Single-shot entries stay until
// their waiter consumes them; streaming entries are removed by the
// finish itself.
func (t *PendingTable) DrainAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.calls {
		if !c.terminal {
			t.finishLocked(c, Outcome{Err: ErrShuttingDown})
		}
	}
}

// expire flips the call for id to timed out, unless something terminal
// got there first.
func (t *PendingTable) expire(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[id]
	if !ok || c.terminal {
		return
	}
	t.finishLocked(c, Outcome{Err: ErrTimeout})
}

// consume reads the terminal outcome for id and removes the entry.
func (t *PendingTable) consume(id string) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.calls[id]
	if !ok {
		return nil, ErrUnknownIdentifier
	}
	delete(t.calls, id)
	return c.outcome.Payload, c.outcome.Err
}

// finishLocked sets the terminal outcome exactly once and wakes waiters.
// Streaming entries are removed immediately — their consumers hold the
// Session, not a table reference. Caller holds t.mu.
func (t *PendingTable) finishLocked(c *call, out Outcome) {
	c.terminal = true
	c.outcome = out
	close(c.done)

	if c.session != nil {
		c.session.finish(sessionStateFor(out), out)
		delete(t.calls, c.id)
	}
}

// sessionStateFor maps a terminal outcome onto the session state machine.
func sessionStateFor(out Outcome) SessionState {
	switch {
	case out.Err == nil:
		return StateCompleted
	case errors.Is(out.Err, ErrTimeout):
		return StateTimedOut
	case errors.Is(out.Err, ErrCancelled), errors.Is(out.Err, ErrShuttingDown):
		return StateCancelled
	default:
		return StateFailed
	}
}
