package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studiobridge/studiobridge/pkg/protocol"
)

// Options configures a Gateway.
type Options struct {
	// MaxQueueDepth is the back-pressure limit; submissions past it fail
	// with ErrQueueFull. <= 0 means unbounded.
	MaxQueueDepth int

	// PollBudget is how long the plugin's long-poll is held open. Also
	// the unit for executor liveness: no poll for 2x this budget and the
	// plugin is reported absent.
	PollBudget time.Duration

	// StopGrace is how long Stop waits for the plugin to acknowledge a
	// cancellation intent before flipping the session to cancelled
	// locally.
	StopGrace time.Duration

	Logger *slog.Logger
}

// Gateway is the dispatch front-end of the bridge. It owns the work
// queue and the correlation table and funnels every mutation through
// their contracts; it holds no other shared state, so any number of RPC
// callers may invoke concurrently.
type Gateway struct {
	queue  *WorkQueue
	table  *PendingTable
	logger *slog.Logger

	pollBudget time.Duration
	stopGrace  time.Duration

	mu        sync.Mutex
	lastPoll  time.Time
	startedAt time.Time
	closed    bool
}

// New creates a gateway with empty queue and table.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollBudget := opts.PollBudget
	if pollBudget <= 0 {
		pollBudget = 15 * time.Second
	}
	stopGrace := opts.StopGrace
	if stopGrace <= 0 {
		stopGrace = 5 * time.Second
	}

	return &Gateway{
		queue:      NewWorkQueue(opts.MaxQueueDepth),
		table:      NewPendingTable(logger.With("component", "pending")),
		logger:     logger,
		pollBudget: pollBudget,
		stopGrace:  stopGrace,
		startedAt:  time.Now(),
	}
}

// Invoke submits a single-shot tool call and blocks until the plugin
// posts its terminal result, the timeout elapses, or ctx is cancelled.
// The payload comes back verbatim; the gateway never interprets it.
//
// On timeout the correlation entry is expired before returning, so a
// late post from the plugin is discarded instead of leaking to a caller
// that already gave up.
func (g *Gateway) Invoke(ctx context.Context, tool string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	now := time.Now()

	if _, err := g.table.Register(id, false, now.Add(timeout)); err != nil {
		return nil, fmt.Errorf("registering call: %w", err)
	}

	item := &protocol.WorkItem{
		ID:         id,
		Tool:       tool,
		Args:       args,
		Kind:       protocol.KindSingleShot,
		EnqueuedAt: now,
		Deadline:   now.Add(timeout),
	}

	if err := g.queue.Submit(item); err != nil {
		// Undo the registration; the item never entered the queue.
		g.table.Cancel(id)
		_, _ = g.table.consume(id)
		return nil, err
	}

	g.warnIfAbsent(tool, id)

	return g.table.Await(ctx, id)
}

// InvokeStream submits a streaming tool call and returns its Session
// immediately. The caller consumes partial updates via Session.Next (or
// blocks on Session.Wait); the deadline is enforced by a background
// timer since no Await runs for streaming calls.
func (g *Gateway) InvokeStream(tool string, args json.RawMessage, timeout time.Duration) (*Session, error) {
	id := uuid.NewString()
	now := time.Now()

	session, err := g.table.Register(id, true, now.Add(timeout))
	if err != nil {
		return nil, fmt.Errorf("registering call: %w", err)
	}

	item := &protocol.WorkItem{
		ID:         id,
		Tool:       tool,
		Args:       args,
		Kind:       protocol.KindStreaming,
		EnqueuedAt: now,
		Deadline:   now.Add(timeout),
	}

	if err := g.queue.Submit(item); err != nil {
		g.table.Cancel(id)
		return nil, err
	}

	g.warnIfAbsent(tool, id)

	time.AfterFunc(timeout, func() { g.table.expire(id) })

	return session, nil
}

// Stop requests cooperative cancellation of a streaming session. The
// intent is queued ahead of all other work so the plugin sees it on its
// next poll; if nothing terminal arrives within the stop grace period
// the session is flipped to cancelled locally. Stop never blocks.
func (g *Gateway) Stop(id string) {
	intent, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		intent = nil
	}

	item := &protocol.WorkItem{
		ID:         uuid.NewString(),
		Tool:       protocol.ToolCancel,
		Args:       intent,
		Kind:       protocol.KindSingleShot,
		EnqueuedAt: time.Now(),
	}

	if err := g.queue.SubmitFront(item); err != nil {
		g.logger.Warn("could not queue cancellation intent", "id", id, "error", err)
	}

	g.logger.Info("stop requested", "id", id, "grace", g.stopGrace)
	time.AfterFunc(g.stopGrace, func() {
		if g.table.Cancel(id) {
			g.logger.Warn("plugin did not acknowledge stop within grace period", "id", id)
		}
	})
}

// ClaimNext hands the next work item to a polling plugin, waiting up to
// waitBudget for one to arrive. A false result means "no work", which is
// the normal idle outcome, not an error. Claiming a streaming item moves
// its session from queued to dispatched.
func (g *Gateway) ClaimNext(ctx context.Context, waitBudget time.Duration) (*protocol.WorkItem, bool) {
	g.mu.Lock()
	g.lastPoll = time.Now()
	g.mu.Unlock()

	item, ok := g.queue.ClaimNext(ctx, waitBudget)
	if !ok {
		return nil, false
	}

	g.table.MarkDispatched(item.ID)
	g.logger.Debug("work item claimed", "id", item.ID, "tool", item.Tool)
	return item, true
}

// Complete routes a posted completion to the correlation table: terminal
// bodies resolve the call, partial bodies advance its session. Errors
// for unknown or already-terminal identifiers bubble up so the endpoint
// can log them, but the endpoint still acknowledges the plugin.
func (g *Gateway) Complete(c *protocol.Completion) error {
	if !c.Terminal {
		return g.table.Advance(c.ID, c.Sequence, c.Payload)
	}

	out := Outcome{Payload: c.Payload}
	if c.Error != "" {
		out = Outcome{Err: fmt.Errorf("%w: %s", ErrExecutorFailed, c.Error)}
	}
	return g.table.Resolve(c.ID, out)
}

// ResolveForwarded records the outcome of a call that was executed by
// another bridge instance on this instance's behalf (proxy mode). Typed
// errors pass through unchanged so the caller sees the same taxonomy it
// would locally.
func (g *Gateway) ResolveForwarded(id string, payload json.RawMessage, err error) {
	out := Outcome{Payload: payload, Err: err}
	if rerr := g.table.Resolve(id, out); rerr != nil {
		g.logger.Warn("forwarded outcome discarded", "id", id, "reason", rerr.Error())
	}
}

// ExecutorAbsent reports whether no poll has arrived within twice the
// poll budget. A warning signal only: a new poll may arrive at any time,
// so invocations still wait out their full timeout.
func (g *Gateway) ExecutorAbsent() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	ref := g.lastPoll
	if ref.IsZero() {
		ref = g.startedAt
	}
	return time.Since(ref) > 2*g.pollBudget
}

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	QueueDepth        int     `json:"queue_depth"`
	InFlight          int     `json:"in_flight"`
	SecondsSincePoll  float64 `json:"seconds_since_poll"`
	ExecutorConnected bool    `json:"executor_connected"`
}

// Snapshot returns current gateway statistics.
func (g *Gateway) Snapshot() Stats {
	g.mu.Lock()
	lastPoll := g.lastPoll
	g.mu.Unlock()

	since := -1.0
	if !lastPoll.IsZero() {
		since = time.Since(lastPoll).Seconds()
	}

	return Stats{
		QueueDepth:        g.queue.Depth(),
		InFlight:          g.table.InFlight(),
		SecondsSincePoll:  since,
		ExecutorConnected: !g.ExecutorAbsent(),
	}
}

// Shutdown drains the bridge: the queue stops accepting work and every
// pending call, queued or in flight, resolves with ErrShuttingDown.
// Idempotent.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	orphans := g.queue.Close()
	if len(orphans) > 0 {
		g.logger.Info("discarding unclaimed work", "count", len(orphans))
	}
	g.table.DrainAll()
	g.logger.Info("gateway drained")
}

// warnIfAbsent logs a degraded-connectivity warning when a call is
// submitted while no plugin has polled recently.
func (g *Gateway) warnIfAbsent(tool, id string) {
	if g.ExecutorAbsent() {
		g.logger.Warn("no plugin poll seen recently; call will wait its full timeout",
			"tool", tool, "id", id)
	}
}
