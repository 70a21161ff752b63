// Package protocol defines the wire types exchanged between the bridge
// and the Studio plugin over its HTTP polling channel.
//
// This is the shared contract. The plugin long-polls GET /request for the
// next WorkItem, POSTs Completion bodies to /response, and a secondary
// bridge instance forwards items to the primary via POST /proxy.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind distinguishes work that produces a single terminal result from
// work that streams partial updates before finishing.
type Kind string

const (
	KindSingleShot Kind = "single_shot"
	KindStreaming  Kind = "streaming"
)

// ToolCancel is the reserved tool name for a cancellation intent. The
// plugin receives it like any other work item; its arguments carry the
// identifier of the session to stop.
const ToolCancel = "__cancel__"

// WorkItem is one named operation awaiting execution by the plugin.
// Args is opaque to the bridge; it is delivered verbatim.
type WorkItem struct {
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args,omitempty"`
	Kind Kind            `json:"kind,omitempty"`

	// Bookkeeping, never serialized to the plugin.
	EnqueuedAt time.Time `json:"-"`
	Deadline   time.Time `json:"-"`
}

// Completion is the body the plugin POSTs to /response.
//
// Terminal=true ends the call (success or failure); Terminal=false is a
// partial update for a streaming item and must carry a Sequence strictly
// greater than any previously accepted one for the same ID.
type Completion struct {
	ID       string          `json:"id"`
	Sequence uint64          `json:"sequence,omitempty"`
	Terminal bool            `json:"terminal"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Validate rejects bodies that cannot be routed at all. Unknown or stale
// identifiers are not a parse concern; they are absorbed downstream.
func (c *Completion) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("completion is missing id")
	}
	if !c.Terminal && c.Sequence == 0 {
		return fmt.Errorf("partial update for %s is missing a sequence number", c.ID)
	}
	return nil
}

// Ack is the acknowledgement body for /response. Accepted is true even
// for stale or duplicate posts so the plugin never enters a retry storm.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Note     string `json:"note,omitempty"`
}

// ProxyRequest is the envelope a secondary bridge instance POSTs to the
// primary's /proxy endpoint when the listen port was already taken.
type ProxyRequest struct {
	Tool           string          `json:"tool"`
	Args           json.RawMessage `json:"args,omitempty"`
	TimeoutSeconds float64         `json:"timeout_seconds"`
}

// ProxyResponse carries the terminal outcome of a forwarded call back to
// the secondary instance. ErrorKind holds the taxonomy name ("timeout",
// "queue_full", ...) so the secondary can surface a typed error.
type ProxyResponse struct {
	OK        bool            `json:"ok"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ParseCompletion decodes and validates a /response body.
func ParseCompletion(data []byte) (*Completion, error) {
	var c Completion
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing completion body: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseProxyRequest decodes and validates a /proxy body.
func ParseProxyRequest(data []byte) (*ProxyRequest, error) {
	var p ProxyRequest
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing proxy body: %w", err)
	}
	if p.Tool == "" {
		return nil, fmt.Errorf("proxy request is missing tool name")
	}
	if p.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("proxy request for %q has no timeout", p.Tool)
	}
	return &p, nil
}
