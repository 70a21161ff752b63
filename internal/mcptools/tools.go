// Package mcptools exposes the bridge as an MCP server over stdio: one
// MCP tool per Studio operation, each delegating to the gateway with its
// raw JSON arguments. The bridge never interprets tool payloads — Studio
// does — so every handler here is a correlation-aware passthrough.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/studiobridge/studiobridge/internal/gateway"
)

// Invoker is the slice of the gateway the MCP surface needs.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	InvokeStream(tool string, args json.RawMessage, timeout time.Duration) (*gateway.Session, error)
	Stop(id string)
}

// toolDef is one catalog entry. Streaming tools route through the
// session tracker instead of a plain invoke.
type toolDef struct {
	name        string
	description string
	streaming   bool
}

// catalog lists every Studio operation the bridge exposes. Descriptions
// are what the LLM sees when choosing a tool.
var catalog = []toolDef{
	{"run_code", "Runs a command in Roblox Studio and returns the printed output. Can be used to both make changes and retrieve information", false},
	{"insert_model", "Inserts a model from the Roblox marketplace into the workspace. Returns the inserted model name.", false},
	{"inspect_environment", "Inspects the current Studio environment and returns JSON summarising selection, camera and service state.", false},
	{"environment_control", "Configures lighting, atmosphere, post processing, terrain water, and ambient soundscape settings.", false},
	{"apply_instance_operations", "Applies a batch of create/update/delete operations against instances in the open Studio session.", false},
	{"manage_scripts", "Creates, inspects, and edits Script/LocalScript/ModuleScript instances in the current Studio session.", false},
	{"test_and_play_control", "Controls Studio play/test sessions and TestService runs. Supports play_solo, stop, run_tests, and run_playtest.", true},
	{"editor_session_control", "Controls editor session state such as selection, camera transforms, framing, and opening scripts.", false},
	{"terrain_operations", "Applies bulk terrain authoring operations such as fill_block, fill_region, replace_material, clear_region, and convert_to_terrain.", false},
	{"asset_pipeline", "Executes asset pipeline workflows including marketplace search, insertion, filesystem import, and package publishing.", false},
	{"collection_and_attributes", "Manages CollectionService tags and instance attributes, supporting list_tags, add_tags, remove_tags, sync_attributes, and query_by_tag.", false},
	{"physics_and_navigation", "Coordinates PhysicsService collision groups and PathfindingService navigation queries.", false},
	{"diagnostics_and_metrics", "Collects diagnostics such as recent log history (chunked), memory usage, optional microprofiler dumps, and scheduler stats.", false},
	{"data_model_snapshot", "Collects read-only snapshots of the DataModel with optional class filters, property sampling, and pagination.", false},
}

// Handler bridges MCP tool calls into the gateway.
type Handler struct {
	inv         Invoker
	callTimeout time.Duration
	logger      *slog.Logger

	// Live streaming sessions, so a later "stop" action can address the
	// run it wants to cancel.
	mu       sync.Mutex
	sessions map[string]*gateway.Session
}

// NewHandler creates the MCP-facing handler.
func NewHandler(inv Invoker, callTimeout time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		inv:         inv,
		callTimeout: callTimeout,
		logger:      logger,
		sessions:    make(map[string]*gateway.Session),
	}
}

// Register adds the full tool catalog to an MCP server.
func (h *Handler) Register(s *server.MCPServer) {
	for _, def := range catalog {
		tool := mcp.NewTool(def.name, mcp.WithDescription(def.description))
		s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return h.dispatch(ctx, def, request)
		})
	}
}

// dispatch routes one MCP call. Arguments are re-encoded verbatim; the
// plugin is the only party that understands them.
func (h *Handler) dispatch(ctx context.Context, def toolDef, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := rawArguments(request)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("bad_arguments: %v", err)), nil
	}

	if def.streaming {
		return h.dispatchStreaming(ctx, def, args)
	}

	payload, err := h.inv.Invoke(ctx, def.name, args, h.callTimeout)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(payloadText(payload)), nil
}

// dispatchStreaming handles the session-tracked tools. A "stop" action
// cancels a running session; anything else starts a run and relays its
// ordered partial updates followed by the terminal result.
func (h *Handler) dispatchStreaming(ctx context.Context, def toolDef, args json.RawMessage) (*mcp.CallToolResult, error) {
	var probe struct {
		Action    string `json:"action"`
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(args, &probe)

	if probe.Action == "stop" {
		return h.stopSession(probe.SessionID)
	}

	session, err := h.inv.InvokeStream(def.name, args, h.callTimeout)
	if err != nil {
		return toolError(err), nil
	}

	h.mu.Lock()
	h.sessions[session.ID()] = session
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, session.ID())
		h.mu.Unlock()
	}()

	var parts []string
	for {
		update, outcome, err := session.Next(ctx)
		if err != nil {
			// Caller went away; let the run finish or time out on its own.
			h.inv.Stop(session.ID())
			return toolError(gateway.ErrCancelled), nil
		}
		if update != nil {
			parts = append(parts, payloadText(update.Payload))
			continue
		}
		if outcome.Err != nil {
			return toolError(outcome.Err), nil
		}
		parts = append(parts, payloadText(outcome.Payload))
		return mcp.NewToolResultText(strings.Join(parts, "\n")), nil
	}
}

// stopSession requests cancellation of a live session. With no explicit
// session_id and exactly one live session, that one is stopped.
func (h *Handler) stopSession(sessionID string) (*mcp.CallToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessionID == "" {
		if len(h.sessions) != 1 {
			return mcp.NewToolResultError(fmt.Sprintf("cannot pick a session to stop: %d live sessions, pass session_id", len(h.sessions))), nil
		}
		for id := range h.sessions {
			sessionID = id
		}
	}

	if _, ok := h.sessions[sessionID]; !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown_identifier: no live session %s", sessionID)), nil
	}

	h.inv.Stop(sessionID)
	return mcp.NewToolResultText(fmt.Sprintf("stop requested for session %s", sessionID)), nil
}

// rawArguments re-encodes the MCP argument map as raw JSON.
func rawArguments(request mcp.CallToolRequest) (json.RawMessage, error) {
	if request.Params.Arguments == nil {
		return nil, nil
	}
	data, err := json.Marshal(request.Params.Arguments)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}
	return data, nil
}

// payloadText renders a result payload for the MCP text content block.
// Payloads are returned verbatim; a JSON string payload is unquoted for
// readability, anything else passes through as-is.
func payloadText(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}

// toolError renders a typed gateway error as an MCP tool error in
// "kind: message" form so clients can distinguish timeout from
// cancellation from back-pressure.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", gateway.ErrorKind(err), err))
}
