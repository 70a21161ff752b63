package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/studiobridge/studiobridge/internal/gateway"
	"github.com/studiobridge/studiobridge/pkg/protocol"
)

// handlePoll is the plugin's long-poll. It answers with the next work
// item immediately if one is queued, otherwise holds the request open up
// to the poll budget. An empty queue answers 423 Locked with an empty
// body — the plugin's sentinel for "nothing yet, poll again".
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	item, ok := s.gateway.ClaimNext(r.Context(), s.config.PollBudget)
	if !ok {
		w.WriteHeader(http.StatusLocked)
		return
	}

	s.logger.Info("delivering work to plugin", "id", item.ID, "tool", item.Tool)
	writeJSON(w, http.StatusOK, item)
}

// handleCompletion accepts results posted by the plugin. Malformed
// bodies are rejected at this boundary; posts for unknown or already
// terminal identifiers are logged and still acknowledged, so a flaky
// plugin retrying an old result never enters a retry storm.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "reading body: "+err.Error())
		return
	}

	completion, err := protocol.ParseCompletion(body)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := s.gateway.Complete(completion); err != nil {
		switch {
		case errors.Is(err, gateway.ErrUnknownIdentifier), errors.Is(err, gateway.ErrAlreadyTerminal):
			s.logger.Warn("stale completion ignored", "id", completion.ID, "reason", err.Error())
			writeJSON(w, http.StatusOK, protocol.Ack{Accepted: true, Note: "stale"})
		default:
			s.logger.Warn("completion rejected", "id", completion.ID, "error", err)
			writeJSON(w, http.StatusOK, protocol.Ack{Accepted: true, Note: "ignored"})
		}
		return
	}

	writeJSON(w, http.StatusOK, protocol.Ack{Accepted: true})
}

// handleProxy accepts a forwarded call from a secondary bridge instance
// and runs it through this instance's gateway. The HTTP round-trip is
// the secondary's await: the response carries the terminal outcome.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "reading body: "+err.Error())
		return
	}

	req, err := protocol.ParseProxyRequest(body)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	s.logger.Info("forwarded call received", "tool", req.Tool, "timeout", timeout)

	payload, err := s.gateway.Invoke(r.Context(), req.Tool, req.Args, timeout)
	if err != nil {
		writeJSON(w, http.StatusOK, protocol.ProxyResponse{
			ErrorKind: gateway.ErrorKind(err),
			Error:     err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, protocol.ProxyResponse{OK: true, Payload: payload})
}

// handleHealth reports queue depth, in-flight calls, and plugin liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeErrorJSON(w http.ResponseWriter, status int, errType, message string) {
	var body errorBody
	body.Error.Type = errType
	body.Error.Message = message
	writeJSON(w, status, body)
}
