package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/faroslabs/faros/internal/agent"
	"github.com/faroslabs/faros/internal/command"
	"github.com/faroslabs/faros/internal/events"
	"github.com/go-chi/chi/v5"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.commands.QueueDepth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleEnqueue handles POST /api/agents/{agentID}/commands (operator).
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	if _, err := s.agents.Get(r.Context(), agentID); err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.logger.Error("agent lookup failed", "agent_id", agentID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "agent lookup failed")
		return
	}

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "command type is required")
		return
	}

	cmd, err := s.commands.Enqueue(r.Context(), agentID, command.Type(req.Type), req.Payload)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	s.events.Publish(events.TypeCommandQueued, map[string]string{
		"command_id": cmd.ID,
		"agent_id":   cmd.AgentID,
		"type":       string(cmd.Type),
	})
	s.writeJSON(w, http.StatusCreated, envelopeCommand(cmd))
}

// handleGetCommand handles GET /api/commands/{commandID} (operator).
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.commands.Get(r.Context(), chi.URLParam(r, "commandID"))
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelopeCommand(cmd))
}

// handleListCommands handles GET /api/agents/{agentID}/commands (operator).
// Accepts an optional ?status= filter.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	status := command.Status(r.URL.Query().Get("status"))

	cmds, err := s.commands.ListByAgent(r.Context(), agentID, status)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	out := make([]CommandEnvelope, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, envelopeCommand(cmd))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleListAgents handles GET /api/agents (operator).
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list agents", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	out := make([]AgentEnvelope, 0, len(agents))
	for _, a := range agents {
		out = append(out, envelopeAgent(a))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handlePoll handles GET /api/agent/commands (agent). One-shot drain of
// the agent's deliverable queued commands.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	agentID := requireAgent(r)

	delivered, expired, err := s.commands.Poll(r.Context(), agentID)
	if err != nil {
		s.logger.Error("poll failed", "agent_id", agentID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "poll failed")
		return
	}

	for _, cmd := range expired {
		s.events.Publish(events.TypeCommandExpired, map[string]string{
			"command_id": cmd.ID,
			"agent_id":   cmd.AgentID,
			"type":       string(cmd.Type),
		})
	}

	out := make([]PollEntry, 0, len(delivered))
	for _, cmd := range delivered {
		out = append(out, PollEntry{
			CommandID: cmd.ID,
			Type:      string(cmd.Type),
			Payload:   cmd.Payload,
		})
		s.events.Publish(events.TypeCommandDelivered, map[string]string{
			"command_id": cmd.ID,
			"agent_id":   cmd.AgentID,
			"type":       string(cmd.Type),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleOutput handles POST /api/agent/commands/{commandID}/output (agent).
func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	agentID := requireAgent(r)
	commandID := chi.URLParam(r, "commandID")

	var req OutputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.commands.AppendOutput(r.Context(), commandID, agentID, req.Text); err != nil {
		s.writeCommandError(w, err)
		return
	}

	s.events.Publish(events.TypeCommandOutput, map[string]string{
		"command_id": commandID,
		"agent_id":   agentID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleAck handles POST /api/agent/commands/{commandID}/ack (agent).
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	agentID := requireAgent(r)
	commandID := chi.URLParam(r, "commandID")

	var req AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cmd, err := s.commands.Ack(r.Context(), commandID, agentID, req.Success, req.Message)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	s.events.Publish(events.TypeCommandAcked, map[string]any{
		"command_id": cmd.ID,
		"agent_id":   cmd.AgentID,
		"success":    req.Success,
	})
	s.writeJSON(w, http.StatusOK, envelopeCommand(cmd))
}

// handleHeartbeat handles POST /api/agent/heartbeat (agent).
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := requireAgent(r)

	var req HeartbeatRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if err := s.agents.Heartbeat(r.Context(), agentID, req.Metrics); err != nil {
		s.logger.Error("heartbeat failed", "agent_id", agentID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}

	s.events.Publish(events.TypeAgentHeartbeat, map[string]string{"agent_id": agentID})
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeCommandError maps core errors onto the fixed HTTP taxonomy:
// 404 not found, 400 validation, 409 state conflict.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, command.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "command not found")
	case errors.Is(err, command.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, command.ErrStateConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("command operation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
