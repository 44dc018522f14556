package api

import (
	"encoding/json"
	"time"

	"github.com/faroslabs/faros/internal/agent"
	"github.com/faroslabs/faros/internal/command"
)

// EnqueueRequest is the JSON body for POST /api/agents/{agentID}/commands.
type EnqueueRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutputRequest is the JSON body for POST /api/agent/commands/{commandID}/output.
type OutputRequest struct {
	Text string `json:"text"`
}

// AckRequest is the JSON body for POST /api/agent/commands/{commandID}/ack.
type AckRequest struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HeartbeatRequest is the JSON body for POST /api/agent/heartbeat.
type HeartbeatRequest struct {
	Metrics json.RawMessage `json:"metrics,omitempty"`
}

// CommandEnvelope is the operator view of a command.
type CommandEnvelope struct {
	ID          string                `json:"id"`
	AgentID     string                `json:"agent_id"`
	Type        string                `json:"type"`
	Payload     json.RawMessage       `json:"payload,omitempty"`
	Status      string                `json:"status"`
	TTLSeconds  int                   `json:"ttl_seconds"`
	CreatedAt   time.Time             `json:"created_at"`
	DeliveredAt *time.Time            `json:"delivered_at,omitempty"`
	AckedAt     *time.Time            `json:"acked_at,omitempty"`
	Output      []command.OutputEntry `json:"output"`
	Result      *command.Result       `json:"result,omitempty"`
}

// PollEntry is the minimal view an agent receives for a delivered command.
type PollEntry struct {
	CommandID string          `json:"command_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AgentEnvelope is the operator view of an agent.
type AgentEnvelope struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	RobotType     string          `json:"robot_type,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	HeartbeatData json.RawMessage `json:"heartbeat_data,omitempty"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

func envelopeCommand(cmd *command.Command) CommandEnvelope {
	output := cmd.Output
	if output == nil {
		output = []command.OutputEntry{}
	}
	return CommandEnvelope{
		ID:          cmd.ID,
		AgentID:     cmd.AgentID,
		Type:        string(cmd.Type),
		Payload:     cmd.Payload,
		Status:      string(cmd.Status),
		TTLSeconds:  cmd.TTLSeconds,
		CreatedAt:   cmd.CreatedAt,
		DeliveredAt: cmd.DeliveredAt,
		AckedAt:     cmd.AckedAt,
		Output:      output,
		Result:      cmd.Result,
	}
}

func envelopeAgent(a *agent.Agent) AgentEnvelope {
	return AgentEnvelope{
		ID:            a.ID,
		Name:          a.Name,
		RobotType:     a.RobotType,
		CreatedAt:     a.CreatedAt,
		LastHeartbeat: a.LastHeartbeat,
		HeartbeatData: a.HeartbeatData,
	}
}
