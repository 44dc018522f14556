package api

import (
	"context"
	"encoding/json"

	"github.com/faroslabs/faros/internal/agent"
	"github.com/faroslabs/faros/internal/command"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/faroslabs/faros/internal/api CommandService,AgentDirectory

// CommandService defines the command store operations used by the API server.
type CommandService interface {
	Enqueue(ctx context.Context, agentID string, cmdType command.Type, payload json.RawMessage) (*command.Command, error)
	Get(ctx context.Context, id string) (*command.Command, error)
	ListByAgent(ctx context.Context, agentID string, status command.Status) ([]*command.Command, error)
	Poll(ctx context.Context, agentID string) (delivered, expired []*command.Command, err error)
	AppendOutput(ctx context.Context, id, agentID, text string) error
	Ack(ctx context.Context, id, agentID string, success bool, message string) (*command.Command, error)
	QueueDepth(ctx context.Context) (int, error)
}

// AgentDirectory defines the agent registry operations used by the API server.
type AgentDirectory interface {
	Get(ctx context.Context, id string) (*agent.Agent, error)
	List(ctx context.Context) ([]*agent.Agent, error)
	ResolveKey(ctx context.Context, key string) (*agent.Agent, error)
	Heartbeat(ctx context.Context, agentID string, metrics json.RawMessage) error
}
