package command

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a command.
//
// The lattice is strict: queued -> {in_progress, expired},
// in_progress -> acked. acked and expired are terminal.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusAcked      Status = "acked"
	StatusExpired    Status = "expired"
)

// ValidStatus reports whether s is one of the four lifecycle states.
func ValidStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusAcked, StatusExpired:
		return true
	}
	return false
}

// Type is a recognized command type. The set is closed; enqueueing an
// unknown type is a validation error.
type Type string

const (
	TypeDiscover        Type = "Discover"
	TypeRegister        Type = "Register"
	TypeValidate        Type = "Validate"
	TypeModelDeploy     Type = "ModelDeploy"
	TypeConfigUpdate    Type = "ConfigUpdate"
	TypeCollectStart    Type = "CollectStart"
	TypeCollectStop     Type = "CollectStop"
	TypeStatus          Type = "Status"
	TypeTestLongRunning Type = "TestLongRunning"
	TypeLogout          Type = "Logout"
)

// typeSpecs maps each recognized type to its payload requirement.
var typeSpecs = map[Type]struct {
	requiresPayload bool
}{
	TypeDiscover:        {},
	TypeRegister:        {},
	TypeValidate:        {},
	TypeModelDeploy:     {requiresPayload: true},
	TypeConfigUpdate:    {requiresPayload: true},
	TypeCollectStart:    {},
	TypeCollectStop:     {},
	TypeStatus:          {},
	TypeTestLongRunning: {},
	TypeLogout:          {},
}

// Result is the terminal outcome reported by an agent ack.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// OutputEntry is one appended line of intermediate output.
type OutputEntry struct {
	Seq  int       `json:"seq"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Command is one unit of operator-initiated work for an agent.
type Command struct {
	ID          string
	AgentID     string
	Type        Type
	Payload     json.RawMessage
	Status      Status
	TTLSeconds  int
	CreatedAt   time.Time
	DeliveredAt *time.Time
	AckedAt     *time.Time
	Result      *Result
	Output      []OutputEntry
}

var (
	// ErrNotFound means the command does not exist or is not visible to
	// the requesting principal.
	ErrNotFound = errors.New("command not found")
	// ErrStateConflict means the operation is not valid for the command's
	// current status.
	ErrStateConflict = errors.New("command state conflict")
	// ErrValidation means the request itself is malformed: unknown type,
	// bad payload, or empty output text.
	ErrValidation = errors.New("validation error")
)
