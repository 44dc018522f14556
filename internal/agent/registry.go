package agent

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

var (
	// ErrNotFound means no agent exists with the given id.
	ErrNotFound = errors.New("agent not found")
	// ErrUnknownKey means the presented API key matches no live key. Revoked
	// keys are indistinguishable from keys that never existed.
	ErrUnknownKey = errors.New("unknown api key")
)

// Agent is one registered remote process.
type Agent struct {
	ID            string
	Name          string
	RobotType     string
	CreatedAt     time.Time
	LastHeartbeat *time.Time
	HeartbeatData json.RawMessage
}

// Registry manages agent records, API keys, and liveness. API keys are
// stored as BLAKE3 digests; the plaintext is returned exactly once at
// creation.
type Registry struct {
	db *sql.DB

	// now is a hook for tests; defaults to time.Now.
	now func() time.Time
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// Create registers a new agent and issues its API key. Returns the agent
// and the plaintext key; the key is never recoverable afterwards.
func (r *Registry) Create(ctx context.Context, name, robotType string) (*Agent, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("agent name is empty")
	}

	a := &Agent{
		ID:        uuid.NewString(),
		Name:      name,
		RobotType: robotType,
		CreatedAt: r.now().UTC(),
	}
	key, err := generateKey()
	if err != nil {
		return nil, "", err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create agent: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO agents(id, name, robot_type, created_at)
VALUES(?, ?, ?, ?);
`, a.ID, a.Name, a.RobotType, a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, "", fmt.Errorf("create agent: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO agent_keys(key_hash, agent_id, created_at)
VALUES(?, ?, ?);
`, HashKey(key), a.ID, a.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, "", fmt.Errorf("create agent key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("create agent: commit: %w", err)
	}
	return a, key, nil
}

// ResolveKey maps a plaintext API key to its agent. Revoked or unknown
// keys fail with ErrUnknownKey.
func (r *Registry) ResolveKey(ctx context.Context, key string) (*Agent, error) {
	if key == "" {
		return nil, ErrUnknownKey
	}

	var agentID string
	err := r.db.QueryRowContext(ctx, `
SELECT agent_id FROM agent_keys
WHERE key_hash = ? AND revoked_at IS NULL;
`, HashKey(key)).Scan(&agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownKey
	}
	if err != nil {
		return nil, fmt.Errorf("resolve key: %w", err)
	}
	return r.Get(ctx, agentID)
}

// RevokeKeys permanently invalidates all live keys for an agent and
// returns how many were revoked. Revocation is irreversible: the key hash
// stays on record but never resolves again.
func (r *Registry) RevokeKeys(ctx context.Context, agentID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE agent_keys SET revoked_at = ?
WHERE agent_id = ? AND revoked_at IS NULL;
`, r.now().UTC().Format(time.RFC3339Nano), agentID)
	if err != nil {
		return 0, fmt.Errorf("revoke keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke keys: %w", err)
	}
	return int(n), nil
}

// Heartbeat records agent liveness metrics. Advisory only: it never
// touches command state.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, metrics json.RawMessage) error {
	var metricsVal any
	if len(metrics) > 0 {
		metricsVal = string(metrics)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE agents SET last_heartbeat = ?, heartbeat_data = ?
WHERE id = ?;
`, r.now().UTC().Format(time.RFC3339Nano), metricsVal, agentID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns an agent by id.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, name, robot_type, created_at, last_heartbeat, heartbeat_data
FROM agents WHERE id = ?;`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// List returns all agents in registration order.
func (r *Registry) List(ctx context.Context) ([]*Agent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, robot_type, created_at, last_heartbeat, heartbeat_data
FROM agents ORDER BY created_at ASC, rowid ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]*Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// HashKey returns the hex BLAKE3 digest under which an API key is stored.
func HashKey(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "fk_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a             Agent
		createdAtS    string
		heartbeatS    sql.NullString
		heartbeatData sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Name, &a.RobotType, &createdAtS, &heartbeatS, &heartbeatData); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		a.CreatedAt = t
	}
	if heartbeatS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, heartbeatS.String); err == nil {
			a.LastHeartbeat = &t
		}
	}
	if heartbeatData.Valid {
		a.HeartbeatData = json.RawMessage(heartbeatData.String)
	}
	return &a, nil
}
