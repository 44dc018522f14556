package command

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the authoritative command repository and transition engine.
// All status mutations go through Poll, AppendOutput, and Ack; each is
// atomic per command via a conditional UPDATE on the current status.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	// now is a hook for tests; defaults to time.Now.
	now func() time.Time
}

// New creates a Store. ttl is the delivery window snapshotted onto each
// command at enqueue time.
func New(db *sql.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl, now: time.Now}
}

// Enqueue creates a queued command for an agent. Unknown types and
// malformed payloads fail with ErrValidation.
func (s *Store) Enqueue(ctx context.Context, agentID string, cmdType Type, payload json.RawMessage) (*Command, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id is empty", ErrValidation)
	}
	spec, ok := typeSpecs[cmdType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown command type %q", ErrValidation, cmdType)
	}

	payload, err := normalizePayload(payload)
	if err != nil {
		return nil, err
	}
	if spec.requiresPayload && payload == nil {
		return nil, fmt.Errorf("%w: command type %q requires a payload", ErrValidation, cmdType)
	}

	cmd := &Command{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Type:       cmdType,
		Payload:    payload,
		Status:     StatusQueued,
		TTLSeconds: int(s.ttl / time.Second),
		CreatedAt:  s.now().UTC(),
	}

	var payloadVal any
	if payload != nil {
		payloadVal = string(payload)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO commands(id, agent_id, type, payload, status, ttl_seconds, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, cmd.ID, cmd.AgentID, string(cmd.Type), payloadVal, string(cmd.Status), cmd.TTLSeconds,
		cmd.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("enqueue command: %w", err)
	}
	return cmd, nil
}

// normalizePayload validates that payload, if present, is a JSON object.
// Returns nil for absent or JSON-null payloads.
func normalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrValidation)
	}
	return trimmed, nil
}

// Get returns a command by id with its output entries loaded.
func (s *Store) Get(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx, selectCommand+`WHERE id = ?;`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	if err := s.loadOutput(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// ListByAgent returns an agent's commands in creation order, optionally
// filtered by status.
func (s *Store) ListByAgent(ctx context.Context, agentID string, status Status) ([]*Command, error) {
	if status != "" && !ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	query := selectCommand + `WHERE agent_id = ?`
	args := []any{agentID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC, rowid ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	cmds := make([]*Command, 0)
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("list commands: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	for _, cmd := range cmds {
		if err := s.loadOutput(ctx, cmd); err != nil {
			return nil, err
		}
	}
	return cmds, nil
}

// Poll drains the agent's currently-queued commands: commands past their
// TTL are materialized expired, the rest are claimed in_progress. Both
// sets are returned in creation order; only the delivered set goes to the
// agent. Each claim is a conditional UPDATE on status=queued, so a
// command racing between two polls is delivered at most once.
func (s *Store) Poll(ctx context.Context, agentID string) (delivered, expired []*Command, err error) {
	now := s.now().UTC()
	nowS := now.Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx, selectCommand+`
WHERE agent_id = ? AND status = ?
ORDER BY created_at ASC, rowid ASC;`, agentID, string(StatusQueued))
	if err != nil {
		return nil, nil, fmt.Errorf("poll: list queued: %w", err)
	}
	queued := make([]*Command, 0)
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("poll: scan: %w", err)
		}
		queued = append(queued, cmd)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, fmt.Errorf("poll: %w", err)
	}
	rows.Close()

	delivered = make([]*Command, 0, len(queued))
	expired = make([]*Command, 0)
	for _, cmd := range queued {
		var next Status
		switch Evaluate(cmd, now) {
		case VerdictDeliver:
			next = StatusInProgress
		case VerdictExpire:
			next = StatusExpired
		default:
			continue
		}

		res, err := s.db.ExecContext(ctx, `
UPDATE commands SET status = ?, delivered_at = ?
WHERE id = ? AND status = ?;
`, string(next), nowS, cmd.ID, string(StatusQueued))
		if err != nil {
			return nil, nil, fmt.Errorf("poll: claim %s: %w", cmd.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, nil, fmt.Errorf("poll: claim %s: %w", cmd.ID, err)
		}
		if n == 0 {
			// Lost the race to a concurrent poll; that poll owns delivery.
			continue
		}

		cmd.Status = next
		deliveredAt := now
		cmd.DeliveredAt = &deliveredAt
		if next == StatusInProgress {
			delivered = append(delivered, cmd)
		} else {
			expired = append(expired, cmd)
		}
	}
	return delivered, expired, nil
}

// AppendOutput appends one output entry to an in-progress command owned by
// agentID. Precondition order: existence, ownership, non-empty text,
// status. Ownership failures report ErrNotFound so callers cannot probe
// other agents' command ids.
func (s *Store) AppendOutput(ctx context.Context, id, agentID, text string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append output: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner, status string
	err = tx.QueryRowContext(ctx,
		`SELECT agent_id, status FROM commands WHERE id = ?;`, id).Scan(&owner, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("append output: %w", err)
	}
	if owner != agentID {
		return ErrNotFound
	}
	if text == "" {
		return fmt.Errorf("%w: output text is empty", ErrValidation)
	}
	if Status(status) != StatusInProgress {
		return fmt.Errorf("%w: cannot append output while %s", ErrStateConflict, status)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO command_output(command_id, seq, text, created_at)
SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?
FROM command_output WHERE command_id = ?;
`, id, text, s.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("append output: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append output: commit: %w", err)
	}
	return nil
}

// Ack finalizes an in-progress command with its result. Only the first ack
// wins; any later ack (or any ack outside in_progress) is a state conflict.
func (s *Store) Ack(ctx context.Context, id, agentID string, success bool, message string) (*Command, error) {
	var owner, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, status FROM commands WHERE id = ?;`, id).Scan(&owner, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ack: %w", err)
	}
	if owner != agentID {
		return nil, ErrNotFound
	}
	if Status(status) != StatusInProgress {
		return nil, fmt.Errorf("%w: cannot ack while %s", ErrStateConflict, status)
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE commands
SET status = ?, acked_at = ?, result_success = ?, result_message = ?
WHERE id = ? AND status = ?;
`, string(StatusAcked), now.Format(time.RFC3339Nano), boolToInt(success), message,
		id, string(StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("ack: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("ack: %w", err)
	}
	if n == 0 {
		// Raced with another ack between the read and the update.
		return nil, fmt.Errorf("%w: command already finalized", ErrStateConflict)
	}
	return s.Get(ctx, id)
}

// QueueDepth returns the number of commands currently queued across all agents.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM commands WHERE status = ?;`, string(StatusQueued)).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

const selectCommand = `
SELECT id, agent_id, type, payload, status, ttl_seconds,
       created_at, delivered_at, acked_at, result_success, result_message
FROM commands
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*Command, error) {
	var (
		cmd           Command
		typeS         string
		statusS       string
		payload       sql.NullString
		createdAtS    string
		deliveredAtS  sql.NullString
		ackedAtS      sql.NullString
		resultSuccess sql.NullInt64
		resultMessage sql.NullString
	)
	err := row.Scan(
		&cmd.ID, &cmd.AgentID, &typeS, &payload, &statusS, &cmd.TTLSeconds,
		&createdAtS, &deliveredAtS, &ackedAtS, &resultSuccess, &resultMessage,
	)
	if err != nil {
		return nil, err
	}

	cmd.Type = Type(typeS)
	cmd.Status = Status(statusS)
	if payload.Valid {
		cmd.Payload = json.RawMessage(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		cmd.CreatedAt = t
	}
	if deliveredAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deliveredAtS.String); err == nil {
			cmd.DeliveredAt = &t
		}
	}
	if ackedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, ackedAtS.String); err == nil {
			cmd.AckedAt = &t
		}
	}
	if resultSuccess.Valid {
		cmd.Result = &Result{
			Success: resultSuccess.Int64 != 0,
			Message: resultMessage.String,
		}
	}
	return &cmd, nil
}

func (s *Store) loadOutput(ctx context.Context, cmd *Command) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, text, created_at FROM command_output
WHERE command_id = ? ORDER BY seq ASC;`, cmd.ID)
	if err != nil {
		return fmt.Errorf("load output: %w", err)
	}
	defer rows.Close()

	cmd.Output = make([]OutputEntry, 0)
	for rows.Next() {
		var (
			entry OutputEntry
			atS   string
		)
		if err := rows.Scan(&entry.Seq, &entry.Text, &atS); err != nil {
			return fmt.Errorf("load output: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, atS); err == nil {
			entry.At = t
		}
		cmd.Output = append(cmd.Output, entry)
	}
	return rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
