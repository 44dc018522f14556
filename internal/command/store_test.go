package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/faroslabs/faros/internal/storage"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *sql.DB) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "faros.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return New(db, ttl), db
}

func seedAgent(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO agents(id, name, created_at) VALUES(?, ?, ?);`,
		id, "agent-"+id, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func TestEnqueueCreatesQueuedCommand(t *testing.T) {
	t.Parallel()

	s, db := newTestStore(t, 30*time.Second)
	seedAgent(t, db, "a1")

	cmd, err := s.Enqueue(context.Background(), "a1", TypeStatus, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if cmd.ID == "" || cmd.Status != StatusQueued || cmd.AgentID != "a1" {
		t.Fatalf("unexpected command: %#v", cmd)
	}
	if cmd.TTLSeconds != 30 {
		t.Fatalf("ttl not snapshotted, got %d", cmd.TTLSeconds)
	}
	if cmd.DeliveredAt != nil || cmd.Result != nil {
		t.Fatalf("fresh command has delivery/result: %#v", cmd)
	}

	got, err := s.Get(context.Background(), cmd.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusQueued || got.Payload != nil {
		t.Fatalf("unexpected stored command: %#v", got)
	}
	if len(got.Output) != 0 {
		t.Fatalf("fresh command has output: %#v", got.Output)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	s, db := newTestStore(t, 30*time.Second)
	seedAgent(t, db, "a1")
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "a1", Type("Reboot"), nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown type: got %v, want ErrValidation", err)
	}
	if _, err := s.Enqueue(ctx, "a1", TypeModelDeploy, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing required payload: got %v, want ErrValidation", err)
	}
	if _, err := s.Enqueue(ctx, "a1", TypeStatus, json.RawMessage(`"not-an-object"`)); !errors.Is(err, ErrValidation) {
		t.Fatalf("non-object payload: got %v, want ErrValidation", err)
	}

	// JSON null payload is treated as absent.
	cmd, err := s.Enqueue(ctx, "a1", TypeStatus, json.RawMessage(`null`))
	if err != nil {
		t.Fatalf("null payload: %v", err)
	}
	if cmd.Payload != nil {
		t.Fatalf("null payload stored as %q", cmd.Payload)
	}
}

// Scenario: enqueue, poll within TTL, ack with a result.
func TestDeliverThenAck(t *testing.T) {
	t.Parallel()

	s, db := newTestStore(t, 30*time.Second)
	seedAgent(t, db, "a1")
	ctx := context.Background()

	cmd, err := s.Enqueue(ctx, "a1", TypeStatus, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	delivered, _, err := s.Poll(ctx, "a1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(delivered) != 1 || delivered[0].ID != cmd.ID {
		t.Fatalf("unexpected poll result: %#v", delivered)
	}
	if delivered[0].Status != StatusInProgress || delivered[0].DeliveredAt == nil {
		t.Fatalf("delivery not materialized: %#v", delivered[0])
	}

	acked, err := s.Ack(ctx, cmd.ID, "a1", true, "ok")
	if err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if acked.Status != StatusAcked || acked.Result == nil {
		t.Fatalf("ack not materialized: %#v", acked)
	}
	if !acked.Result.Success || acked.Result.Message != "ok" {
		t.Fatalf("unexpected result: %#v", acked.Result)
	}
	if acked.AckedAt == nil {
		t.Fatalf("acked_at not set")
	}
	// delivered_at must survive the ack unchanged.
	if acked.DeliveredAt == nil || !acked.DeliveredAt.Equal(*delivered[0].DeliveredAt) {
		t.Fatalf("delivered_at changed: %v -> %v", delivered[0].DeliveredAt, acked.DeliveredAt)
	}
}

func TestPollIsOneShotDrain(t *testing.T) {
	t.Parallel()

	s, db := newTestStore(t, 30*time.Second)
	seedAgent(t, db, "a1")
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "a1", TypeDiscover, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, _, err := s.Poll(ctx, "a1")
	if err != nil {
		t.Fatalf("Poll 1: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 delivered, got %d", len(first))
	}

	second, _, err := s.Poll(ctx, "a1")
	if err != nil {
		t.Fatalf("Poll 2: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second poll redelivered: %#v", second)
	}
}

// Scenario: a command not polled within its TTL silently expires.
func TestPollExpiresStaleCommand(t *testing.T) {
	t.Parallel()

	s, db := newTestStore(t, time.Second)
	seedAgent(t, db, "a1")
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	cmd, err := s.Enqueue(ctx, "a1", TypeModelDeploy, json.RawMessage(`{"group":"drivetrain"}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s.now = func() time.Time { return start.Add(2 * time.Second) }

	delivered, expired, err := s.Poll(ctx, "a1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("expired command delivered: %#v", delivered)
	}
	if len(expired) != 1 || expired[0].ID != cmd.ID {
		t.Fatalf("unexpected expired set: %#v", expired)
	}

	got, err := s.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(start.Add(2*time.Second)) {
		t.Fatalf("delivered_at = %v, want expiry time", got.DeliveredAt)
	}
}

// Scenario: stale and fresh commands in one poll; only the fresh one is
// delivered and the stale ones end up expired.
func TestPollMixedFreshAndStale(t *testing.T) {
	t.Parallel()

	s, db := newTestStore(t, time.Second)
	seedAgent(t, db, "a1")
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	if _, err := s.Enqueue(ctx, "a1", TypeDiscover, nil); err != nil {
		t.Fatalf("Enqueue Discover: %v", err)
	}
	if _, err := s.Enqueue(ctx, "a1", TypeValidate, nil); err != nil {
		t.Fatalf("Enqueue Validate: %v", err)
	}

	s.now = func() time.Time { return start.Add(2100 * time.Millisecond) }
	fresh, err := s.Enqueue(ctx, "a1", TypeStatus, nil)
	if err != nil {
		t.Fatalf("Enqueue Status: %v", err)
	}

	s.now = func() time.Time { return start.Add(2200 * time.Millisecond) }
	delivered, expiredNow, err := s.Poll(ctx, "a1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(delivered) != 1 || delivered[0].ID != fresh.ID {
		t.Fatalf("unexpected poll result: %#v", delivered)
	}
	if len(expiredNow) != 2 {
		t.Fatalf("expected 2 expired from poll, got %d", len(expiredNow))
	}

	expired, err := s.ListByAgent(ctx, "a1", StatusExpired)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired, got %d", len(expired))
	}
	inProgress, err := s.ListByAgent(ctx, "a1", StatusInProgress)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(inProgress) != 1 || inProgress[0].ID != fresh.ID {
		t.Fatalf("unexpected in_progress set: %#v", inProgress)
	}
}

func TestPollOnlySeesOwnAgent(t *testing.T) {
	t.Parallel()

	s, db := newTestStore(t, 30*time.Second)
	seedAgent(t, db, "a1")
	seedAgent(t, db, "a2")
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "a1", TypeStatus, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	delivered, _, err := s.Poll(ctx, "a2")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(delivered) != 0 {
		t.Fatalf("agent a2 received a1's command: %#v", delivered)
	}
}

func TestAppendOutputPreconditions(t *testing.T) {
	t.Parallel()

	s, db := newTestStore(t, 30*time.Second)
	seedAgent(t, db, "a1")
	seedAgent(t, db, "a2")
	ctx := context.Background()

	cmd, err := s.Enqueue(ctx, "a1", TypeTestLongRunning, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Still queued: state conflict.
	if err := s.AppendOutput(ctx, cmd.ID, "a1", "early"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("queued append: got %v, want ErrStateConflict", err)
	}
	// Unknown id: not found.
	if err := s.AppendOutput(ctx, "nonexistent", "a1", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}

	if _, _, err := s.Poll(ctx, "a1"); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// Wrong agent: reported as not found, even though the command exists.
	if err := s.AppendOutput(ctx, cmd.ID, "a2", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong agent: got %v, want ErrNotFound", err)
	}
	// Empty text: validation error. Ownership wins over validity order-wise,
	// so this only fires for the owning agent.
	if err := s.AppendOutput(ctx, cmd.ID, "a1", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty text: got %v, want ErrValidation", err)
	}

	if err := s.AppendOutput(ctx, cmd.ID, "a1", "step 1"); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := s.AppendOutput(ctx, cmd.ID, "a1", "step 2"); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	got, err := s.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Output) != 2 || got.Output[0].Text != "step 1" || got.Output[1].Text != "step 2" {
		t.Fatalf("unexpected output: %#v", got.Output)
	}
	if got.Output[0].Seq != 1 || got.Output[1].Seq != 2 {
		t.Fatalf("unexpected seq numbers: %#v", got.Output)
	}

	// After ack, appends are rejected.
	if _, err := s.Ack(ctx, cmd.ID, "a1", true, "done"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := s.AppendOutput(ctx, cmd.ID, "a1", "late"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("post-ack append: got %v, want ErrStateConflict", err)
	}
}

func TestAckPreconditions(t *testing.T) {
	t.Parallel()

	s, db := newTestStore(t, 30*time.Second)
	seedAgent(t, db, "a1")
	seedAgent(t, db, "a2")
	ctx := context.Background()

	cmd, err := s.Enqueue(ctx, "a1", TypeCollectStop, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Queued command cannot be acked.
	if _, err := s.Ack(ctx, cmd.ID, "a1", true, ""); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("queued ack: got %v, want ErrStateConflict", err)
	}
	if _, err := s.Ack(ctx, "nonexistent", "a1", true, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}

	if _, _, err := s.Poll(ctx, "a1"); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if _, err := s.Ack(ctx, cmd.ID, "a2", true, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong agent ack: got %v, want ErrNotFound", err)
	}
	if _, err := s.Ack(ctx, cmd.ID, "a1", false, "boom"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	// Acking is not idempotent: only the first call wins.
	if _, err := s.Ack(ctx, cmd.ID, "a1", false, "boom"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("second ack: got %v, want ErrStateConflict", err)
	}

	got, err := s.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Result == nil || got.Result.Success || got.Result.Message != "boom" {
		t.Fatalf("unexpected result: %#v", got.Result)
	}
}

func TestExpiredCommandRejectsOutputAndAck(t *testing.T) {
	t.Parallel()

	s, db := newTestStore(t, time.Second)
	seedAgent(t, db, "a1")
	ctx := context.Background()

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }
	cmd, err := s.Enqueue(ctx, "a1", TypeStatus, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s.now = func() time.Time { return start.Add(5 * time.Second) }
	if _, _, err := s.Poll(ctx, "a1"); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if err := s.AppendOutput(ctx, cmd.ID, "a1", "too late"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expired append: got %v, want ErrStateConflict", err)
	}
	if _, err := s.Ack(ctx, cmd.ID, "a1", true, ""); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expired ack: got %v, want ErrStateConflict", err)
	}
}

func TestListByAgentOrderAndFilter(t *testing.T) {
	t.Parallel()

	s, db := newTestStore(t, 30*time.Second)
	seedAgent(t, db, "a1")
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "a1", TypeCollectStart, nil)
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	second, err := s.Enqueue(ctx, "a1", TypeCollectStop, nil)
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	all, err := s.ListByAgent(ctx, "a1", "")
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != second.ID {
		t.Fatalf("insertion order lost: %#v", all)
	}

	if _, err := s.ListByAgent(ctx, "a1", Status("bogus")); !errors.Is(err, ErrValidation) {
		t.Fatalf("bogus filter: got %v, want ErrValidation", err)
	}

	queued, err := s.ListByAgent(ctx, "a1", StatusQueued)
	if err != nil {
		t.Fatalf("ListByAgent queued: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued, got %d", len(queued))
	}
}

// Any number of concurrent polls must deliver each command exactly once.
func TestConcurrentPollDeliversExactlyOnce(t *testing.T) {
	t.Parallel()

	s, db := newTestStore(t, 30*time.Second)
	seedAgent(t, db, "a1")
	ctx := context.Background()

	const nCommands = 20
	ids := make(map[string]bool, nCommands)
	for i := 0; i < nCommands; i++ {
		cmd, err := s.Enqueue(ctx, "a1", TypeStatus, nil)
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		ids[cmd.ID] = true
	}

	const nPollers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		seen    = make(map[string]int)
		pollErr error
	)
	for i := 0; i < nPollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			delivered, _, err := s.Poll(ctx, "a1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				pollErr = err
				return
			}
			for _, cmd := range delivered {
				seen[cmd.ID]++
			}
		}()
	}
	wg.Wait()

	if pollErr != nil {
		t.Fatalf("Poll: %v", pollErr)
	}
	for id := range ids {
		if seen[id] != 1 {
			t.Fatalf("command %s delivered %d times", id, seen[id])
		}
	}
	if len(seen) != nCommands {
		t.Fatalf("delivered %d distinct commands, want %d", len(seen), nCommands)
	}
}
