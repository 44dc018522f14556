package events

import (
	"testing"
	"time"
)

func TestHubPublishSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeCommandQueued, map[string]string{"command_id": "c1"})

	select {
	case ev := <-ch:
		if ev.Type != TypeCommandQueued || ev.ID != 1 {
			t.Fatalf("unexpected event: %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestHubSnapshotSince(t *testing.T) {
	t.Parallel()

	h := NewHub(4)
	h.Publish(TypeCommandQueued, nil)
	h.Publish(TypeCommandDelivered, nil)
	h.Publish(TypeCommandAcked, nil)

	all := h.SnapshotSince(0)
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	tail := h.SnapshotSince(all[1].ID)
	if len(tail) != 1 || tail[0].Type != TypeCommandAcked {
		t.Fatalf("unexpected tail: %#v", tail)
	}
}

func TestHubRingOverwritesOldest(t *testing.T) {
	t.Parallel()

	h := NewHub(2)
	h.Publish(TypeCommandQueued, nil)
	h.Publish(TypeCommandDelivered, nil)
	h.Publish(TypeCommandAcked, nil)

	snap := h.SnapshotSince(0)
	if len(snap) != 2 {
		t.Fatalf("expected 2 buffered events, got %d", len(snap))
	}
	if snap[0].Type != TypeCommandDelivered || snap[1].Type != TypeCommandAcked {
		t.Fatalf("oldest not evicted: %#v", snap)
	}
}
