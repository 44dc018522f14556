package command

import (
	"testing"
	"time"
)

func TestEvaluateVerdicts(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		status Status
		age    time.Duration
		ttl    int
		want   Verdict
	}{
		{"fresh queued delivers", StatusQueued, time.Second, 30, VerdictDeliver},
		{"exactly at ttl still delivers", StatusQueued, 30 * time.Second, 30, VerdictDeliver},
		{"past ttl expires", StatusQueued, 31 * time.Second, 30, VerdictExpire},
		{"barely past ttl expires", StatusQueued, time.Second + time.Millisecond, 1, VerdictExpire},
		{"in_progress is settled", StatusInProgress, time.Hour, 30, VerdictNone},
		{"acked is settled", StatusAcked, time.Hour, 30, VerdictNone},
		{"expired is settled", StatusExpired, time.Hour, 30, VerdictNone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd := &Command{
				Status:     tc.status,
				TTLSeconds: tc.ttl,
				CreatedAt:  base,
			}
			if got := Evaluate(cmd, base.Add(tc.age)); got != tc.want {
				t.Fatalf("Evaluate(age=%s, ttl=%ds) = %d, want %d", tc.age, tc.ttl, got, tc.want)
			}
		})
	}
}

func TestEvaluateIsRepeatable(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	cmd := &Command{Status: StatusQueued, TTLSeconds: 30, CreatedAt: now}
	for i := 0; i < 3; i++ {
		if got := Evaluate(cmd, now.Add(time.Second)); got != VerdictDeliver {
			t.Fatalf("call %d: got %d, want VerdictDeliver", i, got)
		}
	}
	if cmd.Status != StatusQueued {
		t.Fatalf("Evaluate mutated status to %s", cmd.Status)
	}
}
