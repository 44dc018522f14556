package command

import "time"

// Verdict is the delivery decision for a command at a point in time.
type Verdict int

const (
	// VerdictNone means the command has already left queued; nothing to do.
	VerdictNone Verdict = iota
	// VerdictDeliver means the command is queued and within its TTL.
	VerdictDeliver
	// VerdictExpire means the command outlived its TTL before delivery.
	VerdictExpire
)

// Evaluate maps a command plus the current time to its effective delivery
// verdict. Pure function: no side effects, safe to call repeatedly. The
// store is responsible for materializing the verdict exactly once.
func Evaluate(cmd *Command, now time.Time) Verdict {
	if cmd.Status != StatusQueued {
		return VerdictNone
	}
	ttl := time.Duration(cmd.TTLSeconds) * time.Second
	if now.Sub(cmd.CreatedAt) > ttl {
		return VerdictExpire
	}
	return VerdictDeliver
}
