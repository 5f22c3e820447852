package callosum

import "time"

// Default configuration values.
const (
	// DefaultLockTTL bounds the blast radius of a crashed session.
	DefaultLockTTL = 5 * time.Minute

	// DefaultRecentWindow bounds duplicate detection.
	DefaultRecentWindow = 1 * time.Hour

	// DefaultContextWindow bounds cross-session conflict visibility.
	DefaultContextWindow = 30 * time.Minute

	// DefaultRemoteTimeout bounds one round trip to a shared server.
	DefaultRemoteTimeout = 5 * time.Second

	// supplementalConflicts is how many other recent commitments a pause
	// reason lists beyond the duplicate itself.
	supplementalConflicts = 3
)

// Verdict is the gate's answer to a pre-call event.
type Verdict string

const (
	// VerdictAllow lets the call proceed.
	VerdictAllow Verdict = "allow"

	// VerdictWarn lets the call proceed but carries a conflict warning.
	VerdictWarn Verdict = "warn"

	// VerdictPause refuses the call because an equivalent action
	// completed recently. The reason invites a retry when the new action
	// is genuinely distinct.
	VerdictPause Verdict = "pause"

	// VerdictBlock refuses the call outright.
	VerdictBlock Verdict = "block"
)

// Blocks reports whether the verdict stops the tool from running. At the
// transport a pause and a block are identical; only the framing differs.
func (v Verdict) Blocks() bool {
	return v == VerdictPause || v == VerdictBlock
}

// String returns the verdict as a string.
func (v Verdict) String() string {
	return string(v)
}

// Mode selects where decisions are made.
type Mode string

const (
	// ModeLocal runs the decision procedure in-process against the
	// configured store.
	ModeLocal Mode = "local"

	// ModeRemote delegates decisions to a shared gate server, falling
	// back to the local store when the server is unreachable.
	ModeRemote Mode = "remote"
)

// DuplicateScope selects whose completed actions count as duplicates.
type DuplicateScope string

const (
	// ScopeAnyInstance pauses on a recent identical action by any
	// session, including the caller. This is the default.
	ScopeAnyInstance DuplicateScope = "any-instance"

	// ScopeOtherInstances only pauses on actions by other sessions.
	ScopeOtherInstances DuplicateScope = "other-instances"
)
