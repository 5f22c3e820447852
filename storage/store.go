// Package storage holds the coordination state shared by agent sessions:
// an append-only journal, an advisory lock table, and a short-horizon
// context-activity record.
//
// Two implementations are provided. FileStore keeps state in a directory
// (one JSON object per journal line, single-document lock and context
// tables) and suits a single machine. PostgresStore keeps the same state in
// PostgreSQL and is the recommended backend when several processes or
// machines share a store.
//
// All operations on one store are serialized; concurrent callers observe a
// linearizable order on the journal, the lock table, and the context record.
package storage

import (
	"context"
	"time"

	"github.com/callosumhq/callosum/classify"
)

// Action is the kind of a journal entry.
type Action string

const (
	// ActionIntercept records a pre-call interception. Written for every
	// call regardless of tier.
	ActionIntercept Action = "intercept"

	// ActionComplete records a successful post-call.
	ActionComplete Action = "complete"

	// ActionFailed records a post-call that reported an error.
	ActionFailed Action = "failed"

	// ActionBlocked records a call the gate refused.
	ActionBlocked Action = "blocked"
)

// JournalEntry is one immutable record in the audit journal. Entries are
// ordered by append order; Timestamp is a best-effort sortable field, not
// the primary ordering.
type JournalEntry struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"ts"`
	Instance     string        `json:"instance"`
	Tool         string        `json:"tool"`
	Tier         classify.Tier `json:"tier"`
	Rule         string        `json:"rule,omitempty"`
	ContextKey   string        `json:"contextKey,omitempty"`
	Action       Action        `json:"action"`
	ParamsDigest string        `json:"paramsDigest,omitempty"`
	ConflictNote string        `json:"conflictNote,omitempty"`
}

// Lock is a time-limited exclusive claim on a context key. At most one
// active (non-expired) lock exists per key.
type Lock struct {
	Instance   string        `json:"instance"`
	ContextKey string        `json:"contextKey"`
	Tier       classify.Tier `json:"tier"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	ExpiresAt  time.Time     `json:"expiresAt"`
}

// Active reports whether the lock has not expired at now.
func (l *Lock) Active(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// ContextRecord is one entry in the short-horizon activity trace. Many
// records may share a context key; records older than the window are
// invisible.
type ContextRecord struct {
	Instance   string        `json:"instance"`
	ContextKey string        `json:"contextKey"`
	Tier       classify.Tier `json:"tier"`
	Tool       string        `json:"tool"`
	Timestamp  time.Time     `json:"ts"`
}

// Conflict describes cross-instance contention on a context key.
type Conflict struct {
	// Instance is the other session holding the lock or owning the
	// recent activity.
	Instance string `json:"instance"`

	ContextKey string        `json:"contextKey"`
	Tier       classify.Tier `json:"tier"`

	// Locked is true when the conflict is an active lock held by another
	// instance, false when it is recent context activity.
	Locked bool `json:"locked"`

	// Since is when the conflicting lock was acquired or the conflicting
	// activity was recorded.
	Since time.Time `json:"since"`
}

// AcquireLockParams are the inputs to Store.AcquireLock.
type AcquireLockParams struct {
	Instance   string
	ContextKey string
	Tier       classify.Tier
	TTL        time.Duration
}

// CheckConflictParams are the inputs to Store.CheckConflict.
type CheckConflictParams struct {
	Instance   string
	ContextKey string
	Tier       classify.Tier

	// Window bounds how far back context activity counts as conflicting.
	Window time.Duration
}

// LeaderElectParams are the inputs to the leader-lease operations.
type LeaderElectParams struct {
	LeaderID string
	TTL      time.Duration
}

// Store is the coordination state backend.
type Store interface {
	// AppendJournal atomically appends an entry. The entry is durable
	// before return. Missing ID and Timestamp fields are filled in.
	AppendJournal(ctx context.Context, entry *JournalEntry) error

	// JournalTail returns up to limit of the most recent entries in
	// append order (oldest of the returned entries first).
	JournalTail(ctx context.Context, limit int) ([]*JournalEntry, error)

	// FindRecentComplete returns the most recent complete entry for key
	// within the window, or nil. A non-empty excludeInstance skips that
	// instance's entries. The scan is bounded to recent entries.
	FindRecentComplete(ctx context.Context, key string, window time.Duration, excludeInstance string) (*JournalEntry, error)

	// RecentCommitments returns recent tier-3+ complete entries within
	// the window, newest first, excluding the given key, up to limit.
	// Used as supplemental context in pause verdicts.
	RecentCommitments(ctx context.Context, excludeKey string, window time.Duration, limit int) ([]*JournalEntry, error)

	// AcquireLock creates or refreshes a lock. It returns true when no
	// active lock exists on the key, or when the active lock is already
	// held by the same instance (the expiry is then extended). Expired
	// locks are treated as absent and pruned opportunistically.
	AcquireLock(ctx context.Context, params *AcquireLockParams) (bool, error)

	// ReleaseLock removes the lock on key only when held by instance.
	// Releasing an absent or foreign lock is a no-op.
	ReleaseLock(ctx context.Context, instance, key string) error

	// ActiveLocks returns all non-expired locks.
	ActiveLocks(ctx context.Context) ([]*Lock, error)

	// RecordContext appends a context-activity record.
	RecordContext(ctx context.Context, rec *ContextRecord) error

	// RecentContexts returns context records within the window, newest
	// first. An empty key returns records for all keys.
	RecentContexts(ctx context.Context, key string, window time.Duration) ([]*ContextRecord, error)

	// CheckConflict reports contention on a key. An active lock held by
	// another instance always conflicts. At tier 3 and above, recent
	// context activity from another instance also conflicts. Activity by
	// the same instance never conflicts here; self-duplicate detection is
	// the decision procedure's job.
	CheckConflict(ctx context.Context, params *CheckConflictParams) (*Conflict, error)

	// LeaderAttemptElect tries to take the maintenance leader lease.
	LeaderAttemptElect(ctx context.Context, params *LeaderElectParams) (bool, error)

	// LeaderAttemptReelect renews the lease held by LeaderID.
	LeaderAttemptReelect(ctx context.Context, params *LeaderElectParams) (bool, error)

	// LeaderResign drops the lease when held by leaderID.
	LeaderResign(ctx context.Context, leaderID string) error

	// SweepExpiredLocks removes expired locks and returns them.
	SweepExpiredLocks(ctx context.Context) ([]*Lock, error)

	// StaleLocks returns active locks held longer than maxHold, meaning
	// the holder never issued a post-call within the deadline.
	StaleLocks(ctx context.Context, maxHold time.Duration) ([]*Lock, error)

	// PruneContexts removes context records older than the window and
	// returns how many were removed.
	PruneContexts(ctx context.Context, window time.Duration) (int, error)

	// Close releases backend resources.
	Close() error
}
