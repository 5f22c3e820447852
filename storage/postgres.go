package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callosumhq/callosum/classify"
)

// Schema creates the tables used by PostgresStore. Safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS callosum_journal (
	seq           BIGSERIAL PRIMARY KEY,
	id            UUID NOT NULL,
	ts            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	instance      TEXT NOT NULL,
	tool          TEXT NOT NULL,
	tier          SMALLINT NOT NULL,
	rule          TEXT,
	context_key   TEXT,
	action        TEXT NOT NULL,
	params_digest TEXT,
	conflict_note TEXT
);
CREATE INDEX IF NOT EXISTS callosum_journal_key_idx
	ON callosum_journal (context_key, action, ts);

CREATE TABLE IF NOT EXISTS callosum_locks (
	context_key TEXT PRIMARY KEY,
	instance    TEXT NOT NULL,
	tier        SMALLINT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS callosum_contexts (
	id          BIGSERIAL PRIMARY KEY,
	instance    TEXT NOT NULL,
	context_key TEXT NOT NULL,
	tier        SMALLINT NOT NULL,
	tool        TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS callosum_contexts_key_idx
	ON callosum_contexts (context_key, ts);

CREATE TABLE IF NOT EXISTS callosum_leader (
	name       TEXT PRIMARY KEY,
	leader_id  TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store on PostgreSQL with pgx. Row-level
// conflict handling makes the lock table safe for writers on different
// machines, which the file store cannot offer.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrPersistence, err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// AppendJournal implements Store.
func (s *PostgresStore) AppendJournal(ctx context.Context, entry *JournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	query := `
		INSERT INTO callosum_journal (id, ts, instance, tool, tier, rule, context_key, action, params_digest, conflict_note)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''), NULLIF($10, ''))
	`
	_, err := s.pool.Exec(ctx, query,
		entry.ID, entry.Timestamp, entry.Instance, entry.Tool, int(entry.Tier),
		entry.Rule, entry.ContextKey, string(entry.Action), entry.ParamsDigest, entry.ConflictNote)
	if err != nil {
		return fmt.Errorf("%w: append journal: %v", ErrPersistence, err)
	}
	return nil
}

// scanEntries reads journal rows produced by journalColumns.
const journalColumns = `id, ts, instance, tool, tier, COALESCE(rule, ''), COALESCE(context_key, ''), action, COALESCE(params_digest, ''), COALESCE(conflict_note, '')`

func scanEntries(rows pgx.Rows) ([]*JournalEntry, error) {
	defer rows.Close()
	var out []*JournalEntry
	for rows.Next() {
		var e JournalEntry
		var tier int
		var action string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Instance, &e.Tool, &tier,
			&e.Rule, &e.ContextKey, &action, &e.ParamsDigest, &e.ConflictNote); err != nil {
			return nil, fmt.Errorf("%w: scan journal: %v", ErrPersistence, err)
		}
		e.Tier = classify.Tier(tier)
		e.Action = Action(action)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// JournalTail implements Store.
func (s *PostgresStore) JournalTail(ctx context.Context, limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT %s FROM (
			SELECT seq, %s FROM callosum_journal ORDER BY seq DESC LIMIT $1
		) t ORDER BY seq ASC
	`, journalColumns, journalColumns)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: journal tail: %v", ErrPersistence, err)
	}
	return scanEntries(rows)
}

// FindRecentComplete implements Store.
func (s *PostgresStore) FindRecentComplete(ctx context.Context, key string, window time.Duration, excludeInstance string) (*JournalEntry, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM callosum_journal
		WHERE context_key = $1 AND action = 'complete' AND ts >= $2
			AND ($3 = '' OR instance <> $3)
		ORDER BY seq DESC LIMIT 1
	`, journalColumns)
	rows, err := s.pool.Query(ctx, query, key, time.Now().Add(-window), excludeInstance)
	if err != nil {
		return nil, fmt.Errorf("%w: find recent complete: %v", ErrPersistence, err)
	}
	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// RecentCommitments implements Store.
func (s *PostgresStore) RecentCommitments(ctx context.Context, excludeKey string, window time.Duration, limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`
		SELECT %s FROM callosum_journal
		WHERE action = 'complete' AND tier >= 3 AND ts >= $1
			AND context_key IS NOT NULL AND context_key <> $2
		ORDER BY seq DESC LIMIT $3
	`, journalColumns)
	rows, err := s.pool.Query(ctx, query, time.Now().Add(-window), excludeKey, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent commitments: %v", ErrPersistence, err)
	}
	return scanEntries(rows)
}

// AcquireLock implements Store. Creation, takeover of an expired lock, and
// same-instance refresh happen in a single statement, so racing instances
// on different machines resolve at the database.
func (s *PostgresStore) AcquireLock(ctx context.Context, params *AcquireLockParams) (bool, error) {
	now := time.Now()
	query := `
		INSERT INTO callosum_locks (context_key, instance, tier, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (context_key) DO UPDATE SET
			instance = EXCLUDED.instance,
			tier = EXCLUDED.tier,
			acquired_at = CASE
				WHEN callosum_locks.instance = EXCLUDED.instance AND callosum_locks.expires_at > NOW()
				THEN callosum_locks.acquired_at
				ELSE EXCLUDED.acquired_at
			END,
			expires_at = EXCLUDED.expires_at
		WHERE callosum_locks.expires_at <= NOW() OR callosum_locks.instance = EXCLUDED.instance
	`
	tag, err := s.pool.Exec(ctx, query,
		params.ContextKey, params.Instance, int(params.Tier), now, now.Add(params.TTL))
	if err != nil {
		return false, fmt.Errorf("%w: acquire lock: %v", ErrPersistence, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLock implements Store.
func (s *PostgresStore) ReleaseLock(ctx context.Context, instance, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM callosum_locks WHERE context_key = $1 AND instance = $2`, key, instance)
	if err != nil {
		return fmt.Errorf("%w: release lock: %v", ErrPersistence, err)
	}
	return nil
}

func scanLocks(rows pgx.Rows) ([]*Lock, error) {
	defer rows.Close()
	var out []*Lock
	for rows.Next() {
		var l Lock
		var tier int
		if err := rows.Scan(&l.ContextKey, &l.Instance, &tier, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("%w: scan lock: %v", ErrPersistence, err)
		}
		l.Tier = classify.Tier(tier)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ActiveLocks implements Store.
func (s *PostgresStore) ActiveLocks(ctx context.Context) ([]*Lock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT context_key, instance, tier, acquired_at, expires_at
		FROM callosum_locks WHERE expires_at > NOW() ORDER BY acquired_at
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: active locks: %v", ErrPersistence, err)
	}
	return scanLocks(rows)
}

// SweepExpiredLocks implements Store.
func (s *PostgresStore) SweepExpiredLocks(ctx context.Context) ([]*Lock, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM callosum_locks WHERE expires_at <= NOW()
		RETURNING context_key, instance, tier, acquired_at, expires_at
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: sweep locks: %v", ErrPersistence, err)
	}
	return scanLocks(rows)
}

// StaleLocks implements Store.
func (s *PostgresStore) StaleLocks(ctx context.Context, maxHold time.Duration) ([]*Lock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT context_key, instance, tier, acquired_at, expires_at
		FROM callosum_locks WHERE expires_at > NOW() AND acquired_at < $1
	`, time.Now().Add(-maxHold))
	if err != nil {
		return nil, fmt.Errorf("%w: stale locks: %v", ErrPersistence, err)
	}
	return scanLocks(rows)
}

// RecordContext implements Store.
func (s *PostgresStore) RecordContext(ctx context.Context, rec *ContextRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO callosum_contexts (instance, context_key, tier, tool, ts)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.Instance, rec.ContextKey, int(rec.Tier), rec.Tool, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: record context: %v", ErrPersistence, err)
	}
	return nil
}

// RecentContexts implements Store.
func (s *PostgresStore) RecentContexts(ctx context.Context, key string, window time.Duration) ([]*ContextRecord, error) {
	query := `
		SELECT instance, context_key, tier, tool, ts FROM callosum_contexts
		WHERE ts >= $1 AND ($2 = '' OR context_key = $2)
		ORDER BY ts DESC
	`
	rows, err := s.pool.Query(ctx, query, time.Now().Add(-window), key)
	if err != nil {
		return nil, fmt.Errorf("%w: recent contexts: %v", ErrPersistence, err)
	}
	defer rows.Close()
	var out []*ContextRecord
	for rows.Next() {
		var r ContextRecord
		var tier int
		if err := rows.Scan(&r.Instance, &r.ContextKey, &tier, &r.Tool, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan context: %v", ErrPersistence, err)
		}
		r.Tier = classify.Tier(tier)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PruneContexts implements Store.
func (s *PostgresStore) PruneContexts(ctx context.Context, window time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM callosum_contexts WHERE ts < $1`, time.Now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("%w: prune contexts: %v", ErrPersistence, err)
	}
	return int(tag.RowsAffected()), nil
}

// CheckConflict implements Store.
func (s *PostgresStore) CheckConflict(ctx context.Context, params *CheckConflictParams) (*Conflict, error) {
	var c Conflict
	var tier int
	err := s.pool.QueryRow(ctx, `
		SELECT instance, context_key, tier, acquired_at FROM callosum_locks
		WHERE context_key = $1 AND instance <> $2 AND expires_at > NOW()
	`, params.ContextKey, params.Instance).Scan(&c.Instance, &c.ContextKey, &tier, &c.Since)
	if err == nil {
		c.Tier = classify.Tier(tier)
		c.Locked = true
		return &c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: conflict lock check: %v", ErrPersistence, err)
	}
	if params.Tier < 3 {
		return nil, nil
	}

	err = s.pool.QueryRow(ctx, `
		SELECT instance, context_key, tier, ts FROM callosum_contexts
		WHERE context_key = $1 AND instance <> $2 AND ts >= $3
		ORDER BY ts DESC LIMIT 1
	`, params.ContextKey, params.Instance, time.Now().Add(-params.Window)).
		Scan(&c.Instance, &c.ContextKey, &tier, &c.Since)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: conflict context check: %v", ErrPersistence, err)
	}
	c.Tier = classify.Tier(tier)
	c.Locked = false
	return &c, nil
}

// LeaderAttemptElect implements Store.
func (s *PostgresStore) LeaderAttemptElect(ctx context.Context, params *LeaderElectParams) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO callosum_leader (name, leader_id, expires_at)
		VALUES ('default', $1, $2)
		ON CONFLICT (name) DO UPDATE SET
			leader_id = EXCLUDED.leader_id,
			expires_at = EXCLUDED.expires_at
		WHERE callosum_leader.expires_at <= NOW() OR callosum_leader.leader_id = EXCLUDED.leader_id
	`, params.LeaderID, time.Now().Add(params.TTL))
	if err != nil {
		return false, fmt.Errorf("%w: leader elect: %v", ErrPersistence, err)
	}
	return tag.RowsAffected() > 0, nil
}

// LeaderAttemptReelect implements Store.
func (s *PostgresStore) LeaderAttemptReelect(ctx context.Context, params *LeaderElectParams) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE callosum_leader SET expires_at = $2
		WHERE name = 'default' AND leader_id = $1 AND expires_at > NOW()
	`, params.LeaderID, time.Now().Add(params.TTL))
	if err != nil {
		return false, fmt.Errorf("%w: leader reelect: %v", ErrPersistence, err)
	}
	return tag.RowsAffected() > 0, nil
}

// LeaderResign implements Store.
func (s *PostgresStore) LeaderResign(ctx context.Context, leaderID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM callosum_leader WHERE name = 'default' AND leader_id = $1`, leaderID)
	if err != nil {
		return fmt.Errorf("%w: leader resign: %v", ErrPersistence, err)
	}
	return nil
}
