package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default file store configuration values.
const (
	DefaultMaxJournalBytes = 2 << 20 // 2 MiB before rotation
	DefaultLockStaleAfter  = 5 * time.Second
	DefaultLockWait        = 2 * time.Second

	journalFile  = "journal.jsonl"
	locksFile    = "locks.json"
	contextsFile = "contexts.json"
	leaderFile   = "leader.json"
	guardFile    = ".callosum.lock"
)

// FileConfig holds configuration for the file-backed store.
type FileConfig struct {
	// MaxJournalBytes triggers journal rotation when the current file
	// exceeds it. Rotation renames journal.jsonl to journal.jsonl.1 and
	// journal.jsonl.1 to journal.jsonl.2; the triggering append lands in
	// the fresh file, never lost.
	// Default: 2 MiB
	MaxJournalBytes int64

	// CrossProcessLock guards lock-table and context-record mutations
	// with an advisory lock file so several processes can share the
	// state directory. Journal appends are safe without it (POSIX
	// append); the read-modify-write cycle on the other documents is
	// not. A single serializing server process is still the recommended
	// deployment for shared directories.
	CrossProcessLock bool

	// LockStaleAfter is when a guard file left by a dead process is
	// taken over.
	// Default: 5 seconds
	LockStaleAfter time.Duration

	// LockWait bounds how long a mutation waits for the guard file.
	// Default: 2 seconds
	LockWait time.Duration
}

// DefaultFileConfig returns the default file store configuration.
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		MaxJournalBytes: DefaultMaxJournalBytes,
		LockStaleAfter:  DefaultLockStaleAfter,
		LockWait:        DefaultLockWait,
	}
}

// FileStore implements Store on a state directory.
//
// Layout: journal.jsonl (one JSON object per line, append-only, rotated),
// locks.json and contexts.json (single JSON documents rewritten on
// mutation), leader.json (maintenance leader lease).
type FileStore struct {
	dir    string
	config *FileConfig

	// mu serializes all operations within the process.
	mu sync.Mutex

	// now is replaceable in tests.
	now func() time.Time
}

// NewFileStore opens (creating if needed) a file store at dir.
func NewFileStore(dir string, config *FileConfig) (*FileStore, error) {
	if config == nil {
		config = DefaultFileConfig()
	}
	if config.MaxJournalBytes <= 0 {
		config.MaxJournalBytes = DefaultMaxJournalBytes
	}
	if config.LockStaleAfter <= 0 {
		config.LockStaleAfter = DefaultLockStaleAfter
	}
	if config.LockWait <= 0 {
		config.LockWait = DefaultLockWait
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir, config: config, now: time.Now}, nil
}

// Close implements Store. The file store holds no long-lived resources.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// guard acquires the cross-process advisory lock when configured. The
// returned function releases it.
func (s *FileStore) guard() (func(), error) {
	if !s.config.CrossProcessLock {
		return func() {}, nil
	}
	path := s.path(guardFile)
	deadline := s.now().Add(s.config.LockWait)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s", os.Getpid(), s.now().Format(time.RFC3339Nano))
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %v", ErrStateLocked, err)
		}
		// Take over a guard left behind by a dead process.
		if info, statErr := os.Stat(path); statErr == nil {
			if s.now().Sub(info.ModTime()) > s.config.LockStaleAfter {
				os.Remove(path)
				continue
			}
		}
		if s.now().After(deadline) {
			return nil, ErrStateLocked
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---- journal ----

// AppendJournal implements Store. The entry is fsynced before return and
// rotation never drops the in-flight append: rotation happens before the
// write, so the entry always lands in the live file.
func (s *FileStore) AppendJournal(ctx context.Context, entry *JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshal journal entry: %v", ErrPersistence, err)
	}

	path := s.path(journalFile)
	if info, err := os.Stat(path); err == nil && info.Size() >= s.config.MaxJournalBytes {
		s.rotateJournal()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open journal: %v", ErrPersistence, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: append journal: %v", ErrPersistence, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync journal: %v", ErrPersistence, err)
	}
	return nil
}

// rotateJournal shifts journal.jsonl.1 to .2 and the live file to .1.
func (s *FileStore) rotateJournal() {
	base := s.path(journalFile)
	os.Rename(base+".1", base+".2")
	os.Rename(base, base+".1")
}

// readJournal returns parsed entries from the live file, preceded by the
// previous generation when withPrev is set. Unparseable lines are skipped.
func (s *FileStore) readJournal(withPrev bool) []*JournalEntry {
	var entries []*JournalEntry
	files := []string{s.path(journalFile)}
	if withPrev {
		files = []string{s.path(journalFile) + ".1", s.path(journalFile)}
	}
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			var e JournalEntry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				continue
			}
			entries = append(entries, &e)
		}
		f.Close()
	}
	return entries
}

// JournalTail implements Store.
func (s *FileStore) JournalTail(ctx context.Context, limit int) ([]*JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.readJournal(true)
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// FindRecentComplete implements Store. The scan is bounded to the live
// journal file and the previous generation.
func (s *FileStore) FindRecentComplete(ctx context.Context, key string, window time.Duration, excludeInstance string) (*JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	entries := s.readJournal(true)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Action != ActionComplete || e.ContextKey != key || e.Timestamp.Before(cutoff) {
			continue
		}
		if excludeInstance != "" && e.Instance == excludeInstance {
			continue
		}
		return e, nil
	}
	return nil, nil
}

// RecentCommitments implements Store.
func (s *FileStore) RecentCommitments(ctx context.Context, excludeKey string, window time.Duration, limit int) ([]*JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	entries := s.readJournal(true)
	var out []*JournalEntry
	for i := len(entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := entries[i]
		if e.Action != ActionComplete || e.Tier < 3 {
			continue
		}
		if e.ContextKey == "" || e.ContextKey == excludeKey {
			continue
		}
		if e.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ---- lock table ----

// loadLocks reads locks.json, dropping expired entries.
func (s *FileStore) loadLocks() ([]*Lock, error) {
	var locks []*Lock
	if err := s.loadDoc(locksFile, &locks); err != nil {
		return nil, err
	}
	now := s.now()
	active := locks[:0]
	for _, l := range locks {
		if l.Active(now) {
			active = append(active, l)
		}
	}
	return active, nil
}

func (s *FileStore) loadDoc(name string, v any) error {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrPersistence, name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrPersistence, name, err)
	}
	return nil
}

// saveDoc writes a JSON document atomically via rename.
func (s *FileStore) saveDoc(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", ErrPersistence, name, err)
	}
	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, name, err)
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		return fmt.Errorf("%w: replace %s: %v", ErrPersistence, name, err)
	}
	return nil
}

// AcquireLock implements Store.
func (s *FileStore) AcquireLock(ctx context.Context, params *AcquireLockParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, err := s.guard()
	if err != nil {
		return false, err
	}
	defer release()

	locks, err := s.loadLocks()
	if err != nil {
		return false, err
	}
	now := s.now()
	for _, l := range locks {
		if l.ContextKey != params.ContextKey {
			continue
		}
		if l.Instance != params.Instance {
			return false, nil
		}
		// Refresh our own lock.
		l.Tier = params.Tier
		l.ExpiresAt = now.Add(params.TTL)
		return true, s.saveDoc(locksFile, locks)
	}
	locks = append(locks, &Lock{
		Instance:   params.Instance,
		ContextKey: params.ContextKey,
		Tier:       params.Tier,
		AcquiredAt: now,
		ExpiresAt:  now.Add(params.TTL),
	})
	return true, s.saveDoc(locksFile, locks)
}

// ReleaseLock implements Store.
func (s *FileStore) ReleaseLock(ctx context.Context, instance, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	locks, err := s.loadLocks()
	if err != nil {
		return err
	}
	kept := locks[:0]
	changed := false
	for _, l := range locks {
		if l.ContextKey == key && l.Instance == instance {
			changed = true
			continue
		}
		kept = append(kept, l)
	}
	if !changed {
		return nil
	}
	return s.saveDoc(locksFile, kept)
}

// ActiveLocks implements Store.
func (s *FileStore) ActiveLocks(ctx context.Context) ([]*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocks()
}

// SweepExpiredLocks implements Store.
func (s *FileStore) SweepExpiredLocks(ctx context.Context) ([]*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, err := s.guard()
	if err != nil {
		return nil, err
	}
	defer release()

	var locks []*Lock
	if err := s.loadDoc(locksFile, &locks); err != nil {
		return nil, err
	}
	now := s.now()
	var expired []*Lock
	kept := locks[:0]
	for _, l := range locks {
		if l.Active(now) {
			kept = append(kept, l)
		} else {
			expired = append(expired, l)
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	return expired, s.saveDoc(locksFile, kept)
}

// StaleLocks implements Store.
func (s *FileStore) StaleLocks(ctx context.Context, maxHold time.Duration) ([]*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locks, err := s.loadLocks()
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-maxHold)
	var stale []*Lock
	for _, l := range locks {
		if l.AcquiredAt.Before(cutoff) {
			stale = append(stale, l)
		}
	}
	return stale, nil
}

// ---- context record ----

// RecordContext implements Store.
func (s *FileStore) RecordContext(ctx context.Context, rec *ContextRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	var recs []*ContextRecord
	if err := s.loadDoc(contextsFile, &recs); err != nil {
		return err
	}
	recs = append(recs, rec)
	return s.saveDoc(contextsFile, recs)
}

// RecentContexts implements Store.
func (s *FileStore) RecentContexts(ctx context.Context, key string, window time.Duration) ([]*ContextRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []*ContextRecord
	if err := s.loadDoc(contextsFile, &recs); err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-window)
	var out []*ContextRecord
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if r.Timestamp.Before(cutoff) {
			continue
		}
		if key != "" && r.ContextKey != key {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// PruneContexts implements Store.
func (s *FileStore) PruneContexts(ctx context.Context, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, err := s.guard()
	if err != nil {
		return 0, err
	}
	defer release()

	var recs []*ContextRecord
	if err := s.loadDoc(contextsFile, &recs); err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-window)
	kept := recs[:0]
	for _, r := range recs {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	removed := len(recs) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveDoc(contextsFile, kept)
}

// ---- conflict check ----

// CheckConflict implements Store.
func (s *FileStore) CheckConflict(ctx context.Context, params *CheckConflictParams) (*Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locks, err := s.loadLocks()
	if err != nil {
		return nil, err
	}
	for _, l := range locks {
		if l.ContextKey == params.ContextKey && l.Instance != params.Instance {
			return &Conflict{
				Instance:   l.Instance,
				ContextKey: l.ContextKey,
				Tier:       l.Tier,
				Locked:     true,
				Since:      l.AcquiredAt,
			}, nil
		}
	}
	if params.Tier < 3 {
		return nil, nil
	}

	var recs []*ContextRecord
	if err := s.loadDoc(contextsFile, &recs); err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-params.Window)
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		if r.ContextKey != params.ContextKey || r.Instance == params.Instance {
			continue
		}
		if r.Timestamp.Before(cutoff) {
			continue
		}
		return &Conflict{
			Instance:   r.Instance,
			ContextKey: r.ContextKey,
			Tier:       r.Tier,
			Locked:     false,
			Since:      r.Timestamp,
		}, nil
	}
	return nil, nil
}

// ---- leader lease ----

// leaderLease is the leader.json document.
type leaderLease struct {
	LeaderID  string    `json:"leaderId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LeaderAttemptElect implements Store.
func (s *FileStore) LeaderAttemptElect(ctx context.Context, params *LeaderElectParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, err := s.guard()
	if err != nil {
		return false, err
	}
	defer release()

	var lease leaderLease
	if err := s.loadDoc(leaderFile, &lease); err != nil {
		return false, err
	}
	now := s.now()
	if lease.LeaderID != "" && lease.LeaderID != params.LeaderID && now.Before(lease.ExpiresAt) {
		return false, nil
	}
	lease = leaderLease{LeaderID: params.LeaderID, ExpiresAt: now.Add(params.TTL)}
	return true, s.saveDoc(leaderFile, &lease)
}

// LeaderAttemptReelect implements Store.
func (s *FileStore) LeaderAttemptReelect(ctx context.Context, params *LeaderElectParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, err := s.guard()
	if err != nil {
		return false, err
	}
	defer release()

	var lease leaderLease
	if err := s.loadDoc(leaderFile, &lease); err != nil {
		return false, err
	}
	now := s.now()
	if lease.LeaderID != params.LeaderID || !now.Before(lease.ExpiresAt) {
		return false, nil
	}
	lease.ExpiresAt = now.Add(params.TTL)
	return true, s.saveDoc(leaderFile, &lease)
}

// LeaderResign implements Store.
func (s *FileStore) LeaderResign(ctx context.Context, leaderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, err := s.guard()
	if err != nil {
		return err
	}
	defer release()

	var lease leaderLease
	if err := s.loadDoc(leaderFile, &lease); err != nil {
		return err
	}
	if lease.LeaderID != leaderID {
		return nil
	}
	return s.saveDoc(leaderFile, &leaderLease{})
}
