package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/callosumhq/callosum/classify"
)

// newTestStore returns a file store with a controllable clock.
func newTestStore(t *testing.T, config *FileConfig) (*FileStore, *time.Time) {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), config)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestAppendJournal(t *testing.T) {
	ctx := context.Background()

	t.Run("fills id and timestamp", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		e := &JournalEntry{Instance: "a", Tool: "exec", Action: ActionIntercept}
		if err := s.AppendJournal(ctx, e); err != nil {
			t.Fatalf("AppendJournal: %v", err)
		}
		if e.ID == "" {
			t.Error("ID not filled")
		}
		if e.Timestamp.IsZero() {
			t.Error("Timestamp not filled")
		}
	})

	t.Run("tail preserves append order", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		for _, tool := range []string{"one", "two", "three"} {
			err := s.AppendJournal(ctx, &JournalEntry{Instance: "a", Tool: tool, Action: ActionIntercept})
			if err != nil {
				t.Fatalf("AppendJournal: %v", err)
			}
		}
		tail, err := s.JournalTail(ctx, 2)
		if err != nil {
			t.Fatalf("JournalTail: %v", err)
		}
		if len(tail) != 2 || tail[0].Tool != "two" || tail[1].Tool != "three" {
			t.Errorf("tail = %v", tail)
		}
	})

	t.Run("rotation keeps entries readable", func(t *testing.T) {
		s, _ := newTestStore(t, &FileConfig{MaxJournalBytes: 256})
		for i := 0; i < 20; i++ {
			err := s.AppendJournal(ctx, &JournalEntry{
				Instance: "a", Tool: "exec", Action: ActionComplete, ContextKey: "email:x@y",
			})
			if err != nil {
				t.Fatalf("AppendJournal: %v", err)
			}
		}
		if _, err := os.Stat(filepath.Join(s.dir, "journal.jsonl.1")); err != nil {
			t.Fatalf("expected rotated generation: %v", err)
		}
		tail, err := s.JournalTail(ctx, 0)
		if err != nil {
			t.Fatalf("JournalTail: %v", err)
		}
		if len(tail) == 0 {
			t.Error("no entries visible after rotation")
		}
	})
}

func TestFindRecentComplete(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t, nil)

	add := func(instance, key string, action Action) {
		t.Helper()
		err := s.AppendJournal(ctx, &JournalEntry{
			Instance: instance, Tool: "exec", Tier: classify.TierCommitment,
			ContextKey: key, Action: action,
		})
		if err != nil {
			t.Fatalf("AppendJournal: %v", err)
		}
	}

	add("a", "email:x@y", ActionIntercept)
	add("a", "email:x@y", ActionComplete)
	add("b", "email:other", ActionComplete)

	t.Run("finds matching complete", func(t *testing.T) {
		got, err := s.FindRecentComplete(ctx, "email:x@y", time.Hour, "")
		if err != nil {
			t.Fatalf("FindRecentComplete: %v", err)
		}
		if got == nil || got.Instance != "a" {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("intercept entries do not count", func(t *testing.T) {
		add("c", "cron:job", ActionIntercept)
		got, err := s.FindRecentComplete(ctx, "cron:job", time.Hour, "")
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Errorf("got %+v, want nil", got)
		}
	})

	t.Run("exclude instance skips own entries", func(t *testing.T) {
		got, err := s.FindRecentComplete(ctx, "email:x@y", time.Hour, "a")
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Errorf("got %+v, want nil", got)
		}
	})

	t.Run("entries age out of the window", func(t *testing.T) {
		*now = now.Add(2 * time.Hour)
		got, err := s.FindRecentComplete(ctx, "email:x@y", time.Hour, "")
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Errorf("got %+v, want nil", got)
		}
	})
}

func TestRecentCommitments(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	entries := []*JournalEntry{
		{Instance: "a", Tool: "exec", Tier: classify.TierCommitment, ContextKey: "email:one", Action: ActionComplete},
		{Instance: "b", Tool: "deploy", Tier: classify.TierIrreversible, ContextKey: "deploy:api", Action: ActionComplete},
		{Instance: "c", Tool: "message", Tier: classify.TierRoutine, ContextKey: "channel:ops", Action: ActionComplete},
		{Instance: "d", Tool: "exec", Tier: classify.TierCommitment, ContextKey: "email:skip", Action: ActionComplete},
	}
	for _, e := range entries {
		if err := s.AppendJournal(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.RecentCommitments(ctx, "email:skip", time.Hour, 10)
	if err != nil {
		t.Fatalf("RecentCommitments: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2 (tier-3+ complete, key excluded)", len(got))
	}
	// Newest first.
	if got[0].ContextKey != "deploy:api" || got[1].ContextKey != "email:one" {
		t.Errorf("order = %s, %s", got[0].ContextKey, got[1].ContextKey)
	}

	limited, err := s.RecentCommitments(ctx, "", time.Hour, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: got %d", len(limited))
	}
}

func TestAcquireLock(t *testing.T) {
	ctx := context.Background()

	t.Run("exclusive per key", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		ok, err := s.AcquireLock(ctx, &AcquireLockParams{
			Instance: "a", ContextKey: "deploy:api", Tier: classify.TierIrreversible, TTL: time.Minute,
		})
		if err != nil || !ok {
			t.Fatalf("first acquire = %v, %v", ok, err)
		}
		ok, err = s.AcquireLock(ctx, &AcquireLockParams{
			Instance: "b", ContextKey: "deploy:api", Tier: classify.TierIrreversible, TTL: time.Minute,
		})
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("second instance acquired a held lock")
		}
	})

	t.Run("same instance refreshes", func(t *testing.T) {
		s, now := newTestStore(t, nil)
		params := &AcquireLockParams{Instance: "a", ContextKey: "k", Tier: classify.TierCommitment, TTL: time.Minute}
		if ok, _ := s.AcquireLock(ctx, params); !ok {
			t.Fatal("initial acquire failed")
		}
		*now = now.Add(30 * time.Second)
		if ok, _ := s.AcquireLock(ctx, params); !ok {
			t.Fatal("refresh failed")
		}
		locks, _ := s.ActiveLocks(ctx)
		if len(locks) != 1 {
			t.Fatalf("got %d locks, want 1", len(locks))
		}
		if want := now.Add(time.Minute); !locks[0].ExpiresAt.Equal(want) {
			t.Errorf("expiry = %v, want %v", locks[0].ExpiresAt, want)
		}
	})

	t.Run("expired lock is treated as absent", func(t *testing.T) {
		s, now := newTestStore(t, nil)
		if ok, _ := s.AcquireLock(ctx, &AcquireLockParams{
			Instance: "a", ContextKey: "k", TTL: time.Minute,
		}); !ok {
			t.Fatal("initial acquire failed")
		}
		*now = now.Add(2 * time.Minute)
		ok, err := s.AcquireLock(ctx, &AcquireLockParams{
			Instance: "b", ContextKey: "k", TTL: time.Minute,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Error("expired lock blocked a new holder")
		}
	})

	t.Run("release is owner-only", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		if ok, _ := s.AcquireLock(ctx, &AcquireLockParams{
			Instance: "a", ContextKey: "k", TTL: time.Minute,
		}); !ok {
			t.Fatal("acquire failed")
		}
		if err := s.ReleaseLock(ctx, "b", "k"); err != nil {
			t.Fatalf("foreign release errored: %v", err)
		}
		locks, _ := s.ActiveLocks(ctx)
		if len(locks) != 1 {
			t.Fatal("foreign release removed the lock")
		}
		if err := s.ReleaseLock(ctx, "a", "k"); err != nil {
			t.Fatal(err)
		}
		locks, _ = s.ActiveLocks(ctx)
		if len(locks) != 0 {
			t.Error("owner release kept the lock")
		}
	})
}

func TestSweepAndStale(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t, nil)

	if ok, _ := s.AcquireLock(ctx, &AcquireLockParams{Instance: "a", ContextKey: "short", TTL: time.Minute}); !ok {
		t.Fatal("acquire failed")
	}
	if ok, _ := s.AcquireLock(ctx, &AcquireLockParams{Instance: "b", ContextKey: "long", TTL: time.Hour}); !ok {
		t.Fatal("acquire failed")
	}

	*now = now.Add(30 * time.Minute)

	expired, err := s.SweepExpiredLocks(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredLocks: %v", err)
	}
	if len(expired) != 1 || expired[0].ContextKey != "short" {
		t.Errorf("expired = %v", expired)
	}

	stale, err := s.StaleLocks(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("StaleLocks: %v", err)
	}
	if len(stale) != 1 || stale[0].ContextKey != "long" {
		t.Errorf("stale = %v", stale)
	}
}

func TestContextRecords(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t, nil)

	recs := []*ContextRecord{
		{Instance: "a", ContextKey: "channel:ops", Tier: classify.TierRoutine, Tool: "message"},
		{Instance: "b", ContextKey: "channel:dev", Tier: classify.TierRoutine, Tool: "message"},
		{Instance: "a", ContextKey: "channel:ops", Tier: classify.TierCommitment, Tool: "message"},
	}
	for _, r := range recs {
		if err := s.RecordContext(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("filter by key, newest first", func(t *testing.T) {
		got, err := s.RecentContexts(ctx, "channel:ops", time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d records, want 2", len(got))
		}
		if got[0].Tier != classify.TierCommitment {
			t.Errorf("newest first violated: %+v", got[0])
		}
	})

	t.Run("empty key returns all", func(t *testing.T) {
		got, err := s.RecentContexts(ctx, "", time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 {
			t.Errorf("got %d records, want 3", len(got))
		}
	})

	t.Run("prune removes aged records", func(t *testing.T) {
		*now = now.Add(2 * time.Hour)
		removed, err := s.PruneContexts(ctx, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if removed != 3 {
			t.Errorf("removed = %d, want 3", removed)
		}
		got, _ := s.RecentContexts(ctx, "", time.Hour)
		if len(got) != 0 {
			t.Errorf("records survived prune: %v", got)
		}
	})
}

func TestCheckConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("foreign lock always conflicts", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		if ok, _ := s.AcquireLock(ctx, &AcquireLockParams{
			Instance: "a", ContextKey: "k", Tier: classify.TierCommitment, TTL: time.Minute,
		}); !ok {
			t.Fatal("acquire failed")
		}
		c, err := s.CheckConflict(ctx, &CheckConflictParams{
			Instance: "b", ContextKey: "k", Tier: classify.TierInternal, Window: time.Hour,
		})
		if err != nil {
			t.Fatal(err)
		}
		if c == nil || !c.Locked || c.Instance != "a" {
			t.Errorf("got %+v", c)
		}
	})

	t.Run("own lock never conflicts", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		if ok, _ := s.AcquireLock(ctx, &AcquireLockParams{
			Instance: "a", ContextKey: "k", TTL: time.Minute,
		}); !ok {
			t.Fatal("acquire failed")
		}
		c, err := s.CheckConflict(ctx, &CheckConflictParams{
			Instance: "a", ContextKey: "k", Tier: classify.TierIrreversible, Window: time.Hour,
		})
		if err != nil {
			t.Fatal(err)
		}
		if c != nil {
			t.Errorf("got %+v, want nil", c)
		}
	})

	t.Run("context activity conflicts at tier 3", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		err := s.RecordContext(ctx, &ContextRecord{
			Instance: "other", ContextKey: "email:x@y", Tier: classify.TierCommitment, Tool: "exec",
		})
		if err != nil {
			t.Fatal(err)
		}
		c, err := s.CheckConflict(ctx, &CheckConflictParams{
			Instance: "me", ContextKey: "email:x@y", Tier: classify.TierCommitment, Window: time.Hour,
		})
		if err != nil {
			t.Fatal(err)
		}
		if c == nil || c.Locked || c.Instance != "other" {
			t.Errorf("got %+v", c)
		}
	})

	t.Run("context activity ignored below tier 3", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		err := s.RecordContext(ctx, &ContextRecord{
			Instance: "other", ContextKey: "channel:ops", Tier: classify.TierRoutine, Tool: "message",
		})
		if err != nil {
			t.Fatal(err)
		}
		c, err := s.CheckConflict(ctx, &CheckConflictParams{
			Instance: "me", ContextKey: "channel:ops", Tier: classify.TierRoutine, Window: time.Hour,
		})
		if err != nil {
			t.Fatal(err)
		}
		if c != nil {
			t.Errorf("got %+v, want nil", c)
		}
	})
}

func TestLeaderLease(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t, nil)

	params := func(id string) *LeaderElectParams {
		return &LeaderElectParams{LeaderID: id, TTL: 30 * time.Second}
	}

	elected, err := s.LeaderAttemptElect(ctx, params("a"))
	if err != nil || !elected {
		t.Fatalf("elect a = %v, %v", elected, err)
	}

	elected, err = s.LeaderAttemptElect(ctx, params("b"))
	if err != nil {
		t.Fatal(err)
	}
	if elected {
		t.Error("b elected while a holds the lease")
	}

	renewed, err := s.LeaderAttemptReelect(ctx, params("a"))
	if err != nil || !renewed {
		t.Fatalf("reelect a = %v, %v", renewed, err)
	}

	renewed, err = s.LeaderAttemptReelect(ctx, params("b"))
	if err != nil {
		t.Fatal(err)
	}
	if renewed {
		t.Error("b renewed a lease it never held")
	}

	// Lease expiry opens the door for a successor.
	*now = now.Add(time.Minute)
	elected, err = s.LeaderAttemptElect(ctx, params("b"))
	if err != nil || !elected {
		t.Fatalf("elect b after expiry = %v, %v", elected, err)
	}

	if err := s.LeaderResign(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	elected, err = s.LeaderAttemptElect(ctx, params("a"))
	if err != nil || !elected {
		t.Fatalf("elect a after resign = %v, %v", elected, err)
	}
}

func TestCrossProcessGuard(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, &FileConfig{CrossProcessLock: true})

	// Mutations still work with the guard enabled.
	if ok, err := s.AcquireLock(ctx, &AcquireLockParams{
		Instance: "a", ContextKey: "k", TTL: time.Minute,
	}); err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(s.dir, guardFile)); !os.IsNotExist(err) {
		t.Errorf("guard file left behind: %v", err)
	}
}
