package storage

import (
	"context"
	"testing"
	"time"

	"github.com/callosumhq/callosum/classify"
	"github.com/callosumhq/callosum/internal/testutil"
)

// Integration tests; they run only when DATABASE_URL is set.

func newPGStore(t *testing.T) *PostgresStore {
	t.Helper()
	db := testutil.NewTestDB(t)
	t.Cleanup(db.Close)

	s := NewPostgresStore(db.Pool)
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db.CleanTables(ctx); err != nil {
		t.Fatalf("CleanTables: %v", err)
	}
	return s
}

func TestPostgresJournal(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	entries := []*JournalEntry{
		{Instance: "a", Tool: "exec", Tier: classify.TierCommitment, ContextKey: "email:x@y", Action: ActionIntercept},
		{Instance: "a", Tool: "exec", Tier: classify.TierCommitment, ContextKey: "email:x@y", Action: ActionComplete},
		{Instance: "b", Tool: "deploy", Tier: classify.TierIrreversible, ContextKey: "deploy:api", Action: ActionComplete},
	}
	for _, e := range entries {
		if err := s.AppendJournal(ctx, e); err != nil {
			t.Fatalf("AppendJournal: %v", err)
		}
	}

	tail, err := s.JournalTail(ctx, 10)
	if err != nil {
		t.Fatalf("JournalTail: %v", err)
	}
	if len(tail) != 3 || tail[0].Action != ActionIntercept {
		t.Errorf("tail = %v", tail)
	}

	got, err := s.FindRecentComplete(ctx, "email:x@y", time.Hour, "")
	if err != nil {
		t.Fatalf("FindRecentComplete: %v", err)
	}
	if got == nil || got.Instance != "a" {
		t.Errorf("got %+v", got)
	}

	got, err = s.FindRecentComplete(ctx, "email:x@y", time.Hour, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("exclude ignored: %+v", got)
	}

	others, err := s.RecentCommitments(ctx, "email:x@y", time.Hour, 5)
	if err != nil {
		t.Fatalf("RecentCommitments: %v", err)
	}
	if len(others) != 1 || others[0].ContextKey != "deploy:api" {
		t.Errorf("others = %v", others)
	}
}

func TestPostgresLocks(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

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

	// Same instance refreshes.
	ok, err = s.AcquireLock(ctx, &AcquireLockParams{
		Instance: "a", ContextKey: "deploy:api", Tier: classify.TierIrreversible, TTL: time.Minute,
	})
	if err != nil || !ok {
		t.Fatalf("refresh = %v, %v", ok, err)
	}

	conflict, err := s.CheckConflict(ctx, &CheckConflictParams{
		Instance: "b", ContextKey: "deploy:api", Tier: classify.TierInternal, Window: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	if conflict == nil || !conflict.Locked || conflict.Instance != "a" {
		t.Errorf("conflict = %+v", conflict)
	}

	if err := s.ReleaseLock(ctx, "a", "deploy:api"); err != nil {
		t.Fatal(err)
	}
	locks, err := s.ActiveLocks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(locks) != 0 {
		t.Errorf("locks after release = %v", locks)
	}
}

func TestPostgresContextsAndLeader(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	err := s.RecordContext(ctx, &ContextRecord{
		Instance: "a", ContextKey: "channel:ops", Tier: classify.TierRoutine, Tool: "message",
	})
	if err != nil {
		t.Fatalf("RecordContext: %v", err)
	}
	recs, err := s.RecentContexts(ctx, "channel:ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("recs = %v", recs)
	}

	elected, err := s.LeaderAttemptElect(ctx, &LeaderElectParams{LeaderID: "a", TTL: 30 * time.Second})
	if err != nil || !elected {
		t.Fatalf("elect = %v, %v", elected, err)
	}
	elected, err = s.LeaderAttemptElect(ctx, &LeaderElectParams{LeaderID: "b", TTL: 30 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if elected {
		t.Error("b elected while a holds the lease")
	}
	if err := s.LeaderResign(ctx, "a"); err != nil {
		t.Fatal(err)
	}
}
