package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/callosumhq/callosum/storage"
)

// sweepStore implements only the sweep operations.
type sweepStore struct {
	storage.Store

	expired []*storage.Lock
	stale   []*storage.Lock
	pruned  int

	sweepErr error
}

func (s *sweepStore) SweepExpiredLocks(ctx context.Context) ([]*storage.Lock, error) {
	if s.sweepErr != nil {
		return nil, s.sweepErr
	}
	return s.expired, nil
}

func (s *sweepStore) StaleLocks(ctx context.Context, maxHold time.Duration) ([]*storage.Lock, error) {
	return s.stale, nil
}

func (s *sweepStore) PruneContexts(ctx context.Context, window time.Duration) (int, error) {
	return s.pruned, nil
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("collects all results", func(t *testing.T) {
		store := &sweepStore{
			expired: []*storage.Lock{{ContextKey: "a"}},
			stale:   []*storage.Lock{{ContextKey: "b"}, {ContextKey: "c"}},
			pruned:  7,
		}
		s := NewSweeper(store, nil)
		result := s.RunOnce(ctx)

		if len(result.ExpiredLocks) != 1 {
			t.Errorf("expired = %v", result.ExpiredLocks)
		}
		if len(result.StaleLocks) != 2 {
			t.Errorf("stale = %v", result.StaleLocks)
		}
		if result.ContextsPruned != 7 {
			t.Errorf("pruned = %d", result.ContextsPruned)
		}
		if len(result.Errors) != 0 {
			t.Errorf("errors = %v", result.Errors)
		}
	})

	t.Run("one failure does not stop the sweep", func(t *testing.T) {
		store := &sweepStore{sweepErr: errors.New("disk gone"), pruned: 3}
		s := NewSweeper(store, nil)
		result := s.RunOnce(ctx)

		if len(result.Errors) != 1 {
			t.Fatalf("errors = %v", result.Errors)
		}
		if result.ContextsPruned != 3 {
			t.Errorf("prune skipped after earlier failure")
		}
	})
}

func TestSweeperLoop(t *testing.T) {
	ctx := context.Background()

	t.Run("callbacks fire on findings", func(t *testing.T) {
		store := &sweepStore{
			expired: []*storage.Lock{{ContextKey: "a"}},
			pruned:  2,
		}
		expired := make(chan []*storage.Lock, 1)
		pruned := make(chan int, 1)

		s := NewSweeper(store, &SweeperConfig{
			Interval: 10 * time.Millisecond,
			OnExpiredLocks: func(locks []*storage.Lock) {
				select {
				case expired <- locks:
				default:
				}
			},
			OnContextsPruned: func(count int) {
				select {
				case pruned <- count:
				default:
				}
			},
		})
		if err := s.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer s.Stop(ctx)

		select {
		case locks := <-expired:
			if len(locks) != 1 {
				t.Errorf("locks = %v", locks)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for OnExpiredLocks")
		}
		select {
		case count := <-pruned:
			if count != 2 {
				t.Errorf("count = %d", count)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for OnContextsPruned")
		}
	})

	t.Run("start twice fails", func(t *testing.T) {
		s := NewSweeper(&sweepStore{}, &SweeperConfig{Interval: time.Minute})
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer s.Stop(ctx)
		if err := s.Start(ctx); err != ErrAlreadyStarted {
			t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
		}
	})

	// The client restarts the sweeper on every leadership transition, so a
	// stopped sweeper must start cleanly again.
	t.Run("restarts after stop", func(t *testing.T) {
		swept := make(chan struct{}, 1)
		s := NewSweeper(&sweepStore{expired: []*storage.Lock{{ContextKey: "a"}}}, &SweeperConfig{
			Interval: time.Minute,
			OnExpiredLocks: func([]*storage.Lock) {
				select {
				case swept <- struct{}{}:
				default:
				}
			},
		})
		for i := 0; i < 2; i++ {
			if err := s.Start(ctx); err != nil {
				t.Fatalf("Start %d: %v", i, err)
			}
			select {
			case <-swept:
			case <-time.After(2 * time.Second):
				t.Fatalf("no sweep after start %d", i)
			}
			if err := s.Stop(ctx); err != nil {
				t.Fatalf("Stop %d: %v", i, err)
			}
			if s.IsRunning() {
				t.Fatalf("still running after stop %d", i)
			}
		}
	})
}
