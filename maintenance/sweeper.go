// Package maintenance provides the background sweeper for a coordination
// store.
//
// The sweeper removes expired advisory locks, reports locks whose holder
// never issued a post-call within the hold deadline (a crashed or cancelled
// session), and prunes context records that have aged out of the window.
// TTL expiry remains the authoritative lock-release path; the sweeper only
// tightens the timeline and keeps the state files small. When several
// instances share a store, only the elected leader runs the sweeper.
package maintenance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/callosumhq/callosum/storage"
)

// Default sweeper configuration values.
const (
	DefaultSweepInterval = 1 * time.Minute
	DefaultStaleHold     = 10 * time.Minute
	DefaultContextWindow = 30 * time.Minute
)

// SweeperConfig holds configuration for the sweeper.
type SweeperConfig struct {
	// Interval is how often to sweep.
	// Default: 1 minute
	Interval time.Duration

	// StaleHold is how long a lock may be held before its holder is
	// presumed to have crashed without a post-call.
	// Default: 10 minutes
	StaleHold time.Duration

	// ContextWindow is the retention horizon for context records.
	// Default: 30 minutes
	ContextWindow time.Duration

	// OnExpiredLocks is called with the locks removed in a sweep.
	OnExpiredLocks func(locks []*storage.Lock)

	// OnStaleLocks is called with still-active locks past StaleHold.
	OnStaleLocks func(locks []*storage.Lock)

	// OnContextsPruned is called with the number of pruned records.
	OnContextsPruned func(count int)

	// OnError is called when a sweep operation fails.
	OnError func(err error)
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() *SweeperConfig {
	return &SweeperConfig{
		Interval:      DefaultSweepInterval,
		StaleHold:     DefaultStaleHold,
		ContextWindow: DefaultContextWindow,
	}
}

// SweepResult holds the results of one sweep.
type SweepResult struct {
	// ExpiredLocks are the locks removed because their TTL passed.
	ExpiredLocks []*storage.Lock

	// StaleLocks are active locks held past the hold deadline.
	StaleLocks []*storage.Lock

	// ContextsPruned is the number of context records removed.
	ContextsPruned int

	// Errors contains any failures encountered during the sweep.
	Errors []error
}

// Sweeper periodically cleans a coordination store.
type Sweeper struct {
	store  storage.Store
	config *SweeperConfig

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewSweeper creates a sweeper for the store.
func NewSweeper(store storage.Store, config *SweeperConfig) *Sweeper {
	if config == nil {
		config = DefaultSweeperConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.StaleHold <= 0 {
		config.StaleHold = DefaultStaleHold
	}
	if config.ContextWindow <= 0 {
		config.ContextWindow = DefaultContextWindow
	}
	return &Sweeper{
		store:  store,
		config: config,
	}
}

// Start begins the sweep loop. It returns immediately and sweeps in a
// goroutine; the first sweep runs right away.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	// A fresh channel per start; the sweeper restarts across leadership
	// transitions.
	s.done = make(chan struct{})
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	s.cancel()
	<-s.done
	s.started.Store(false)
	return nil
}

// IsRunning returns true if the sweeper is running.
func (s *Sweeper) IsRunning() bool {
	return s.started.Load()
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	result := s.RunOnce(ctx)

	if s.config.OnExpiredLocks != nil && len(result.ExpiredLocks) > 0 {
		s.config.OnExpiredLocks(result.ExpiredLocks)
	}
	if s.config.OnStaleLocks != nil && len(result.StaleLocks) > 0 {
		s.config.OnStaleLocks(result.StaleLocks)
	}
	if s.config.OnContextsPruned != nil && result.ContextsPruned > 0 {
		s.config.OnContextsPruned(result.ContextsPruned)
	}
	if s.config.OnError != nil {
		for _, err := range result.Errors {
			s.config.OnError(err)
		}
	}
}

// RunOnce performs a single sweep and returns the result. Useful for tests
// and one-off cleanup.
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	result := &SweepResult{}

	expired, err := s.store.SweepExpiredLocks(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		result.ExpiredLocks = expired
	}

	stale, err := s.store.StaleLocks(ctx, s.config.StaleHold)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		result.StaleLocks = stale
	}

	pruned, err := s.store.PruneContexts(ctx, s.config.ContextWindow)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		result.ContextsPruned = pruned
	}

	return result
}
