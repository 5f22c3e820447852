package callosum

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/callosumhq/callosum/classify"
	"github.com/callosumhq/callosum/hooks"
	"github.com/callosumhq/callosum/leadership"
	"github.com/callosumhq/callosum/maintenance"
	"github.com/callosumhq/callosum/notifier"
	"github.com/callosumhq/callosum/storage"
)

// Client is one session's handle on the gate. It binds an instance ID to a
// decision backend (the in-process Gate in local mode, the shared server in
// remote mode) and manages the background machinery: rule hot reload,
// maintenance-leader election, and the sweeper.
type Client struct {
	config *internalConfig
	store  storage.Store
	bus    *notifier.Notifier
	gate   *Gate
	remote *remoteGate

	watcher *classify.Watcher
	elector *leadership.Elector
	sweeper *maintenance.Sweeper

	// ownStore is true when the client opened the store itself and must
	// close it on Stop.
	ownStore bool

	started atomic.Bool
	cancel  context.CancelFunc
}

// New creates a client. The store is opened and the rule list compiled
// here; Start only launches the background loops.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ic := newInternalConfig(cfg)
	for _, opt := range opts {
		if err := opt(ic); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	var (
		rules       = ic.rules
		description string
	)
	if rules == nil {
		if ic.ruleFile != "" {
			rf, err := classify.LoadRuleFile(ic.ruleFile)
			if err != nil {
				return nil, fmt.Errorf("%w: rule file: %v", ErrInvalidConfig, err)
			}
			rules = rf.Rules
			description = rf.Description
		} else {
			rules = classify.DefaultRules()
		}
	}
	classifier, err := classify.NewClassifier(rules)
	if err != nil {
		return nil, fmt.Errorf("%w: rules: %v", ErrInvalidConfig, err)
	}

	store := ic.store
	ownStore := false
	if store == nil {
		store, err = storage.NewFileStore(ic.stateDir, ic.fileConfig)
		if err != nil {
			return nil, NewGateError("New", err)
		}
		ownStore = true
	}

	bus := notifier.New()
	gate := newGate(ic, store, classifier, bus)
	gate.setRuleDescription(description)

	c := &Client{
		config:   ic,
		store:    store,
		bus:      bus,
		gate:     gate,
		ownStore: ownStore,
	}

	if ic.mode == ModeRemote {
		c.remote = newRemoteGate(ic.serverURL, ic.timeout)
	}

	if ic.ruleFile != "" && ic.watchRules {
		c.watcher = classify.NewWatcher(ic.ruleFile, &classify.WatcherConfig{
			OnReload: func(next *classify.Classifier) {
				gate.SetClassifier(next)
			},
			OnError: func(err error) {
				c.logWarn("rule reload failed, keeping previous rules", "error", err)
			},
		})
	}

	// The sweeper runs only while this instance holds the maintenance
	// lease. In remote mode the server sweeps instead.
	if ic.maintain && ic.mode == ModeLocal {
		sc := ic.sweeper
		if sc == nil {
			sc = maintenance.DefaultSweeperConfig()
			sc.ContextWindow = ic.contextWindow
		}
		if sc.OnError == nil {
			sc.OnError = func(err error) {
				c.logWarn("maintenance sweep error", "error", err)
			}
		}
		c.sweeper = maintenance.NewSweeper(store, sc)
		c.elector = leadership.NewElector(store, ic.instanceID, ic.leaderElect, leadership.Callbacks{
			OnBecameLeader: func(ctx context.Context) {
				bus.Publish(&notifier.Event{Type: notifier.EventLeaderChange, Instance: ic.instanceID, Detail: "elected"})
				if err := c.sweeper.Start(ctx); err != nil && err != maintenance.ErrAlreadyStarted {
					c.logWarn("sweeper start failed", "error", err)
				}
			},
			OnLostLeadership: func(ctx context.Context) {
				bus.Publish(&notifier.Event{Type: notifier.EventLeaderChange, Instance: ic.instanceID, Detail: "lost"})
				if c.sweeper.IsRunning() {
					_ = c.sweeper.Stop(ctx)
				}
			},
		})
	}

	return c, nil
}

// Start launches the background loops. It is required before the hook
// surface may be used.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrClientAlreadyStarted
	}
	ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if c.watcher != nil {
		if err := c.watcher.Start(ctx); err != nil {
			c.started.Store(false)
			c.cancel()
			return NewGateError("Start", err)
		}
	}
	if c.elector != nil {
		if err := c.elector.Start(ctx); err != nil {
			if c.watcher != nil {
				_ = c.watcher.Stop(ctx)
			}
			c.started.Store(false)
			c.cancel()
			return NewGateError("Start", err)
		}
	}
	c.logInfo("gate client started",
		"instance", c.config.instanceID, "mode", string(c.config.mode))
	return nil
}

// Stop stops the background loops and closes the store when the client
// opened it. The client cannot be restarted.
func (c *Client) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}

	if c.elector != nil {
		_ = c.elector.Stop(ctx)
	}
	if c.sweeper != nil && c.sweeper.IsRunning() {
		_ = c.sweeper.Stop(ctx)
	}
	if c.watcher != nil && c.watcher.IsRunning() {
		_ = c.watcher.Stop(ctx)
	}
	c.cancel()

	var err error
	if c.ownStore {
		err = c.store.Close()
	}
	c.started.Store(false)
	c.logInfo("gate client stopped", "instance", c.config.instanceID)
	if err != nil {
		return NewGateError("Stop", err)
	}
	return nil
}

// IsRunning returns true if the client has been started.
func (c *Client) IsRunning() bool {
	return c.started.Load()
}

// BeforeToolCall is the pre-call hook surface. In remote mode the decision
// is delegated to the shared server; if the server is unreachable the
// client decides locally so coordination degrades rather than the agent.
func (c *Client) BeforeToolCall(ctx context.Context, ev *ToolCallEvent) (*Decision, error) {
	if !c.started.Load() {
		return nil, ErrClientNotStarted
	}
	if c.remote != nil {
		d, err := c.remote.BeforeToolCall(ctx, c.config.instanceID, ev)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrRemoteUnavailable) {
			return nil, err
		}
		c.logWarn("gate server unreachable, deciding locally", "error", err)
	}
	return c.gate.BeforeToolCall(ctx, c.config.instanceID, ev)
}

// AfterToolCall is the post-call hook surface.
func (c *Client) AfterToolCall(ctx context.Context, ev *ToolCallEvent) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}
	if c.remote != nil {
		err := c.remote.AfterToolCall(ctx, c.config.instanceID, ev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRemoteUnavailable) {
			return err
		}
		c.logWarn("gate server unreachable, recording locally", "error", err)
	}
	return c.gate.AfterToolCall(ctx, c.config.instanceID, ev)
}

// Status returns the current coordination state, optionally filtered to
// one context key.
func (c *Client) Status(ctx context.Context, contextKey string) (*Status, error) {
	if !c.started.Load() {
		return nil, ErrClientNotStarted
	}
	if c.remote != nil {
		st, err := c.remote.Status(ctx, contextKey)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, ErrRemoteUnavailable) {
			return nil, err
		}
		c.logWarn("gate server unreachable, reading local state", "error", err)
	}
	return c.gate.Status(ctx, contextKey)
}

// Journal returns the tail of the audit journal.
func (c *Client) Journal(ctx context.Context, limit int) ([]*storage.JournalEntry, error) {
	if !c.started.Load() {
		return nil, ErrClientNotStarted
	}
	if c.remote != nil {
		entries, err := c.remote.Journal(ctx, limit)
		if err == nil {
			return entries, nil
		}
		if !errors.Is(err, ErrRemoteUnavailable) {
			return nil, err
		}
		c.logWarn("gate server unreachable, reading local journal", "error", err)
	}
	return c.gate.Journal(ctx, limit)
}

// Acquire takes an explicit advisory lock on a context key, outside the
// pre-call flow. On refusal the conflicting claim is returned.
func (c *Client) Acquire(ctx context.Context, contextKey string, tier classify.Tier) (bool, *storage.Conflict, error) {
	if !c.started.Load() {
		return false, nil, ErrClientNotStarted
	}
	if c.remote != nil {
		ok, conflict, err := c.remote.Acquire(ctx, c.config.instanceID, contextKey, tier)
		if err == nil {
			return ok, conflict, nil
		}
		if !errors.Is(err, ErrRemoteUnavailable) {
			return false, nil, err
		}
		c.logWarn("gate server unreachable, locking locally", "error", err)
	}
	return c.gate.Acquire(ctx, c.config.instanceID, contextKey, tier)
}

// Release drops an explicit advisory lock.
func (c *Client) Release(ctx context.Context, contextKey string) error {
	if !c.started.Load() {
		return ErrClientNotStarted
	}
	if c.remote != nil {
		err := c.remote.Release(ctx, c.config.instanceID, contextKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRemoteUnavailable) {
			return err
		}
		c.logWarn("gate server unreachable, unlocking locally", "error", err)
	}
	return c.gate.Release(ctx, c.config.instanceID, contextKey)
}

// Gate returns the local decision core, for embedding in a server.
func (c *Client) Gate() *Gate { return c.gate }

// Notifier returns the in-process event bus.
func (c *Client) Notifier() *notifier.Notifier { return c.bus }

// Hooks returns the hook registry.
func (c *Client) Hooks() *hooks.Registry { return c.config.hooks }

// InstanceID returns the configured instance identifier.
func (c *Client) InstanceID() string { return c.config.instanceID }

// IsMaintenanceLeader reports whether this instance currently holds the
// maintenance lease.
func (c *Client) IsMaintenanceLeader() bool {
	return c.elector != nil && c.elector.IsLeader()
}

func (c *Client) logInfo(msg string, args ...any) {
	if c.config.logger != nil {
		c.config.logger.Info(msg, args...)
	}
}

func (c *Client) logWarn(msg string, args ...any) {
	if c.config.logger != nil {
		c.config.logger.Warn(msg, args...)
	}
}
