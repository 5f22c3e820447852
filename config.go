package callosum

import (
	"fmt"
	"time"

	"github.com/callosumhq/callosum/classify"
	"github.com/callosumhq/callosum/hooks"
	"github.com/callosumhq/callosum/leadership"
	"github.com/callosumhq/callosum/maintenance"
	"github.com/callosumhq/callosum/storage"
)

// Config holds the required configuration for a gate client.
//
// Example:
//
//	client, _ := callosum.New(callosum.Config{
//	    InstanceID: "alpha",
//	    StateDir:   "/var/lib/agent/callosum",
//	})
type Config struct {
	// InstanceID identifies this session among the concurrent sessions
	// of the same logical agent (required).
	InstanceID string

	// StateDir is where the file-backed store keeps its state. Ignored
	// when a store is injected with WithStore. Default: ".callosum"
	StateDir string

	// Mode selects local or remote decisions. Default: local
	Mode Mode

	// ServerURL is the shared gate server (required in remote mode).
	ServerURL string

	// Timeout bounds one remote round trip. Default: 5 seconds
	Timeout time.Duration

	// LockTTL is the advisory lock lifetime. Default: 5 minutes
	LockTTL time.Duration

	// RecentWindow bounds duplicate detection; rules may override it per
	// call. Default: 1 hour
	RecentWindow time.Duration

	// ContextWindow bounds cross-session conflict visibility.
	// Default: 30 minutes
	ContextWindow time.Duration

	// RuleFile is a tiers.json path. Empty uses the built-in rules.
	RuleFile string

	// DuplicateScope selects whether the caller's own recent actions
	// count as duplicates. Default: any-instance
	DuplicateScope DuplicateScope
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.InstanceID == "" {
		return fmt.Errorf("%w: InstanceID is required", ErrInvalidConfig)
	}
	switch c.Mode {
	case "", ModeLocal:
	case ModeRemote:
		if c.ServerURL == "" {
			return fmt.Errorf("%w: ServerURL is required in remote mode", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	switch c.DuplicateScope {
	case "", ScopeAnyInstance, ScopeOtherInstances:
	default:
		return fmt.Errorf("%w: unknown duplicate scope %q", ErrInvalidConfig, c.DuplicateScope)
	}
	return nil
}

// internalConfig holds the full gate configuration including optional
// parameters filled in by Options.
type internalConfig struct {
	// Required from Config
	instanceID string

	// Resolved defaults
	stateDir       string
	mode           Mode
	serverURL      string
	timeout        time.Duration
	lockTTL        time.Duration
	recentWindow   time.Duration
	contextWindow  time.Duration
	ruleFile       string
	duplicateScope DuplicateScope

	// Optional parameters
	rules       []classify.Rule
	watchRules  bool
	store       storage.Store
	fileConfig  *storage.FileConfig
	hooks       *hooks.Registry
	logger      Logger
	maintain    bool
	sweeper     *maintenance.SweeperConfig
	leaderElect *leadership.Config
}

// newInternalConfig creates an internal config from the public Config.
func newInternalConfig(cfg Config) *internalConfig {
	ic := &internalConfig{
		instanceID:     cfg.InstanceID,
		stateDir:       cfg.StateDir,
		mode:           cfg.Mode,
		serverURL:      cfg.ServerURL,
		timeout:        cfg.Timeout,
		lockTTL:        cfg.LockTTL,
		recentWindow:   cfg.RecentWindow,
		contextWindow:  cfg.ContextWindow,
		ruleFile:       cfg.RuleFile,
		duplicateScope: cfg.DuplicateScope,

		watchRules: true,
		maintain:   true,
		hooks:      hooks.NewRegistry(),
	}
	if ic.stateDir == "" {
		ic.stateDir = ".callosum"
	}
	if ic.mode == "" {
		ic.mode = ModeLocal
	}
	if ic.timeout <= 0 {
		ic.timeout = DefaultRemoteTimeout
	}
	if ic.lockTTL <= 0 {
		ic.lockTTL = DefaultLockTTL
	}
	if ic.recentWindow <= 0 {
		ic.recentWindow = DefaultRecentWindow
	}
	if ic.contextWindow <= 0 {
		ic.contextWindow = DefaultContextWindow
	}
	if ic.duplicateScope == "" {
		ic.duplicateScope = ScopeAnyInstance
	}
	return ic
}
