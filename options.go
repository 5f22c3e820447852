package callosum

import (
	"github.com/callosumhq/callosum/classify"
	"github.com/callosumhq/callosum/hooks"
	"github.com/callosumhq/callosum/leadership"
	"github.com/callosumhq/callosum/maintenance"
	"github.com/callosumhq/callosum/storage"
)

// Option is a functional option for configuring a gate client.
type Option func(*internalConfig) error

// WithRules supplies the rule list directly, bypassing RuleFile and the
// built-in defaults. The list is compiled at New; a compile failure is a
// configuration error.
func WithRules(rules []classify.Rule) Option {
	return func(c *internalConfig) error {
		c.rules = rules
		return nil
	}
}

// WithRuleWatching enables or disables hot reload of the rule file.
// Enabled by default when RuleFile is set.
func WithRuleWatching(enabled bool) Option {
	return func(c *internalConfig) error {
		c.watchRules = enabled
		return nil
	}
}

// WithStore injects a coordination store, for example a PostgresStore when
// sessions span machines. The default is a FileStore at StateDir.
func WithStore(store storage.Store) Option {
	return func(c *internalConfig) error {
		c.store = store
		return nil
	}
}

// WithFileConfig tunes the default file store (rotation threshold,
// cross-process guard). Ignored when WithStore is used.
func WithFileConfig(fc *storage.FileConfig) Option {
	return func(c *internalConfig) error {
		c.fileConfig = fc
		return nil
	}
}

// WithHooks attaches a pre-populated hook registry.
func WithHooks(registry *hooks.Registry) Option {
	return func(c *internalConfig) error {
		if registry != nil {
			c.hooks = registry
		}
		return nil
	}
}

// WithLogger sets the logger. *slog.Logger satisfies the interface; nil
// disables logging.
func WithLogger(logger Logger) Option {
	return func(c *internalConfig) error {
		c.logger = logger
		return nil
	}
}

// WithMaintenance enables or disables the background sweeper and the
// leader election that scopes it. Enabled by default in local mode.
func WithMaintenance(enabled bool) Option {
	return func(c *internalConfig) error {
		c.maintain = enabled
		return nil
	}
}

// WithSweeperConfig tunes the maintenance sweeper.
func WithSweeperConfig(sc *maintenance.SweeperConfig) Option {
	return func(c *internalConfig) error {
		c.sweeper = sc
		return nil
	}
}

// WithLeadershipConfig tunes the maintenance-leader election.
func WithLeadershipConfig(lc *leadership.Config) Option {
	return func(c *internalConfig) error {
		c.leaderElect = lc
		return nil
	}
}
