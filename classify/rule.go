package classify

import (
	"encoding/json"
	"fmt"
	"os"
)

// Rule is a single classifier entry. Rules are matched in declaration order
// and the first rule whose tool pattern, parameter constraints, and command
// pattern all match is selected.
type Rule struct {
	// Name identifies the rule in journal entries and verdicts.
	Name string `json:"name"`

	// Tier is the risk level assigned on match. Must be 0-4.
	Tier Tier `json:"tier"`

	// Tool matches the tool name: a literal, a finite set, or "*" / "any"
	// for every tool.
	Tool ToolPattern `json:"tool"`

	// Params constrains parameter values. Every listed parameter must be
	// present with one of the allowed values (string-coerced).
	Params map[string]ValueSet `json:"params,omitempty"`

	// CommandPattern is a regular expression matched against the command
	// parameter (empty string when absent).
	CommandPattern string `json:"commandPattern,omitempty"`

	// ContextKey is a template producing the canonical resource identifier.
	// Empty means the rule yields no context key and tier-3+ duplicate and
	// lock handling is skipped.
	ContextKey string `json:"contextKey,omitempty"`

	// RecentWindowMs overrides the duplicate-detection window for calls
	// matched by this rule. Zero means the configured default.
	RecentWindowMs int64 `json:"recentWindowMs,omitempty"`
}

// ToolPattern is the tool-matching part of a rule. In JSON it is either a
// single string or an array of strings; "*" and "any" match every tool.
type ToolPattern []string

// UnmarshalJSON accepts both "exec" and ["exec", "bash"].
func (p *ToolPattern) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*p = ToolPattern{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("tool pattern must be a string or array of strings")
	}
	*p = ToolPattern(many)
	return nil
}

// MarshalJSON renders single-element patterns as a bare string.
func (p ToolPattern) MarshalJSON() ([]byte, error) {
	if len(p) == 1 {
		return json.Marshal(p[0])
	}
	return json.Marshal([]string(p))
}

// wildcard reports whether the pattern matches every tool.
func (p ToolPattern) wildcard() bool {
	for _, t := range p {
		if t == "*" || t == "any" {
			return true
		}
	}
	return len(p) == 0
}

// ValueSet is an allowed-values constraint. In JSON it is a single scalar or
// an array of scalars; values are compared after string coercion.
type ValueSet []string

// UnmarshalJSON accepts a scalar or an array of scalars.
func (s *ValueSet) UnmarshalJSON(data []byte) error {
	var one any
	if err := json.Unmarshal(data, &one); err == nil {
		if _, isArr := one.([]any); !isArr {
			*s = ValueSet{coerceString(one)}
			return nil
		}
	}
	var many []any
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("param constraint must be a scalar or array")
	}
	out := make(ValueSet, 0, len(many))
	for _, v := range many {
		out = append(out, coerceString(v))
	}
	*s = out
	return nil
}

// MarshalJSON renders single-element sets as a bare string.
func (s ValueSet) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// RuleFile is the on-disk rule list format (tiers.json).
type RuleFile struct {
	// Description documents the rule set. Markdown; shown on the server
	// status page.
	Description string `json:"description,omitempty"`

	Rules []Rule `json:"rules"`
}

// LoadRuleFile reads and parses a tiers.json document.
func LoadRuleFile(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	var rf RuleFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}
	return &rf, nil
}

// DefaultRules returns the built-in rule set used when no rule file is
// configured. It covers the common shared tools of a multi-session agent:
// email via curl smtp, cron mutations, chat messages, deploys, and local
// file or shell work.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:           "email-send",
			Tier:           TierCommitment,
			Tool:           ToolPattern{"exec", "bash"},
			CommandPattern: `(curl\s.*(smtp://|--mail-rcpt)|sendmail|\bmail\s+-s\b)`,
			ContextKey:     "email:{commandRecipient|params.to|unknown}",
		},
		{
			Name:       "cron-mutate",
			Tier:       TierCommitment,
			Tool:       ToolPattern{"cron"},
			Params:     map[string]ValueSet{"action": {"add", "update", "remove"}},
			ContextKey: "cron:{params.name|params.id|cron}",
		},
		{
			Name:       "channel-delete",
			Tier:       TierIrreversible,
			Tool:       ToolPattern{"message"},
			Params:     map[string]ValueSet{"action": {"channel-delete"}},
			ContextKey: "message:{params.action}",
		},
		{
			Name:       "message-send",
			Tier:       TierRoutine,
			Tool:       ToolPattern{"message"},
			ContextKey: "channel:{params.target|params.channel|unknown}",
		},
		{
			Name:       "deploy-apply",
			Tier:       TierIrreversible,
			Tool:       ToolPattern{"deploy"},
			ContextKey: "deploy:{params.target|params.service|deploy}",
		},
		{
			Name:       "config-apply",
			Tier:       TierIrreversible,
			Tool:       ToolPattern{"config"},
			Params:     map[string]ValueSet{"action": {"apply", "delete"}},
			ContextKey: "config:{params.name|config}",
		},
		{
			Name: "session-spawn",
			Tier: TierRoutine,
			Tool: ToolPattern{"spawn", "task"},
		},
		{
			Name: "file-mutate",
			Tier: TierInternal,
			Tool: ToolPattern{"write", "edit", "patch"},
		},
		{
			Name: "exec-general",
			Tier: TierInternal,
			Tool: ToolPattern{"exec", "bash"},
		},
		{
			Name: "read-only",
			Tier: TierInert,
			Tool: ToolPattern{"read", "grep", "glob", "ls", "status"},
		},
	}
}

// terminalRule is the implicit catch-all appended when the user's list does
// not end with a universal default. Every call classifies.
func terminalRule() Rule {
	return Rule{
		Name: "default",
		Tier: TierInert,
		Tool: ToolPattern{"*"},
	}
}

// isCatchAll reports whether r matches every possible call.
func isCatchAll(r Rule) bool {
	return r.Tool.wildcard() && len(r.Params) == 0 && r.CommandPattern == ""
}
