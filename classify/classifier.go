package classify

import (
	"fmt"
	"regexp"
	"time"
)

// Classification is the classifier's output for one tool call.
type Classification struct {
	// Tier is the assigned risk level.
	Tier Tier `json:"tier"`

	// ContextKey canonically identifies the affected resource. Empty when
	// the matched rule has no template.
	ContextKey string `json:"contextKey,omitempty"`

	// Rule is the name of the matched rule.
	Rule string `json:"rule"`

	// Window overrides the duplicate-detection window. Zero means the
	// configured default.
	Window time.Duration `json:"-"`
}

// paramCheck is one compiled parameter constraint.
type paramCheck struct {
	name    string
	allowed map[string]struct{}
}

// compiledRule is a rule with its match machinery built once.
type compiledRule struct {
	rule    Rule
	tools   map[string]struct{} // nil means wildcard
	params  []paramCheck
	command *regexp.Regexp
}

// Classifier evaluates an ordered, compiled rule list.
type Classifier struct {
	rules []compiledRule
}

// NewClassifier compiles a rule list. The list is validated (tier range,
// regexp syntax, rule names) and a terminal tier-0 catch-all is appended
// when the final rule is not already universal.
func NewClassifier(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if !isCatchAll(rules[len(rules)-1]) {
		rules = append(append([]Rule(nil), rules...), terminalRule())
	}

	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		compiled = append(compiled, cr)
	}
	return &Classifier{rules: compiled}, nil
}

func compileRule(r Rule) (compiledRule, error) {
	if r.Name == "" {
		return compiledRule{}, ErrUnnamedRule
	}
	if !r.Tier.Valid() {
		return compiledRule{}, fmt.Errorf("%w: %d", ErrInvalidTier, int(r.Tier))
	}

	cr := compiledRule{rule: r}
	if !r.Tool.wildcard() {
		cr.tools = make(map[string]struct{}, len(r.Tool))
		for _, t := range r.Tool {
			cr.tools[t] = struct{}{}
		}
	}
	for name, vals := range r.Params {
		allowed := make(map[string]struct{}, len(vals))
		for _, v := range vals {
			allowed[v] = struct{}{}
		}
		cr.params = append(cr.params, paramCheck{name: name, allowed: allowed})
	}
	if r.CommandPattern != "" {
		re, err := regexp.Compile(r.CommandPattern)
		if err != nil {
			return compiledRule{}, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		cr.command = re
	}
	return cr, nil
}

// Classify matches (tool, params) against the rule list in order and
// returns the first match. The injected catch-all guarantees a result, so
// Classify is total. It is a pure function of its inputs and safe for
// concurrent use.
func (c *Classifier) Classify(tool string, params map[string]any) Classification {
	for i := range c.rules {
		cr := &c.rules[i]
		if !cr.matches(tool, params) {
			continue
		}
		out := Classification{
			Tier: cr.rule.Tier,
			Rule: cr.rule.Name,
		}
		if cr.rule.ContextKey != "" {
			out.ContextKey = ResolveTemplate(cr.rule.ContextKey, tool, params)
		}
		if cr.rule.RecentWindowMs > 0 {
			out.Window = time.Duration(cr.rule.RecentWindowMs) * time.Millisecond
		}
		return out
	}
	// Unreachable: the compiled list always ends with a catch-all.
	return Classification{Tier: TierInert, Rule: "default"}
}

// Rules returns the compiled rule list, including any injected terminal
// default. The returned slice must not be modified.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, 0, len(c.rules))
	for i := range c.rules {
		out = append(out, c.rules[i].rule)
	}
	return out
}

func (cr *compiledRule) matches(tool string, params map[string]any) bool {
	if cr.tools != nil {
		if _, ok := cr.tools[tool]; !ok {
			return false
		}
	}
	for _, pc := range cr.params {
		v, ok := paramString(params, pc.name)
		if !ok {
			return false
		}
		if _, ok := pc.allowed[v]; !ok {
			return false
		}
	}
	if cr.command != nil {
		cmd, _ := paramString(params, "command")
		if !cr.command.MatchString(cmd) {
			return false
		}
	}
	return true
}
