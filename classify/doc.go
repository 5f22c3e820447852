// Package classify turns a (tool, params) pair into a risk tier and a
// canonical context key.
//
// Classification is driven by an ordered rule list. Each rule carries a tool
// pattern, optional parameter constraints, an optional command regexp, and an
// optional context-key template. Rules are tested in declaration order and
// the first full match wins; the list always ends with a tier-0 catch-all,
// injected automatically when the user list lacks one.
//
// Context-key templates use a single construct, {EXPR}, where EXPR is a
// |-separated list of alternatives tried left to right:
//
//	email:{commandRecipient|params.to|unknown}
//
// Classification is deterministic and total: for a fixed rule list the same
// inputs always produce the same output, and template expansion never fails.
package classify
