package callosum

import (
	"github.com/callosumhq/callosum/classify"
	"github.com/callosumhq/callosum/storage"
)

// Logger is the structured logging interface used across the gate.
// *slog.Logger satisfies it; nil disables logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ToolCallEvent is the runtime's view of one tool call, delivered to the
// gate before and after the invocation. Params is an open mapping whose
// keys depend on the tool.
type ToolCallEvent struct {
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params"`

	// Error carries the tool's failure, if any, on the post-call event.
	Error string `json:"error,omitempty"`
}

// BlockResult is the hook-surface answer to a pre-call event. A nil
// *BlockResult means the call may proceed.
type BlockResult struct {
	Block       bool   `json:"block"`
	BlockReason string `json:"blockReason"`
}

// Decision is the full verdict for one pre-call event.
type Decision struct {
	// ID identifies the decision; the intercept journal entry shares it.
	ID string `json:"id"`

	Verdict    Verdict       `json:"verdict"`
	Tier       classify.Tier `json:"tier"`
	ContextKey string        `json:"contextKey,omitempty"`
	Rule       string        `json:"rule,omitempty"`

	// Reason explains pause and block verdicts. It names the conflicting
	// instance, the context key, and the tier, and for pauses lists the
	// recent related actions. It is the agent's sole input for deciding
	// whether to retry.
	Reason string `json:"reason,omitempty"`

	// Warning is set on warn verdicts (tier-3 conflict, call proceeds).
	Warning string `json:"warning,omitempty"`

	// Conflict carries the contention detail when one was found.
	Conflict *storage.Conflict `json:"conflict,omitempty"`
}

// BlockResult converts the decision to the hook surface's shape: nil when
// the call proceeds, a populated block otherwise.
func (d *Decision) BlockResult() *BlockResult {
	if d == nil || !d.Verdict.Blocks() {
		return nil
	}
	return &BlockResult{Block: true, BlockReason: d.Reason}
}

// Status is a consistent-at-read-time snapshot of the coordination state.
type Status struct {
	Locks          []*storage.Lock          `json:"locks"`
	RecentContexts []*storage.ContextRecord `json:"recentContexts"`
	Journal        []*storage.JournalEntry  `json:"journal,omitempty"`
}
