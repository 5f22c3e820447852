// Package hooks lets applications observe and extend the gate's decisions.
//
// Hooks fire after each pre-call decision, after each post-call, and when a
// cross-instance conflict is detected. A hook returning an error aborts the
// remaining hooks and surfaces to the caller; the gate's own journaling has
// already happened by the time hooks run, so the audit trail is unaffected.
package hooks

import (
	"context"
	"sync"

	"github.com/callosumhq/callosum/classify"
	"github.com/callosumhq/callosum/storage"
)

// ToolCall identifies the call a hook concerns.
type ToolCall struct {
	Instance string
	Tool     string
	Params   map[string]any
}

// Outcome is the gate's pre-call result as seen by hooks.
type Outcome struct {
	// ID is the decision identifier, also present in the journal.
	ID string

	Classification classify.Classification

	// Verdict is "allow", "warn", "pause", or "block".
	Verdict string

	// Reason is the human-readable explanation for pause and block
	// verdicts, or the warning text for warn.
	Reason string
}

// InterceptHook is called after a pre-call decision.
type InterceptHook func(ctx context.Context, call *ToolCall, outcome *Outcome) error

// CompletionHook is called after a post-call. callErr carries the tool's
// error indicator, nil on success.
type CompletionHook func(ctx context.Context, call *ToolCall, callErr error) error

// ConflictHook is called when the gate detects cross-instance contention,
// whether or not the call was ultimately blocked.
type ConflictHook func(ctx context.Context, call *ToolCall, conflict *storage.Conflict) error

// Registry holds all registered hooks.
type Registry struct {
	mu         sync.RWMutex
	intercept  []InterceptHook
	completion []CompletionHook
	conflict   []ConflictHook
}

// NewRegistry creates a new hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// OnIntercept registers a hook to be called after each pre-call decision.
func (r *Registry) OnIntercept(hook InterceptHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intercept = append(r.intercept, hook)
}

// OnCompletion registers a hook to be called after each post-call.
func (r *Registry) OnCompletion(hook CompletionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completion = append(r.completion, hook)
}

// OnConflict registers a hook to be called when contention is detected.
func (r *Registry) OnConflict(hook ConflictHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflict = append(r.conflict, hook)
}

// TriggerIntercept calls all registered intercept hooks.
func (r *Registry) TriggerIntercept(ctx context.Context, call *ToolCall, outcome *Outcome) error {
	r.mu.RLock()
	hooks := make([]InterceptHook, len(r.intercept))
	copy(hooks, r.intercept)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, call, outcome); err != nil {
			return err
		}
	}
	return nil
}

// TriggerCompletion calls all registered completion hooks.
func (r *Registry) TriggerCompletion(ctx context.Context, call *ToolCall, callErr error) error {
	r.mu.RLock()
	hooks := make([]CompletionHook, len(r.completion))
	copy(hooks, r.completion)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, call, callErr); err != nil {
			return err
		}
	}
	return nil
}

// TriggerConflict calls all registered conflict hooks.
func (r *Registry) TriggerConflict(ctx context.Context, call *ToolCall, conflict *storage.Conflict) error {
	r.mu.RLock()
	hooks := make([]ConflictHook, len(r.conflict))
	copy(hooks, r.conflict)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, call, conflict); err != nil {
			return err
		}
	}
	return nil
}
