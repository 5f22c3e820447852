package callosum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/callosumhq/callosum/classify"
	"github.com/callosumhq/callosum/hooks"
	"github.com/callosumhq/callosum/notifier"
	"github.com/callosumhq/callosum/storage"
)

// Gate is the decision procedure. One Gate serves any number of instances;
// in server mode it is the shared server's core, in local mode each client
// owns one.
//
// Invocations are serialized by a gate-level mutex and the only suspension
// points inside a decision are store I/O, so there is no user-visible gap
// between classification and the lock decision in which another session
// could slip in.
type Gate struct {
	store      storage.Store
	classifier atomic.Pointer[classify.Classifier]
	hooks      *hooks.Registry
	bus        *notifier.Notifier
	logger     Logger

	lockTTL        time.Duration
	recentWindow   time.Duration
	contextWindow  time.Duration
	duplicateScope DuplicateScope

	ruleDescription atomic.Pointer[string]

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

// inflightCall snapshots the pre-call classification so the post-call event
// reuses it even if the rule list was hot-reloaded in between. Without the
// snapshot a reload could change the tier or key mid-call and strand a lock.
type inflightCall struct {
	class classify.Classification
	id    string
	at    time.Time
}

func newGate(ic *internalConfig, store storage.Store, classifier *classify.Classifier, bus *notifier.Notifier) *Gate {
	g := &Gate{
		store:          store,
		hooks:          ic.hooks,
		bus:            bus,
		logger:         ic.logger,
		lockTTL:        ic.lockTTL,
		recentWindow:   ic.recentWindow,
		contextWindow:  ic.contextWindow,
		duplicateScope: ic.duplicateScope,
		inflight:       make(map[string]*inflightCall),
	}
	g.classifier.Store(classifier)
	return g
}

// SetClassifier atomically swaps the rule list. In-flight calls keep their
// pre-call classification.
func (g *Gate) SetClassifier(c *classify.Classifier) {
	if c == nil {
		return
	}
	g.classifier.Store(c)
	g.logInfo("rule list reloaded", "rules", len(c.Rules()))
}

// Classifier returns the classifier currently in effect.
func (g *Gate) Classifier() *classify.Classifier {
	return g.classifier.Load()
}

// Notifier returns the gate's event bus.
func (g *Gate) Notifier() *notifier.Notifier {
	return g.bus
}

// RuleDescription returns the loaded rule file's markdown description.
func (g *Gate) RuleDescription() string {
	if p := g.ruleDescription.Load(); p != nil {
		return *p
	}
	return ""
}

func (g *Gate) setRuleDescription(desc string) {
	g.ruleDescription.Store(&desc)
}

// BeforeToolCall decides whether a tool call may proceed. The intercept is
// journaled for every call regardless of tier; that is the audit contract.
// A failed journal append blocks the call, because the gate must not
// silently proceed without audit.
func (g *Gate) BeforeToolCall(ctx context.Context, instance string, ev *ToolCallEvent) (*Decision, error) {
	if instance == "" {
		return nil, NewGateError("BeforeToolCall", fmt.Errorf("%w: instance is required", ErrInvalidConfig))
	}

	class, classWarn := g.safeClassify(ev.ToolName, ev.Params)
	digest := paramsDigest(ev.Params)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneInflight()

	d := &Decision{
		ID:         uuid.New().String(),
		Verdict:    VerdictAllow,
		Tier:       class.Tier,
		ContextKey: class.ContextKey,
		Rule:       class.Rule,
		Warning:    classWarn,
	}

	err := g.store.AppendJournal(ctx, &storage.JournalEntry{
		ID:           d.ID,
		Instance:     instance,
		Tool:         ev.ToolName,
		Tier:         class.Tier,
		Rule:         class.Rule,
		ContextKey:   class.ContextKey,
		Action:       storage.ActionIntercept,
		ParamsDigest: digest,
	})
	if err != nil {
		return g.refuse(ctx, instance, ev, d, VerdictBlock,
			fmt.Sprintf("journal append failed, refusing to act without audit: %v", err)), nil
	}

	if class.Tier >= classify.TierRoutine && class.ContextKey != "" {
		rec := &storage.ContextRecord{
			Instance:   instance,
			ContextKey: class.ContextKey,
			Tier:       class.Tier,
			Tool:       ev.ToolName,
		}
		if err := g.store.RecordContext(ctx, rec); err != nil {
			return g.refuse(ctx, instance, ev, d, VerdictBlock,
				fmt.Sprintf("context record write failed: %v", err)), nil
		}
	}

	if class.Tier >= classify.TierCommitment && class.ContextKey != "" {
		if done, dec := g.commitmentChecks(ctx, instance, ev, d, class, digest); done {
			return dec, nil
		}
	}

	g.inflight[inflightKey(instance, ev.ToolName, digest)] = &inflightCall{
		class: class,
		id:    d.ID,
		at:    time.Now(),
	}

	g.publish(notifier.EventIntercepted, instance, class.ContextKey,
		fmt.Sprintf("%s %s (%s)", ev.ToolName, d.Verdict, class.Tier))
	g.triggerIntercept(ctx, instance, ev, d)
	return d, nil
}

// commitmentChecks runs the tier-3+ pipeline: duplicate detection, conflict
// check, lock acquisition. It reports done=true when the call was refused.
func (g *Gate) commitmentChecks(ctx context.Context, instance string, ev *ToolCallEvent, d *Decision, class classify.Classification, digest string) (bool, *Decision) {
	window := class.Window
	if window <= 0 {
		window = g.recentWindow
	}
	exclude := ""
	if g.duplicateScope == ScopeOtherInstances {
		exclude = instance
	}

	recent, err := g.store.FindRecentComplete(ctx, class.ContextKey, window, exclude)
	if err != nil {
		return true, g.refuse(ctx, instance, ev, d, VerdictBlock,
			fmt.Sprintf("duplicate check failed: %v", err))
	}
	if recent != nil {
		return true, g.refuse(ctx, instance, ev, d, VerdictPause,
			g.pauseReason(ctx, class, recent, window))
	}

	conflict, err := g.store.CheckConflict(ctx, &storage.CheckConflictParams{
		Instance:   instance,
		ContextKey: class.ContextKey,
		Tier:       class.Tier,
		Window:     g.contextWindow,
	})
	if err != nil {
		return true, g.refuse(ctx, instance, ev, d, VerdictBlock,
			fmt.Sprintf("conflict check failed: %v", err))
	}
	if conflict != nil {
		d.Conflict = conflict
		g.triggerConflict(ctx, instance, ev, conflict)
		if class.Tier >= classify.TierIrreversible {
			return true, g.refuse(ctx, instance, ev, d, VerdictBlock, conflictReason(conflict, class))
		}
		d.Verdict = VerdictWarn
		d.Warning = joinNotes(d.Warning, conflictWarning(conflict))
		g.logWarn("proceeding despite conflict",
			"instance", instance, "key", class.ContextKey, "with", conflict.Instance)
	}

	acquired, err := g.store.AcquireLock(ctx, &storage.AcquireLockParams{
		Instance:   instance,
		ContextKey: class.ContextKey,
		Tier:       class.Tier,
		TTL:        g.lockTTL,
	})
	if err != nil {
		return true, g.refuse(ctx, instance, ev, d, VerdictBlock,
			fmt.Sprintf("lock table write failed: %v", err))
	}
	if !acquired {
		if class.Tier >= classify.TierIrreversible {
			reason := fmt.Sprintf("another session holds the lock on %s (tier %s); refusing irreversible action", class.ContextKey, class.Tier)
			if conflict != nil {
				reason = conflictReason(conflict, class)
			}
			return true, g.refuse(ctx, instance, ev, d, VerdictBlock, reason)
		}
		d.Verdict = VerdictWarn
		d.Warning = joinNotes(d.Warning,
			fmt.Sprintf("could not acquire advisory lock on %s; proceeding unlocked", class.ContextKey))
		g.logWarn("lock acquisition lost", "instance", instance, "key", class.ContextKey)
	} else {
		g.publish(notifier.EventLockAcquired, instance, class.ContextKey, "")
	}
	return false, nil
}

// refuse journals a blocked entry, publishes, fires hooks, and finalizes a
// pause or block decision. The blocked append is best effort: the refusal
// stands even if it cannot be recorded.
func (g *Gate) refuse(ctx context.Context, instance string, ev *ToolCallEvent, d *Decision, verdict Verdict, reason string) *Decision {
	d.Verdict = verdict
	d.Reason = reason

	if err := g.store.AppendJournal(ctx, &storage.JournalEntry{
		Instance:     instance,
		Tool:         ev.ToolName,
		Tier:         d.Tier,
		Rule:         d.Rule,
		ContextKey:   d.ContextKey,
		Action:       storage.ActionBlocked,
		ParamsDigest: paramsDigest(ev.Params),
		ConflictNote: reason,
	}); err != nil {
		g.logError("failed to journal refusal", "error", err)
	}

	evt := notifier.EventBlocked
	if verdict == VerdictPause {
		evt = notifier.EventPaused
	}
	g.publish(evt, instance, d.ContextKey, reason)
	g.triggerIntercept(ctx, instance, ev, d)
	return d
}

// AfterToolCall records the outcome of a call that was allowed to run. The
// classification snapshot taken at pre-call is used when available, so a
// rule reload between the two events cannot strand a lock.
func (g *Gate) AfterToolCall(ctx context.Context, instance string, ev *ToolCallEvent) error {
	if instance == "" {
		return NewGateError("AfterToolCall", fmt.Errorf("%w: instance is required", ErrInvalidConfig))
	}
	digest := paramsDigest(ev.Params)

	g.mu.Lock()
	defer g.mu.Unlock()

	var class classify.Classification
	if in, ok := g.inflight[inflightKey(instance, ev.ToolName, digest)]; ok {
		class = in.class
		delete(g.inflight, inflightKey(instance, ev.ToolName, digest))
	} else {
		class, _ = g.safeClassify(ev.ToolName, ev.Params)
	}

	var callErr error
	if ev.Error != "" {
		callErr = errors.New(ev.Error)
	}

	if class.Tier >= classify.TierCommitment && class.ContextKey != "" {
		action := storage.ActionComplete
		evt := notifier.EventCompleted
		if callErr != nil {
			action = storage.ActionFailed
			evt = notifier.EventFailed
		}
		err := g.store.AppendJournal(ctx, &storage.JournalEntry{
			Instance:     instance,
			Tool:         ev.ToolName,
			Tier:         class.Tier,
			Rule:         class.Rule,
			ContextKey:   class.ContextKey,
			Action:       action,
			ParamsDigest: digest,
		})
		if err != nil {
			g.logError("post-call journal append failed", "key", class.ContextKey, "error", err)
			return NewGateErrorWithKey("AfterToolCall", class.ContextKey, err)
		}
		if err := g.store.ReleaseLock(ctx, instance, class.ContextKey); err != nil {
			// The TTL remains the authoritative release path.
			g.logWarn("lock release failed", "key", class.ContextKey, "error", err)
		} else {
			g.publish(notifier.EventLockReleased, instance, class.ContextKey, "")
		}
		g.publish(evt, instance, class.ContextKey, ev.ToolName)
	}

	call := &hooks.ToolCall{Instance: instance, Tool: ev.ToolName, Params: ev.Params}
	if err := g.hooks.TriggerCompletion(ctx, call, callErr); err != nil {
		return err
	}
	return nil
}

// Status returns a snapshot of locks and recent context activity,
// optionally filtered to one context key, plus a short journal tail.
func (g *Gate) Status(ctx context.Context, contextKey string) (*Status, error) {
	locks, err := g.store.ActiveLocks(ctx)
	if err != nil {
		return nil, NewGateError("Status", err)
	}
	if contextKey != "" {
		filtered := locks[:0]
		for _, l := range locks {
			if l.ContextKey == contextKey {
				filtered = append(filtered, l)
			}
		}
		locks = filtered
	}
	contexts, err := g.store.RecentContexts(ctx, contextKey, g.contextWindow)
	if err != nil {
		return nil, NewGateError("Status", err)
	}
	tail, err := g.store.JournalTail(ctx, 20)
	if err != nil {
		return nil, NewGateError("Status", err)
	}
	return &Status{Locks: locks, RecentContexts: contexts, Journal: tail}, nil
}

// Journal returns the tail of the audit journal.
func (g *Gate) Journal(ctx context.Context, limit int) ([]*storage.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := g.store.JournalTail(ctx, limit)
	if err != nil {
		return nil, NewGateError("Journal", err)
	}
	return entries, nil
}

// Acquire takes an explicit advisory lock outside the pre-call flow. On
// refusal the conflicting claim is returned when it can be identified.
func (g *Gate) Acquire(ctx context.Context, instance, contextKey string, tier classify.Tier) (bool, *storage.Conflict, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	acquired, err := g.store.AcquireLock(ctx, &storage.AcquireLockParams{
		Instance:   instance,
		ContextKey: contextKey,
		Tier:       tier,
		TTL:        g.lockTTL,
	})
	if err != nil {
		return false, nil, NewGateErrorWithKey("Acquire", contextKey, err)
	}
	if acquired {
		g.publish(notifier.EventLockAcquired, instance, contextKey, "")
		return true, nil, nil
	}
	conflict, err := g.store.CheckConflict(ctx, &storage.CheckConflictParams{
		Instance:   instance,
		ContextKey: contextKey,
		Tier:       tier,
		Window:     g.contextWindow,
	})
	if err != nil {
		return false, nil, NewGateErrorWithKey("Acquire", contextKey, err)
	}
	return false, conflict, nil
}

// Release drops an explicit advisory lock. Releasing an absent or foreign
// lock is a no-op.
func (g *Gate) Release(ctx context.Context, instance, contextKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.store.ReleaseLock(ctx, instance, contextKey); err != nil {
		return NewGateErrorWithKey("Release", contextKey, err)
	}
	g.publish(notifier.EventLockReleased, instance, contextKey, "")
	return nil
}

// safeClassify classifies, recovering from any panic in rule evaluation or
// template expansion. Classification bugs must not brick the agent, so a
// crash degrades the call to inert with a warning instead of failing it.
func (g *Gate) safeClassify(tool string, params map[string]any) (class classify.Classification, warn string) {
	defer func() {
		if r := recover(); r != nil {
			class = classify.Classification{Tier: classify.TierInert, Rule: "recovered"}
			warn = fmt.Sprintf("classification failed, treating call as inert: %v", r)
			g.logWarn("classifier panic recovered", "tool", tool, "panic", r)
		}
	}()
	return g.classifier.Load().Classify(tool, params), ""
}

func (g *Gate) pauseReason(ctx context.Context, class classify.Classification, recent *storage.JournalEntry, window time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "already acted on %s: instance %s completed '%s' %s ago (rule %s)",
		class.ContextKey, recent.Instance, recent.Tool, ago(recent.Timestamp), recent.Rule)

	others, err := g.store.RecentCommitments(ctx, class.ContextKey, window, supplementalConflicts)
	if err == nil && len(others) > 0 {
		b.WriteString("; other recent commitments:")
		for _, e := range others {
			fmt.Fprintf(&b, " %s by %s (%s ago)", e.ContextKey, e.Instance, ago(e.Timestamp))
		}
	}
	b.WriteString(". If this new action is genuinely distinct, retry it; otherwise do not repeat it.")
	return b.String()
}

func conflictReason(c *storage.Conflict, class classify.Classification) string {
	if c.Locked {
		return fmt.Sprintf("instance %s holds the lock on %s (since %s ago); refusing %s action",
			c.Instance, c.ContextKey, ago(c.Since), class.Tier)
	}
	return fmt.Sprintf("instance %s acted on %s %s ago; refusing %s action",
		c.Instance, c.ContextKey, ago(c.Since), class.Tier)
}

func conflictWarning(c *storage.Conflict) string {
	if c.Locked {
		return fmt.Sprintf("instance %s holds the lock on %s", c.Instance, c.ContextKey)
	}
	return fmt.Sprintf("instance %s recently acted on %s", c.Instance, c.ContextKey)
}

func joinNotes(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}

func ago(t time.Time) string {
	d := time.Since(t)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

func (g *Gate) triggerIntercept(ctx context.Context, instance string, ev *ToolCallEvent, d *Decision) {
	reason := d.Reason
	if reason == "" {
		reason = d.Warning
	}
	err := g.hooks.TriggerIntercept(ctx,
		&hooks.ToolCall{Instance: instance, Tool: ev.ToolName, Params: ev.Params},
		&hooks.Outcome{
			ID: d.ID,
			Classification: classify.Classification{
				Tier:       d.Tier,
				ContextKey: d.ContextKey,
				Rule:       d.Rule,
			},
			Verdict: d.Verdict.String(),
			Reason:  reason,
		})
	if err != nil {
		g.logWarn("intercept hook failed", "error", err)
	}
}

func (g *Gate) triggerConflict(ctx context.Context, instance string, ev *ToolCallEvent, c *storage.Conflict) {
	err := g.hooks.TriggerConflict(ctx,
		&hooks.ToolCall{Instance: instance, Tool: ev.ToolName, Params: ev.Params}, c)
	if err != nil {
		g.logWarn("conflict hook failed", "error", err)
	}
}

func (g *Gate) publish(t notifier.EventType, instance, key, detail string) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(&notifier.Event{Type: t, Instance: instance, ContextKey: key, Detail: detail})
}

func (g *Gate) logInfo(msg string, args ...any) {
	if g.logger != nil {
		g.logger.Info(msg, args...)
	}
}

func (g *Gate) logWarn(msg string, args ...any) {
	if g.logger != nil {
		g.logger.Warn(msg, args...)
	}
}

func (g *Gate) logError(msg string, args ...any) {
	if g.logger != nil {
		g.logger.Error(msg, args...)
	}
}

// pruneInflight drops snapshots whose call never produced a post-call event,
// typically a cancellation between intercept and completion. Once the lock
// TTL has passed the lock has expired on its own and the snapshot can serve
// no release. Callers must hold g.mu.
func (g *Gate) pruneInflight() {
	cutoff := time.Now().Add(-g.lockTTL)
	for k, in := range g.inflight {
		if in.at.Before(cutoff) {
			delete(g.inflight, k)
		}
	}
}

// inflightKey identifies one in-flight call for snapshot lookup.
func inflightKey(instance, tool, digest string) string {
	return instance + "\x00" + tool + "\x00" + digest
}

// paramsDigest is a short stable digest of the params mapping, journaled so
// identical calls can be recognized across the pre/post pair.
func paramsDigest(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	// json.Marshal sorts map keys, so the digest is canonical.
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
