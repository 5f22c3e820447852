package hooks

import (
	"context"
	"log"

	"github.com/callosumhq/callosum/storage"
)

// LoggingHooks provides built-in logging hooks for observability.
type LoggingHooks struct {
	logger *log.Logger
}

// NewLoggingHooks creates logging hooks with the provided logger.
func NewLoggingHooks(logger *log.Logger) *LoggingHooks {
	return &LoggingHooks{logger: logger}
}

// DefaultLoggingHooks creates logging hooks with the default logger.
func DefaultLoggingHooks() *LoggingHooks {
	return &LoggingHooks{logger: log.Default()}
}

// Register attaches all logging hooks to a registry.
func (h *LoggingHooks) Register(r *Registry) {
	r.OnIntercept(h.Intercept)
	r.OnCompletion(h.Completion)
	r.OnConflict(h.Conflict)
}

// Intercept logs each pre-call decision.
func (h *LoggingHooks) Intercept(ctx context.Context, call *ToolCall, outcome *Outcome) error {
	c := outcome.Classification
	if outcome.Verdict == "allow" {
		h.logger.Printf("[Callosum] %s: tool '%s' allowed (tier=%s rule=%s key=%s)",
			call.Instance, call.Tool, c.Tier, c.Rule, c.ContextKey)
	} else {
		h.logger.Printf("[Callosum] %s: tool '%s' %s (tier=%s key=%s): %s",
			call.Instance, call.Tool, outcome.Verdict, c.Tier, c.ContextKey, outcome.Reason)
	}
	return nil
}

// Completion logs each post-call.
func (h *LoggingHooks) Completion(ctx context.Context, call *ToolCall, callErr error) error {
	if callErr != nil {
		h.logger.Printf("[Callosum] %s: tool '%s' failed: %v", call.Instance, call.Tool, callErr)
	} else {
		h.logger.Printf("[Callosum] %s: tool '%s' completed", call.Instance, call.Tool)
	}
	return nil
}

// Conflict logs detected contention.
func (h *LoggingHooks) Conflict(ctx context.Context, call *ToolCall, conflict *storage.Conflict) error {
	kind := "recent activity"
	if conflict.Locked {
		kind = "active lock"
	}
	h.logger.Printf("[Callosum] %s: tool '%s' contends with %s by %s on %s",
		call.Instance, call.Tool, kind, conflict.Instance, conflict.ContextKey)
	return nil
}

// MetricsHooks collects metrics for monitoring.
type MetricsHooks struct {
	OnMetric func(name string, value float64, tags map[string]string)
}

// NewMetricsHooks creates metrics collection hooks.
func NewMetricsHooks(onMetric func(string, float64, map[string]string)) *MetricsHooks {
	return &MetricsHooks{OnMetric: onMetric}
}

// Register attaches all metrics hooks to a registry.
func (h *MetricsHooks) Register(r *Registry) {
	r.OnIntercept(h.Intercept)
	r.OnCompletion(h.Completion)
	r.OnConflict(h.Conflict)
}

// Intercept records decision metrics.
func (h *MetricsHooks) Intercept(ctx context.Context, call *ToolCall, outcome *Outcome) error {
	tags := map[string]string{
		"tool":    call.Tool,
		"tier":    outcome.Classification.Tier.String(),
		"verdict": outcome.Verdict,
	}
	h.OnMetric("gate.decision", 1, tags)
	return nil
}

// Completion records post-call metrics.
func (h *MetricsHooks) Completion(ctx context.Context, call *ToolCall, callErr error) error {
	tags := map[string]string{"tool": call.Tool}
	if callErr != nil {
		h.OnMetric("gate.tool.failed", 1, tags)
	} else {
		h.OnMetric("gate.tool.completed", 1, tags)
	}
	return nil
}

// Conflict records contention metrics.
func (h *MetricsHooks) Conflict(ctx context.Context, call *ToolCall, conflict *storage.Conflict) error {
	h.OnMetric("gate.conflict", 1, map[string]string{
		"tool":   call.Tool,
		"locked": map[bool]string{true: "true", false: "false"}[conflict.Locked],
	})
	return nil
}
