// Package callosum is a coordination gate for AI-agent runtimes in which
// one logical agent runs as several concurrent sessions sharing the same
// external tools.
//
// The gate sits between a session's intent to invoke a tool and the actual
// invocation. Each call is classified into a risk tier (0-4) with a
// canonical context key naming the affected resource, recorded in a shared
// append-only journal, and, above the risk threshold, checked against what
// other sessions (or the same session, recently) already did on that
// resource. The result is an allow, warn, pause, or block verdict. A pause
// is a block whose reason is phrased as information: "already done, retry
// if this is genuinely distinct".
//
// Basic usage:
//
//	client, err := callosum.New(callosum.Config{
//	    InstanceID: "alpha",
//	    StateDir:   "/var/lib/agent/callosum",
//	})
//	if err != nil { ... }
//	client.Start(ctx)
//	defer client.Stop(ctx)
//
//	call := &callosum.ToolCallEvent{
//	    ToolName: "exec",
//	    Params:   map[string]any{"command": "curl smtp://mail --mail-rcpt a@b"},
//	}
//	decision, _ := client.BeforeToolCall(ctx, call)
//	if block := decision.BlockResult(); block != nil {
//	    // refused; block.BlockReason says why
//	}
//	// ... run the tool ...
//	client.AfterToolCall(ctx, call)
//
// Locks are advisory with time-based expiry; the gate is not a consensus
// system and trusts callers within the agent's own runtime. In server mode
// the same decision procedure runs in a single serializing process and
// sessions reach it over HTTP (see the server package); the client then
// falls back to its local store when the server is unreachable.
package callosum
