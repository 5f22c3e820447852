package callosum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/callosumhq/callosum/classify"
	"github.com/callosumhq/callosum/storage"
)

// CallRequest is the wire shape of a pre-call or post-call event sent to a
// shared gate server.
type CallRequest struct {
	Instance string         `json:"instance"`
	ToolName string         `json:"toolName"`
	Params   map[string]any `json:"params,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// LockRequest is the wire shape of an explicit lock or unlock request.
type LockRequest struct {
	Instance   string        `json:"instance"`
	ContextKey string        `json:"contextKey"`
	Tier       classify.Tier `json:"tier,omitempty"`
}

// LockReply is the wire shape of an explicit lock response.
type LockReply struct {
	Acquired bool              `json:"acquired"`
	Conflict *storage.Conflict `json:"conflict,omitempty"`
}

// remoteGate delegates decisions to a shared gate server over HTTP.
//
// Transport failures and server-side faults surface as ErrRemoteUnavailable
// so the client can fall back to its local store; a well-formed refusal
// (4xx) is a real answer and is returned as-is.
type remoteGate struct {
	baseURL string
	http    *http.Client
}

func newRemoteGate(baseURL string, timeout time.Duration) *remoteGate {
	return &remoteGate{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// remoteEnvelope mirrors the server's response envelope.
type remoteEnvelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *remoteError    `json:"error,omitempty"`
}

type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (r *remoteGate) BeforeToolCall(ctx context.Context, instance string, ev *ToolCallEvent) (*Decision, error) {
	var d Decision
	req := &CallRequest{Instance: instance, ToolName: ev.ToolName, Params: ev.Params}
	if err := r.do(ctx, http.MethodPost, "/v1/intercept", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *remoteGate) AfterToolCall(ctx context.Context, instance string, ev *ToolCallEvent) error {
	req := &CallRequest{Instance: instance, ToolName: ev.ToolName, Params: ev.Params, Error: ev.Error}
	return r.do(ctx, http.MethodPost, "/v1/complete", req, nil)
}

func (r *remoteGate) Status(ctx context.Context, contextKey string) (*Status, error) {
	path := "/v1/status"
	if contextKey != "" {
		path += "?contextKey=" + url.QueryEscape(contextKey)
	}
	var st Status
	if err := r.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *remoteGate) Journal(ctx context.Context, limit int) ([]*storage.JournalEntry, error) {
	path := "/v1/journal"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []*storage.JournalEntry
	if err := r.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *remoteGate) Acquire(ctx context.Context, instance, contextKey string, tier classify.Tier) (bool, *storage.Conflict, error) {
	var reply LockReply
	req := &LockRequest{Instance: instance, ContextKey: contextKey, Tier: tier}
	if err := r.do(ctx, http.MethodPost, "/v1/lock", req, &reply); err != nil {
		return false, nil, err
	}
	return reply.Acquired, reply.Conflict, nil
}

func (r *remoteGate) Release(ctx context.Context, instance, contextKey string) error {
	req := &LockRequest{Instance: instance, ContextKey: contextKey}
	return r.do(ctx, http.MethodPost, "/v1/unlock", req, nil)
}

func (r *remoteGate) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return NewGateError("remote", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return NewGateError("remote", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: server returned %s", ErrRemoteUnavailable, resp.Status)
	}

	var env remoteEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrRemoteUnavailable, err)
	}
	if env.Error != nil {
		return NewGateError("remote", env.Error)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return NewGateError("remote", fmt.Errorf("server returned %s", resp.Status))
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: malformed response: %v", ErrRemoteUnavailable, err)
		}
	}
	return nil
}
