package callosum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/callosumhq/callosum/classify"
)

func newRemoteClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := New(
		Config{
			InstanceID: "remote-a",
			Mode:       ModeRemote,
			ServerURL:  serverURL,
			StateDir:   t.TempDir(),
		},
		WithMaintenance(false),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { client.Stop(ctx) })
	return client
}

func TestRemoteDecisions(t *testing.T) {
	ctx := context.Background()

	t.Run("server decision is returned", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/intercept" || r.Method != http.MethodPost {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			var req CallRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if req.Instance != "remote-a" || req.ToolName != "deploy" {
				t.Errorf("request = %+v", req)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": &Decision{
					ID:         "d1",
					Verdict:    VerdictBlock,
					Tier:       classify.TierIrreversible,
					ContextKey: "deploy:api",
					Reason:     "instance other holds the lock on deploy:api",
				},
			})
		}))
		defer srv.Close()

		client := newRemoteClient(t, srv.URL)
		d, err := client.BeforeToolCall(ctx, deployCall("api"))
		if err != nil {
			t.Fatalf("BeforeToolCall: %v", err)
		}
		if d.Verdict != VerdictBlock || d.ContextKey != "deploy:api" {
			t.Errorf("decision = %+v", d)
		}
	})

	t.Run("unreachable server falls back to local store", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		client := newRemoteClient(t, url)
		d, err := client.BeforeToolCall(ctx, emailCall("fallback@example.com"))
		if err != nil {
			t.Fatalf("fallback failed: %v", err)
		}
		if d.Verdict != VerdictAllow || d.ContextKey != "email:fallback@example.com" {
			t.Errorf("decision = %+v", d)
		}
	})

	t.Run("server 5xx falls back to local store", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := newRemoteClient(t, srv.URL)
		d, err := client.BeforeToolCall(ctx, emailCall("degraded@example.com"))
		if err != nil {
			t.Fatalf("fallback failed: %v", err)
		}
		if d.Verdict != VerdictAllow {
			t.Errorf("decision = %+v", d)
		}
	})

	t.Run("well-formed refusal does not fall back", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "invalid_request", "message": "bad tier"},
			})
		}))
		defer srv.Close()

		client := newRemoteClient(t, srv.URL)
		_, err := client.BeforeToolCall(ctx, emailCall("rejected@example.com"))
		if err == nil {
			t.Fatal("expected error for 4xx refusal")
		}
	})

	t.Run("post-call is forwarded", func(t *testing.T) {
		got := make(chan CallRequest, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/complete" {
				var req CallRequest
				_ = json.NewDecoder(r.Body).Decode(&req)
				got <- req
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]bool{"recorded": true}})
		}))
		defer srv.Close()

		client := newRemoteClient(t, srv.URL)
		call := emailCall("done@example.com")
		call.Error = "smtp timeout"
		if err := client.AfterToolCall(ctx, call); err != nil {
			t.Fatalf("AfterToolCall: %v", err)
		}
		req := <-got
		if req.Error != "smtp timeout" {
			t.Errorf("error not forwarded: %+v", req)
		}
	})
}
