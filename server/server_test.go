package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/callosumhq/callosum"
	"github.com/callosumhq/callosum/classify"
	"github.com/callosumhq/callosum/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	client, err := callosum.New(
		callosum.Config{InstanceID: "gate-server", StateDir: t.TempDir()},
		callosum.WithMaintenance(false),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(New(client.Gate(), nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, *Response) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var env Response
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope from %s: %v (%s)", url, err, raw)
	}
	return resp, &env
}

func TestInterceptEndpoint(t *testing.T) {
	srv := newTestServer(t)

	t.Run("decides and journals", func(t *testing.T) {
		resp, env := postJSON(t, srv.URL+"/v1/intercept", &callosum.CallRequest{
			Instance: "a",
			ToolName: "exec",
			Params: map[string]any{
				"command": "curl --url 'smtp://mail' --mail-rcpt 'ops@example.com' -T x",
			},
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if env.Error != nil {
			t.Fatalf("error = %+v", env.Error)
		}

		var d callosum.Decision
		data, _ := json.Marshal(env.Data)
		if err := json.Unmarshal(data, &d); err != nil {
			t.Fatal(err)
		}
		if d.Verdict != callosum.VerdictAllow || d.ContextKey != "email:ops@example.com" {
			t.Errorf("decision = %+v", d)
		}
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		resp, env := postJSON(t, srv.URL+"/v1/intercept", &callosum.CallRequest{ToolName: "exec"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
		if env.Error == nil || env.Error.Code != "invalid_request" {
			t.Errorf("error = %+v", env.Error)
		}
	})
}

func TestCallRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	call := &callosum.CallRequest{
		Instance: "a",
		ToolName: "deploy",
		Params:   map[string]any{"target": "api"},
	}

	if resp, _ := postJSON(t, srv.URL+"/v1/intercept", call); resp.StatusCode != http.StatusOK {
		t.Fatalf("intercept status = %d", resp.StatusCode)
	}

	// The deploy lock is now held; another instance is blocked.
	other := &callosum.CallRequest{Instance: "b", ToolName: "deploy", Params: call.Params}
	_, env := postJSON(t, srv.URL+"/v1/intercept", other)
	var d callosum.Decision
	data, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatal(err)
	}
	if d.Verdict != callosum.VerdictBlock {
		t.Errorf("verdict = %v, want block", d.Verdict)
	}

	if resp, _ := postJSON(t, srv.URL+"/v1/complete", call); resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d", resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/v1/journal?limit=10")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var journalEnv struct {
		Data []*storage.JournalEntry `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&journalEnv); err != nil {
		t.Fatal(err)
	}
	last := journalEnv.Data[len(journalEnv.Data)-1]
	if last.Action != storage.ActionComplete || last.ContextKey != "deploy:api" {
		t.Errorf("last entry = %+v", last)
	}
}

func TestLockEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, env := postJSON(t, srv.URL+"/v1/lock", &callosum.LockRequest{
		Instance: "a", ContextKey: "deploy:api", Tier: classify.TierIrreversible,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var reply callosum.LockReply
	data, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatal(err)
	}
	if !reply.Acquired {
		t.Error("first lock not acquired")
	}

	_, env = postJSON(t, srv.URL+"/v1/lock", &callosum.LockRequest{
		Instance: "b", ContextKey: "deploy:api", Tier: classify.TierIrreversible,
	})
	data, _ = json.Marshal(env.Data)
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Acquired {
		t.Error("second instance acquired a held lock")
	}
	if reply.Conflict == nil || reply.Conflict.Instance != "a" {
		t.Errorf("conflict = %+v", reply.Conflict)
	}

	if resp, _ := postJSON(t, srv.URL+"/v1/unlock", &callosum.LockRequest{
		Instance: "a", ContextKey: "deploy:api",
	}); resp.StatusCode != http.StatusOK {
		t.Errorf("unlock status = %d", resp.StatusCode)
	}

	t.Run("invalid tier rejected", func(t *testing.T) {
		resp, _ := postJSON(t, srv.URL+"/v1/lock", &callosum.LockRequest{
			Instance: "a", ContextKey: "k", Tier: classify.Tier(9),
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}

func TestStatusEndpointAndPage(t *testing.T) {
	srv := newTestServer(t)

	if resp, _ := postJSON(t, srv.URL+"/v1/intercept", &callosum.CallRequest{
		Instance: "a", ToolName: "deploy", Params: map[string]any{"target": "api"},
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("intercept failed")
	}

	t.Run("json status", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/v1/status")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var env struct {
			Data *callosum.Status `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatal(err)
		}
		if len(env.Data.Locks) != 1 || env.Data.Locks[0].ContextKey != "deploy:api" {
			t.Errorf("locks = %v", env.Data.Locks)
		}
	})

	t.Run("html page", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(resp.Body)
		page := string(body)
		if !strings.Contains(page, "Callosum") || !strings.Contains(page, "deploy:api") {
			t.Errorf("page missing expected content")
		}
	})

	t.Run("unknown path", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/nope")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}
