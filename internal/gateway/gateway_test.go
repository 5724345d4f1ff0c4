package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/relay/internal/approval"
	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/config"
	"github.com/basket/relay/internal/engine"
	"github.com/basket/relay/internal/event"
	"github.com/basket/relay/internal/pty"
	"github.com/basket/relay/internal/session"
)

const testToken = "rt_test_token"

// scripted replays a fixed engine stream, optionally stalling until block is
// closed.
type scripted struct {
	msgs  []engine.Message
	block chan struct{}
}

func (f *scripted) Run(ctx context.Context, req engine.Request) (<-chan engine.Message, error) {
	out := make(chan engine.Message, len(f.msgs)+1)
	go func() {
		defer close(out)
		for i, msg := range f.msgs {
			if i == 1 && f.block != nil {
				select {
				case <-f.block:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type fixture struct {
	srv      *httptest.Server
	sessions *session.Manager
	approvals *approval.Broker
	project  config.ProjectConfig
}

func newFixture(t *testing.T, eng engine.Engine) *fixture {
	t.Helper()
	b := bus.New(event.NewSequencer())
	approvals := approval.NewBroker(b, "runner_test", time.Minute, nil)
	sessions := session.NewManager(b, approvals, eng, "runner_test", nil, nil)
	bridge := pty.NewBridge(b, "runner_test", nil)

	project := config.ProjectConfig{ID: "proj_1", Name: "demo", Path: t.TempDir()}
	gw := New(Config{
		Sessions:    sessions,
		Processes:   bridge,
		Approvals:   approvals,
		Broadcaster: b,
		AuthToken:   testToken,
		Projects:    []config.ProjectConfig{project},
		HomeDir:     t.TempDir(),
		Process:     config.ProcessConfig{Cols: 220, Rows: 50, MultiplexCommand: "claude"},
	})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, sessions: sessions, approvals: approvals, project: project}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAuth_MissingTokenRejected(t *testing.T) {
	f := newFixture(t, &engine.Echo{})

	resp, err := http.Get(f.srv.URL + "/api/v1/projects")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	// healthz stays open.
	resp, err = http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestAuth_WrongTokenRejected(t *testing.T) {
	f := newFixture(t, &engine.Echo{})
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/v1/projects", nil)
	req.Header.Set("Authorization", "Bearer nope")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSessionLifecycleOverREST(t *testing.T) {
	f := newFixture(t, &engine.Echo{})

	resp := f.do(t, http.MethodPost, "/api/v1/projects/proj_1/sessions", map[string]any{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var created session.Info
	decode(t, resp, &created)
	if created.SessionID == "" || created.Status != session.StatusIdle {
		t.Fatalf("created = %+v", created)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/projects/proj_1/sessions", nil)
	var listed struct {
		Sessions []session.Info `json:"sessions"`
	}
	decode(t, resp, &listed)
	if len(listed.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(listed.Sessions))
	}

	resp = f.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/send", map[string]any{"text": "hello"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.do(t, http.MethodDelete, "/api/v1/sessions/"+created.SessionID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("end status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateSession_UnknownProject(t *testing.T) {
	f := newFixture(t, &engine.Echo{})
	resp := f.do(t, http.MethodPost, "/api/v1/projects/proj_missing/sessions", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t, &engine.Echo{})

	resp := f.do(t, http.MethodPost, "/api/v1/sessions/sess_missing/send", map[string]any{"text": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", resp.StatusCode)
	}

	created := f.sessions.Create("proj_1", f.project.Path, "default")
	resp = f.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/send", map[string]any{"text": "  "})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank text status = %d, want 400", resp.StatusCode)
	}
}

func TestSend_WhileStreamingConflicts(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := newFixture(t, &scripted{
		msgs: []engine.Message{
			engine.Ack{EngineSessionID: "eng_1"},
			engine.Result{Success: true},
		},
		block: block,
	})

	created := f.sessions.Create("proj_1", f.project.Path, "default")
	resp := f.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/send", map[string]any{"text": "first"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first send status = %d, want 202", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/send", map[string]any{"text": "second"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second send status = %d, want 409", resp.StatusCode)
	}
}

func TestApprove_ResolvesPendingRequest(t *testing.T) {
	f := newFixture(t, &engine.Echo{})
	created := f.sessions.Create("proj_1", f.project.Path, "default")

	type evalResult struct {
		d   approval.Decision
		err error
	}
	done := make(chan evalResult, 1)
	go func() {
		d, err := f.approvals.Evaluate(context.Background(), created.SessionID, "proj_1", "Bash", "default", map[string]any{"cmd": "ls"})
		done <- evalResult{d, err}
	}()

	// The pending id is not exposed over REST; poll the broker.
	var toolUseID string
	for i := 0; i < 200 && toolUseID == ""; i++ {
		if f.approvals.PendingCount() == 1 {
			for _, id := range f.approvals.PendingIDs() {
				toolUseID = id
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if toolUseID == "" {
		t.Fatal("approval never became pending")
	}

	resp := f.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/approve", map[string]any{
		"toolUseId": toolUseID,
		"decision":  "allow",
		"scope":     "once",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	select {
	case res := <-done:
		if res.err != nil || !res.d.Allow {
			t.Fatalf("evaluate settled with %+v, %v", res.d, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("evaluate did not settle after approve")
	}

	// A second approve for the same id finds nothing pending.
	resp = f.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/approve", map[string]any{
		"toolUseId": toolUseID,
		"decision":  "allow",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("repeat approve status = %d, want 404", resp.StatusCode)
	}
}

func TestApprove_Validation(t *testing.T) {
	f := newFixture(t, &engine.Echo{})
	created := f.sessions.Create("proj_1", f.project.Path, "default")

	resp := f.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/approve", map[string]any{
		"toolUseId": "toolu_x",
		"decision":  "maybe",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad decision status = %d, want 400", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/sessions/"+created.SessionID+"/approve", map[string]any{
		"toolUseId": "toolu_x",
		"decision":  "allow",
		"scope":     "forever",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad scope status = %d, want 400", resp.StatusCode)
	}
}

func TestAddProject_RegistersAndPersists(t *testing.T) {
	f := newFixture(t, &engine.Echo{})

	resp := f.do(t, http.MethodPost, "/api/v1/projects", map[string]any{"path": "/tmp/new-project"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d, want 201", resp.StatusCode)
	}
	var p config.ProjectConfig
	decode(t, resp, &p)
	if !strings.HasPrefix(p.ID, "proj_") || p.Name != "new-project" {
		t.Fatalf("project = %+v", p)
	}

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/projects/%s/sessions", p.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("session in added project status = %d, want 201", resp.StatusCode)
	}
}

func TestProcessEndpoints(t *testing.T) {
	f := newFixture(t, &engine.Echo{})

	resp := f.do(t, http.MethodPost, "/api/v1/projects/proj_1/pty-sessions", map[string]any{
		"command": "/bin/sh",
		"cols":    100,
		"rows":    30,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn status = %d, want 201", resp.StatusCode)
	}
	var handle pty.Handle
	decode(t, resp, &handle)
	if handle.PID == 0 || handle.Cols != 100 {
		t.Fatalf("handle = %+v", handle)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/projects/proj_1/pty-sessions", nil)
	var listed struct {
		Sessions []pty.Handle `json:"sessions"`
	}
	decode(t, resp, &listed)
	if len(listed.Sessions) != 1 {
		t.Fatalf("pty sessions = %d, want 1", len(listed.Sessions))
	}

	resp = f.do(t, http.MethodPost, "/api/v1/pty-sessions/"+handle.SessionID+"/resize", map[string]any{
		"cols": 80, "rows": 24,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resize status = %d, want 200", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/pty-sessions/"+handle.SessionID+"/write", map[string]any{
		"data": base64.StdEncoding.EncodeToString([]byte("true\n")),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("write status = %d, want 204", resp.StatusCode)
	}

	resp = f.do(t, http.MethodDelete, "/api/v1/pty-sessions/"+handle.SessionID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("kill status = %d, want 204", resp.StatusCode)
	}
}

func TestProcess_ResizeUnknownSession(t *testing.T) {
	f := newFixture(t, &engine.Echo{})
	resp := f.do(t, http.MethodPost, "/api/v1/pty-sessions/sess_missing/resize", map[string]any{
		"cols": 80, "rows": 24,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
