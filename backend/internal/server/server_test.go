package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rundaemon/rund/backend/internal/run"
	"github.com/rundaemon/rund/backend/internal/server/dto"
)

// noopStrategy never actually contacts an agent; used to exercise the HTTP
// surface without a live codex subprocess.
type noopStrategy struct{}

func (noopStrategy) Run(_ context.Context, _ run.Run, _ run.Hooks) run.Outcome {
	return run.Outcome{Status: run.StatusSucceeded}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := run.NewStore(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	bcast := run.NewBroadcaster()
	backlog := run.NewBacklog()
	rollup := run.NewRollupWriter(store.AppendRollupRecord)
	mgr := run.NewManager(store, bcast, backlog, rollup, func(run.Run) (run.Strategy, error) {
		return noopStrategy{}, nil
	})
	return &Server{manager: mgr, store: store, bcast: bcast, backlog: backlog}
}

func TestHandleGetRunNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/missing", http.NoBody)
	req.SetPathValue("id", "missing")
	w := httptest.NewRecorder()
	s.handleGetRun(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestCreateRunMissingCwd(t *testing.T) {
	s := newTestServer(t)
	body := strings.NewReader(`{"prompt":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	w := httptest.NewRecorder()
	handle(s.createRun)(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestCreateRunReturnsID(t *testing.T) {
	s := newTestServer(t)
	body := strings.NewReader(`{"cwd":"` + t.TempDir() + `","prompt":"test run"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", body)
	w := httptest.NewRecorder()
	handle(s.createRun)(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	var resp dto.CreateRunResp
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID == "" {
		t.Error("response missing runId")
	}
}

func TestListRunsRequiresCwdOrAll(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/runs", http.NoBody)
	w := httptest.NewRecorder()
	s.handleListRuns(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestListRunsAll(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/runs?all=true", http.NoBody)
	w := httptest.NewRecorder()
	s.handleListRuns(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp dto.RunsResp
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
}

func TestInterruptRunNotRunning(t *testing.T) {
	s := newTestServer(t)
	cwd := t.TempDir()
	// Created directly through the store, bypassing Manager.CreateAndStart,
	// so the run exists but is never registered as active.
	created, err := s.store.Create(run.CreateOptions{Cwd: cwd, Prompt: "x", Kind: run.KindExec})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/"+created.Run.RunID+"/interrupt", http.NoBody)
	req.SetPathValue("id", created.Run.RunID)
	w := httptest.NewRecorder()
	handleWithRun(s, s.interruptRun)(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleHealthReportsCodexRuntime(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/health", http.NoBody)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	var resp dto.HealthResp
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.CodexRuntime != "disabled" {
		t.Errorf("codexRuntime = %q, want %q", resp.CodexRuntime, "disabled")
	}
}
