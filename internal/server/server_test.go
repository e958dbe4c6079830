package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chr1sbest/ralphd/internal/crash"
	"github.com/chr1sbest/ralphd/internal/execerr"
	"github.com/chr1sbest/ralphd/internal/execstate"
	"github.com/chr1sbest/ralphd/internal/history"
	"github.com/chr1sbest/ralphd/internal/preflight"
	"github.com/chr1sbest/ralphd/internal/ralph"
)

type fakeExecutor struct {
	startErr  error
	started   []ralph.StartOptions
	stopped   bool
	pauseOK   bool
	killCalls int
}

func (f *fakeExecutor) Start(_ context.Context, opts ralph.StartOptions) (*execstate.ExecutionState, error) {
	f.started = append(f.started, opts)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &execstate.ExecutionState{Status: execstate.StatusRunning, PhaseID: opts.PhaseID, ExecutionID: "01X"}, nil
}
func (f *fakeExecutor) Pause() bool  { return f.pauseOK }
func (f *fakeExecutor) Resume() bool { return false }
func (f *fakeExecutor) Stop() bool   { f.stopped = true; return true }
func (f *fakeExecutor) ForceKill() bool {
	f.killCalls++
	return true
}

type fakeStates struct{ st *execstate.ExecutionState }

func (f fakeStates) State() *execstate.ExecutionState { return f.st }

type fakeRecovery struct {
	rs       crash.RecoveryState
	clearErr error
	cleared  bool
}

func (f *fakeRecovery) GetRecoveryState() crash.RecoveryState { return f.rs }
func (f *fakeRecovery) ClearCrashState() error {
	f.cleared = true
	return f.clearErr
}

type fakePreflight struct{ phases []string }

func (f *fakePreflight) ValidateAll(_ context.Context, phaseID string) preflight.Result {
	f.phases = append(f.phases, phaseID)
	return preflight.Result{Success: true, Checks: []preflight.Check{{Name: preflight.CheckTool, Passed: true}}}
}

type fakeHistory struct {
	runs  []history.Run
	limit int
}

func (f *fakeHistory) List(_ context.Context, limit int) ([]history.Run, error) {
	f.limit = limit
	return f.runs, nil
}

type harness struct {
	exec     *fakeExecutor
	recovery *fakeRecovery
	pre      *fakePreflight
	hist     *fakeHistory
	srv      *Server
}

func newHarness(t *testing.T, st *execstate.ExecutionState) *harness {
	t.Helper()
	h := &harness{
		exec:     &fakeExecutor{},
		recovery: &fakeRecovery{},
		pre:      &fakePreflight{},
		hist:     &fakeHistory{runs: []history.Run{{ExecutionID: "01A", Status: "completed"}}},
	}
	h.srv = New(Deps{
		Executor:  h.exec,
		States:    fakeStates{st: st},
		Recovery:  h.recovery,
		Preflight: h.pre,
		History:   h.hist,
		WebSocket: func(c *gin.Context) { c.String(http.StatusTeapot, "ws") },
	}, nil, false)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "missing error body: %v", body)
	return e["code"].(string)
}

func TestHealthAndWebSocketRoute(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	wsRec := httptest.NewRecorder()
	h.srv.Router().ServeHTTP(wsRec, req)
	assert.Equal(t, http.StatusTeapot, wsRec.Code)
}

func TestStateNullAndPresent(t *testing.T) {
	h := newHarness(t, nil)
	_, body := h.do(t, http.MethodGet, "/api/execution/state", "")
	assert.Contains(t, body, "data")
	assert.Nil(t, body["data"])

	h = newHarness(t, &execstate.ExecutionState{Status: execstate.StatusPaused, PhaseID: "p1"})
	_, body = h.do(t, http.MethodGet, "/api/execution/state", "")
	data := body["data"].(map[string]any)
	assert.Equal(t, "paused", data["status"])
}

func TestStart(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodPost, "/api/execution/start", `{"phaseId":"p1","force":true,"sessionId":"s-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p1", body["data"].(map[string]any)["phaseId"])
	require.Len(t, h.exec.started, 1)
	assert.Equal(t, ralph.StartOptions{PhaseID: "p1", Force: true, SessionID: "s-1"}, h.exec.started[0])
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodPost, "/api/execution/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, body))

	rec, _ = h.do(t, http.MethodPost, "/api/execution/start", `{"phaseId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.exec.started)

	rec, _ = h.do(t, http.MethodPost, "/api/execution/start", `{"resume":true}`)
	assert.Equal(t, http.StatusOK, rec.Code, "resume may omit the phase")
}

func TestStartErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{execerr.New(execerr.CodeAlreadyRunning, "Execution already running"), http.StatusConflict, "ALREADY_RUNNING"},
		{execerr.New(execerr.CodePhaseNotFound, "unknown phase"), http.StatusNotFound, "PHASE_NOT_FOUND"},
		{execerr.New(execerr.CodeNotResumable, "no resumable execution"), http.StatusConflict, "NOT_RESUMABLE"},
		{execerr.New(execerr.CodeSpawnFailed, "exec failed"), http.StatusInternalServerError, "SPAWN_FAILED"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			h := newHarness(t, nil)
			h.exec.startErr = tc.err
			rec, body := h.do(t, http.MethodPost, "/api/execution/start", `{"phaseId":"p1"}`)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, errorCode(t, body))
		})
	}
}

func TestStartPreflightFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.startErr = &ralph.PreflightError{Result: preflight.Result{
		ErrorCode: execerr.CodeToolNotFound,
		Checks: []preflight.Check{{
			Name: preflight.CheckTool, ErrorCode: execerr.CodeToolNotFound, Message: "ralph not found on PATH",
		}},
	}}

	rec, body := h.do(t, http.MethodPost, "/api/execution/start", `{"phaseId":"p1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "TOOL_NOT_FOUND", errorCode(t, body))
	assert.Equal(t, "ralph not found on PATH", body["error"].(map[string]any)["message"])

	pre := body["preflight"].(map[string]any)
	assert.Equal(t, false, pre["success"])
	assert.Len(t, pre["checks"], 1)
}

func TestControlRoutes(t *testing.T) {
	h := newHarness(t, nil)

	_, body := h.do(t, http.MethodPost, "/api/execution/pause", "")
	assert.Equal(t, false, body["success"])
	h.exec.pauseOK = true
	_, body = h.do(t, http.MethodPost, "/api/execution/pause", "")
	assert.Equal(t, true, body["success"])

	_, body = h.do(t, http.MethodPost, "/api/execution/resume", "")
	assert.Equal(t, false, body["success"])

	_, body = h.do(t, http.MethodPost, "/api/execution/stop", "")
	assert.Equal(t, true, body["success"])
	assert.True(t, h.exec.stopped)

	_, body = h.do(t, http.MethodPost, "/api/execution/kill", "")
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1, h.exec.killCalls)
}

func TestControlRoutesRejectForeignOrigin(t *testing.T) {
	h := newHarness(t, nil)

	send := func(path, body, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.srv.Router().ServeHTTP(rec, req)
		return rec
	}

	rec := send("/api/execution/kill", "", "http://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = send("/api/execution/start", `{"phaseId":"phase-1","force":true}`, "http://evil.example")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(execerr.CodeForbiddenOrigin), errorCode(t, body))
	assert.Zero(t, h.exec.killCalls)
	assert.Empty(t, h.exec.started)

	rec = send("/api/execution/kill", "", "http://localhost:5173")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.exec.killCalls)

	state, _ := h.do(t, http.MethodGet, "/api/execution/state", "")
	assert.Equal(t, http.StatusOK, state.Code)
}

func TestRecoveryRoutes(t *testing.T) {
	h := newHarness(t, nil)
	h.recovery.rs = crash.RecoveryState{
		HasCrashState: true,
		CanResume:     true,
		CrashInfo:     &crash.CrashInfo{ErrorMessage: "Process was killed", ErrorCode: execerr.CodeProcessCrashed},
	}

	_, body := h.do(t, http.MethodGet, "/api/execution/recovery", "")
	assert.Equal(t, true, body["hasCrashState"])
	assert.Equal(t, true, body["canResume"])
	assert.Equal(t, "Process was killed", body["crashInfo"].(map[string]any)["errorMessage"])

	rec, body := h.do(t, http.MethodPost, "/api/execution/recovery/clear", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.True(t, h.recovery.cleared)

	h.recovery.clearErr = errors.New("permission denied")
	rec, body = h.do(t, http.MethodPost, "/api/execution/recovery/clear", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", errorCode(t, body))
}

func TestPreflightRoute(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodGet, "/api/execution/preflight", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, body))

	rec, body = h.do(t, http.MethodGet, "/api/execution/preflight?phaseId=p2", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []string{"p2"}, h.pre.phases)
}

func TestHistoryRoute(t *testing.T) {
	h := newHarness(t, nil)
	_, body := h.do(t, http.MethodGet, "/api/execution/history", "")
	assert.Len(t, body["data"], 1)
	assert.Equal(t, 50, h.hist.limit)

	h.do(t, http.MethodGet, "/api/execution/history?limit=5", "")
	assert.Equal(t, 5, h.hist.limit)

	rec, _ := h.do(t, http.MethodGet, "/api/execution/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryRouteWithoutStore(t *testing.T) {
	srv := New(Deps{
		Executor:  &fakeExecutor{},
		States:    fakeStates{},
		Recovery:  &fakeRecovery{},
		Preflight: &fakePreflight{},
	}, nil, false)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/execution/history", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.srv.ListenAndServe(ctx, "127.0.0.1:0", 0, 0) }()
	cancel()
	assert.NoError(t, <-done)
}
