package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/doctor"
	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/metrics"
	"github.com/michaelbrown/crucible/internal/storage/sqlite"
)

type stubRunner struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, source string) executor.Result
}

func (r *stubRunner) Execute(ctx context.Context, source string) executor.Result {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ctx, source)
	}
	return executor.Result{Success: true, Stage: executor.StageExecution, Stdout: "42\n"}
}

func testConfig() *config.Config {
	return &config.Config{
		Limits: config.LimitsConfig{MaxCodeSize: 1 << 20},
		Monitoring: config.MonitoringConfig{
			AlertOnViolations:    true,
			MaxViolationsPerHour: 2,
		},
	}
}

func testServer(t *testing.T, cfg *config.Config, runner Runner) *Server {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, runner, store, metrics.New(), logger)
}

func do(t *testing.T, s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateExecution(t *testing.T) {
	runner := &stubRunner{}
	s := testServer(t, testConfig(), runner)

	rec := do(t, s, "POST", "/api/executions", `{"code":"int main(){}","id":"job-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	resp := decode[struct {
		ID     string          `json:"id"`
		Result executor.Result `json:"result"`
	}](t, rec)
	if resp.ID != "job-1" {
		t.Errorf("id = %q, want job-1", resp.ID)
	}
	if !resp.Result.Success || resp.Result.Stdout != "42\n" {
		t.Errorf("result = %+v", resp.Result)
	}

	rec = do(t, s, "GET", "/api/executions/job-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decode[map[string]any](t, rec)
	if got["source"] != "int main(){}" {
		t.Errorf("recorded source = %v", got["source"])
	}
}

func TestCreateExecutionGeneratesID(t *testing.T) {
	s := testServer(t, testConfig(), &stubRunner{})

	rec := do(t, s, "POST", "/api/executions", `{"code":"int main(){}"}`)
	resp := decode[map[string]any](t, rec)
	if id, _ := resp["id"].(string); len(id) != 36 {
		t.Errorf("expected a uuid, got %v", resp["id"])
	}
}

func TestCreateExecutionBadRequests(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxCodeSize = 16
	runner := &stubRunner{}
	s := testServer(t, cfg, runner)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"code":`, http.StatusBadRequest},
		{"empty code", `{"code":""}`, http.StatusBadRequest},
		{"bad id", `{"code":"x","id":"../etc"}`, http.StatusBadRequest},
		{"too large", `{"code":"` + strings.Repeat("a", 100*1024) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, "POST", "/api/executions", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
	if runner.calls != 0 {
		t.Errorf("runner called %d times for rejected requests", runner.calls)
	}
}

func TestExecutionErrorsAreSanitized(t *testing.T) {
	tests := []struct {
		name   string
		result executor.Result
		want   string
	}{
		{
			"infrastructure",
			executor.Result{Stage: executor.StageExecution, ExitCode: -1, Error: "execution error: launching container: /var/lib/docker/overlay2 failed"},
			"execution failed",
		},
		{
			"timeout",
			executor.Result{Stage: executor.StageExecution, ExitCode: -1, TimedOut: true, Error: "execution timeout exceeded (10s)"},
			"execution timed out",
		},
		{
			"compilation passes through",
			executor.Result{Stage: executor.StageCompilation, Error: "compilation failed:\nprogram.c:1:1: error"},
			"compilation failed:\nprogram.c:1:1: error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testServer(t, testConfig(), &stubRunner{fn: func(context.Context, string) executor.Result { return tt.result }})

			rec := do(t, s, "POST", "/api/executions", `{"code":"x","id":"e1"}`)
			resp := decode[struct {
				Result executor.Result `json:"result"`
			}](t, rec)
			if resp.Result.Error != tt.want {
				t.Errorf("response error = %q, want %q", resp.Result.Error, tt.want)
			}

			got := decode[map[string]any](t, do(t, s, "GET", "/api/executions/e1", ""))
			if got["error"] != tt.want {
				t.Errorf("stored view error = %v, want %q", got["error"], tt.want)
			}
		})
	}
}

func TestViolationAlert(t *testing.T) {
	runner := &stubRunner{fn: func(context.Context, string) executor.Result {
		return executor.Result{Stage: executor.StageValidation, Error: "forbidden pattern detected: system"}
	}}
	s := testServer(t, testConfig(), runner)

	for i := 0; i < 3; i++ {
		do(t, s, "POST", "/api/executions", `{"code":"system(\"x\");"}`, "X-Client-ID", "eve")
	}
	do(t, s, "POST", "/api/executions", `{"code":"system(\"x\");"}`, "X-Client-ID", "bob")

	if got := testutil.ToFloat64(s.metrics.ViolationAlerts); got != 1 {
		t.Errorf("violation alerts = %v, want 1", got)
	}
}

func TestCreateExecutionRejectsRecordedID(t *testing.T) {
	runner := &stubRunner{fn: func(context.Context, string) executor.Result {
		return executor.Result{Stage: executor.StageValidation, Error: "forbidden pattern detected: system"}
	}}
	s := testServer(t, testConfig(), runner)

	var codes []int
	for i := 0; i < 6; i++ {
		rec := do(t, s, "POST", "/api/executions", `{"code":"system(\"x\");","id":"same"}`, "X-Client-ID", "eve")
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK {
		t.Fatalf("first submission status = %d", codes[0])
	}
	for i, code := range codes[1:] {
		if code != http.StatusConflict {
			t.Errorf("repeat %d: status = %d, want 409", i+1, code)
		}
	}
	if runner.calls != 1 {
		t.Errorf("runner called %d times, want 1", runner.calls)
	}

	// Fresh ids are still counted against the violation budget.
	for i := 0; i < 2; i++ {
		do(t, s, "POST", "/api/executions", `{"code":"system(\"x\");"}`, "X-Client-ID", "eve")
	}
	if got := testutil.ToFloat64(s.metrics.ViolationAlerts); got != 1 {
		t.Errorf("violation alerts = %v, want 1", got)
	}
}

func TestWebSocketRejectsRecordedID(t *testing.T) {
	s := testServer(t, testConfig(), &stubRunner{})
	do(t, s, "POST", "/api/executions", `{"code":"int main(){}","id":"taken"}`)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsIncoming{Type: "execute", ID: "taken", Code: "int main(){}"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var started, msg wsOutgoing
	if err := conn.ReadJSON(&started); err != nil {
		t.Fatalf("read started: %v", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "error" || !strings.Contains(msg.Content, "already in history") {
		t.Errorf("message = %+v, want duplicate id error", msg)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimitPerClient = 2
	s := testServer(t, cfg, &stubRunner{})

	for i := 0; i < 2; i++ {
		if rec := do(t, s, "POST", "/api/executions", `{"code":"x"}`, "X-Client-ID", "alice"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	rec := do(t, s, "POST", "/api/executions", `{"code":"x"}`, "X-Client-ID", "alice")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	if rec := do(t, s, "POST", "/api/executions", `{"code":"x"}`, "X-Client-ID", "bob"); rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rec.Code)
	}
	if got := testutil.ToFloat64(s.metrics.RateLimited); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimitGlobal = 1
	s := testServer(t, cfg, &stubRunner{})

	do(t, s, "POST", "/api/executions", `{"code":"x"}`, "X-Client-ID", "a")
	rec := do(t, s, "POST", "/api/executions", `{"code":"x"}`, "X-Client-ID", "b")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}

func TestListDeleteAndExport(t *testing.T) {
	s := testServer(t, testConfig(), &stubRunner{})

	for _, id := range []string{"aaa", "bbb"} {
		do(t, s, "POST", "/api/executions", `{"code":"int main(){}","id":"`+id+`"}`)
	}

	list := decode[[]map[string]any](t, do(t, s, "GET", "/api/executions?stage=execution&limit=10", ""))
	if len(list) != 2 {
		t.Fatalf("got %d executions, want 2", len(list))
	}

	rec := do(t, s, "GET", "/api/executions/aaa/export?format=md", "")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/markdown") {
		t.Errorf("md export: status %d, type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "# Execution aaa") {
		t.Errorf("md export body: %s", rec.Body)
	}

	rec = do(t, s, "GET", "/api/executions/aaa/export?format=yaml", "")
	if rec.Header().Get("Content-Type") != "application/yaml" {
		t.Errorf("yaml export type = %q", rec.Header().Get("Content-Type"))
	}

	if rec := do(t, s, "GET", "/api/executions/aaa/export?format=docx", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown format status = %d", rec.Code)
	}

	if rec := do(t, s, "DELETE", "/api/executions/aaa", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := do(t, s, "GET", "/api/executions/aaa", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
	if rec := do(t, s, "DELETE", "/api/executions/aaa", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

// blockingRunner waits until its context is cancelled.
func blockingRunner(started chan<- struct{}, sawErr chan<- error) *stubRunner {
	return &stubRunner{fn: func(ctx context.Context, _ string) executor.Result {
		close(started)
		<-ctx.Done()
		sawErr <- ctx.Err()
		return executor.Result{Stage: executor.StageExecution, ExitCode: -1, Error: "execution error: execution cancelled: context canceled"}
	}}
}

func TestCancelExecution(t *testing.T) {
	started := make(chan struct{})
	sawErr := make(chan error, 1)
	s := testServer(t, testConfig(), blockingRunner(started, sawErr))

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- do(t, s, "POST", "/api/executions", `{"code":"int main(){while(1);}","id":"long"}`)
	}()
	<-started

	running := decode[[]ActiveExecution](t, do(t, s, "GET", "/api/executions/running", ""))
	if len(running) != 1 || running[0].ID != "long" {
		t.Fatalf("running = %+v", running)
	}

	if rec := do(t, s, "POST", "/api/executions/long/cancel", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d", rec.Code)
	}

	select {
	case err := <-sawErr:
		if err != context.Canceled {
			t.Errorf("runner saw %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not cancelled")
	}

	rec := <-done
	if rec.Code != http.StatusOK {
		t.Errorf("create status = %d", rec.Code)
	}
	if rec := do(t, s, "POST", "/api/executions/long/cancel", ""); rec.Code != http.StatusNotFound {
		t.Errorf("cancel after finish status = %d", rec.Code)
	}
}

func TestShutdownCancelsRunning(t *testing.T) {
	started := make(chan struct{})
	sawErr := make(chan error, 1)
	s := testServer(t, testConfig(), blockingRunner(started, sawErr))

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		do(t, s, "POST", "/api/executions", `{"code":"x"}`)
	}()
	<-started

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-sawErr:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not cancel running execution")
	}
	<-finished
}

func TestHealth(t *testing.T) {
	s := testServer(t, testConfig(), &stubRunner{})

	s.health = func(context.Context) doctor.Report {
		return doctor.Report{OK: true, Checks: []doctor.Check{{Name: "docker", OK: true}}}
	}
	if rec := do(t, s, "GET", "/api/health", ""); rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d", rec.Code)
	}

	s.health = func(context.Context) doctor.Report {
		return doctor.Report{Checks: []doctor.Check{{Name: "docker", Detail: "daemon down"}}}
	}
	rec := do(t, s, "GET", "/api/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "daemon down") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t, testConfig(), &stubRunner{})

	rec := do(t, s, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected runtime collectors in /metrics output")
	}
}

func TestWebSocketExecute(t *testing.T) {
	s := testServer(t, testConfig(), &stubRunner{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsIncoming{Type: "execute", ID: "ws-1", Code: "int main(){}"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var started, result wsOutgoing
	if err := conn.ReadJSON(&started); err != nil {
		t.Fatalf("read started: %v", err)
	}
	if started.Type != "started" || started.ID != "ws-1" {
		t.Errorf("first message = %+v", started)
	}
	if err := conn.ReadJSON(&result); err != nil {
		t.Fatalf("read result: %v", err)
	}
	if result.Type != "result" || result.Result == nil || result.Result.Stdout != "42\n" {
		t.Errorf("result message = %+v", result)
	}

	if err := conn.WriteJSON(wsIncoming{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errMsg wsOutgoing
	if err := conn.ReadJSON(&errMsg); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if errMsg.Type != "error" {
		t.Errorf("expected error for unknown type, got %+v", errMsg)
	}
}

func TestWebSocketDisconnectCancels(t *testing.T) {
	started := make(chan struct{})
	sawErr := make(chan error, 1)
	s := testServer(t, testConfig(), blockingRunner(started, sawErr))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.WriteJSON(wsIncoming{Type: "execute", Code: "int main(){}"})
	<-started
	conn.Close()

	select {
	case err := <-sawErr:
		if err != context.Canceled {
			t.Errorf("runner saw %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect did not cancel the execution")
	}
}
