package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"testdeck/internal/coverage"
	"testdeck/internal/eventbus"
	"testdeck/internal/run"
	"testdeck/internal/schedule"
	"testdeck/internal/storage"
	logx "testdeck/pkg/logx"
)

// scriptedBackend emits fixed lines and a fixed result for every run.
type scriptedBackend struct {
	lines  []string
	result run.Result
}

func (b *scriptedBackend) Start(_ context.Context, _ run.Spec) (run.Handle, error) {
	h := &scriptedHandle{
		out:  make(chan string, len(b.lines)+1),
		done: make(chan struct{}),
		res:  b.result,
	}
	go func() {
		for _, l := range b.lines {
			h.out <- l
		}
		close(h.out)
		close(h.done)
	}()
	return h, nil
}

type scriptedHandle struct {
	out  chan string
	done chan struct{}
	res  run.Result
}

func (h *scriptedHandle) Output() <-chan string { return h.out }
func (h *scriptedHandle) Wait() run.Result      { <-h.done; return h.res }
func (h *scriptedHandle) Kill()                 {}

type testEnv struct {
	srv     *httptest.Server
	tracker *run.Tracker
	store   storage.Store
}

func newTestEnv(t *testing.T, backend run.Backend) *testEnv {
	t.Helper()
	if backend == nil {
		backend = &scriptedBackend{result: run.Result{Status: run.StatusPassed}}
	}

	st, err := storage.Open(storage.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bc := run.NewBroadcaster(16, logx.Nop())
	tracker := run.NewTracker(st, eventbus.New(), bc, logx.Nop())
	pool := run.NewPool(run.PoolConfig{MaxConcurrentRuns: 2, QueueSize: 8}, st, tracker, backend, logx.Nop())
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})

	coord := run.NewCoordinator(tracker, pool, time.Second, logx.Nop())
	registry, err := schedule.NewRegistry(schedule.Config{}, st, pool, tracker, logx.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	cov := coverage.NewService(st, logx.Nop())

	s := NewServer(Config{HeartbeatInterval: time.Hour}, pool, tracker, coord, registry, st, cov, logx.Nop())
	hs := httptest.NewServer(s.routes())
	t.Cleanup(hs.Close)

	return &testEnv{srv: hs, tracker: tracker, store: st}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func waitTerminal(t *testing.T, tr *run.Tracker, id string) run.Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := tr.Snapshot(id); ok && snap.Status.Terminal() {
			return snap.Status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never finished", id)
	return ""
}

func TestCreateAndGetRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &scriptedBackend{
		lines:  []string{"hello from test"},
		result: run.Result{Status: run.StatusPassed},
	})

	resp := postJSON(t, env.srv.URL+"/api/runs", createRunRequest{
		ExecType: run.TypeAPI,
		Script:   "check()",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	created := decode[map[string]string](t, resp)
	if created["id"] == "" || created["status"] != "queued" {
		t.Fatalf("created = %v", created)
	}

	waitTerminal(t, env.tracker, created["id"])

	getResp, err := http.Get(env.srv.URL + "/api/runs/" + created["id"])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got := decode[runResponse](t, getResp)
	if got.Status != string(run.StatusPassed) {
		t.Fatalf("status = %q, want passed", got.Status)
	}
	if len(got.Output) != 1 || got.Output[0] != "hello from test" {
		t.Fatalf("output = %v", got.Output)
	}
}

func TestCreateRunValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	cases := []struct {
		name string
		req  createRunRequest
	}{
		{"unknown type", createRunRequest{ExecType: "quantum", Script: "x"}},
		{"missing script", createRunRequest{ExecType: run.TypeAPI}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, env.srv.URL+"/api/runs", tc.req)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetUnknownRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/api/runs/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp := postJSON(t, env.srv.URL+"/api/runs/nope/cancel", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["success"] != false || body["message"] != "Run is not active." {
		t.Fatalf("body = %v", body)
	}
}

func TestRunEventStream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &scriptedBackend{
		lines:  []string{"one", "two"},
		result: run.Result{Status: run.StatusPassed},
	})

	resp := postJSON(t, env.srv.URL+"/api/runs", createRunRequest{ExecType: run.TypeAPI, Script: "x"})
	created := decode[map[string]string](t, resp)
	id := created["id"]

	esResp, err := http.Get(env.srv.URL + "/api/runs/" + id + "/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer esResp.Body.Close()
	if ct := esResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	// The handler ends the response after the complete event, so the
	// whole stream can be read to EOF.
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := esResp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	body := sb.String()

	oneIdx := strings.Index(body, `"line":"one"`)
	twoIdx := strings.Index(body, `"line":"two"`)
	doneIdx := strings.Index(body, "event: complete")
	if oneIdx < 0 || twoIdx < 0 || doneIdx < 0 {
		t.Fatalf("stream missing events:\n%s", body)
	}
	if !(oneIdx < twoIdx && twoIdx < doneIdx) {
		t.Fatalf("stream out of order:\n%s", body)
	}
	if !strings.Contains(body, `"status":"passed"`) {
		t.Fatalf("complete payload missing status:\n%s", body)
	}
	if strings.Count(body, "event: complete") != 1 {
		t.Fatalf("complete events != 1:\n%s", body)
	}
}

func TestEventStreamUnknownRun(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/api/runs/nope/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSchedulePutAndDelete(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodPut, env.srv.URL+"/api/schedules/s1",
		strings.NewReader(`{"ownerKind":"job","ownerId":"job-1","cronExpr":"0 * * * *","enabled":true,"execType":"api","scriptRef":"script-1"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	def, err := env.store.GetSchedule(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if def.CronExpr != "0 * * * *" || !def.Enabled {
		t.Fatalf("def = %+v", def)
	}

	del, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/api/schedules/s1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	delResp, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", delResp.StatusCode)
	}
	if _, err := env.store.GetSchedule(context.Background(), "s1"); err != storage.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSchedulePutInvalidCron(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodPut, env.srv.URL+"/api/schedules/s1",
		strings.NewReader(`{"cronExpr":"banana","enabled":true,"execType":"api","scriptRef":"x"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if _, err := env.store.GetSchedule(context.Background(), "s1"); err != storage.ErrNotFound {
		t.Fatal("invalid schedule was persisted")
	}
}

func TestCoverageEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/api/requirements/REQ-1/coverage")
	if err != nil {
		t.Fatalf("get coverage: %v", err)
	}
	cov := decode[coverageResponse](t, resp)
	if cov.Status != "missing" || cov.LinkedTestCount != 0 {
		t.Fatalf("coverage = %+v", cov)
	}

	now := time.Now()
	err = env.store.InsertRun(context.Background(), storage.RunRecord{
		ID: "r1", TestID: "TEST-1", ExecType: run.TypeAPI,
		Status: "passed", CreatedAt: now, CompletedAt: now,
	})
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}

	linkResp := postJSON(t, env.srv.URL+"/api/requirements/REQ-1/links/TEST-1", struct{}{})
	cov = decode[coverageResponse](t, linkResp)
	if cov.Status != "covered" || cov.PassedTestCount != 1 {
		t.Fatalf("coverage after link = %+v", cov)
	}

	del, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/api/requirements/REQ-1/links/TEST-1", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	delResp, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	cov = decode[coverageResponse](t, delResp)
	if cov.Status != "missing" {
		t.Fatalf("coverage after unlink = %+v", cov)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRunCreationRateLimit(t *testing.T) {
	t.Parallel()
	env := newTestEnvWithRate(t, 1, 1)

	var limited bool
	for i := 0; i < 5; i++ {
		resp := postJSON(t, env.srv.URL+"/api/runs", createRunRequest{ExecType: run.TypeAPI, Script: fmt.Sprintf("s%d", i)})
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("rate limit never engaged")
	}
}

func newTestEnvWithRate(t *testing.T, perSec, burst int) *testEnv {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bc := run.NewBroadcaster(16, logx.Nop())
	tracker := run.NewTracker(st, eventbus.New(), bc, logx.Nop())
	backend := &scriptedBackend{result: run.Result{Status: run.StatusPassed}}
	pool := run.NewPool(run.PoolConfig{MaxConcurrentRuns: 2, QueueSize: 8}, st, tracker, backend, logx.Nop())
	pool.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})
	coord := run.NewCoordinator(tracker, pool, time.Second, logx.Nop())
	registry, err := schedule.NewRegistry(schedule.Config{}, st, pool, tracker, logx.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	cov := coverage.NewService(st, logx.Nop())

	s := NewServer(Config{RatePerSec: perSec, RateBurst: burst, HeartbeatInterval: time.Hour},
		pool, tracker, coord, registry, st, cov, logx.Nop())
	hs := httptest.NewServer(s.routes())
	t.Cleanup(hs.Close)
	return &testEnv{srv: hs, tracker: tracker, store: st}
}
