package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtsup "taskmgr/internal/runtime/supervisor"
	"taskmgr/internal/storage"
	"taskmgr/internal/task"
	"taskmgr/internal/task/engine"
	"taskmgr/internal/task/scheduler"
	logx "taskmgr/pkg/logx"
)

type fakeEngine struct {
	mu        sync.Mutex
	submitted []task.Spec
	submitErr error
	running   []task.Item
	pending   []task.Item
	fatal     error
}

func (f *fakeEngine) Submit(spec task.Spec) error {
	if _, err := spec.Item(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, spec)
	return nil
}

func (f *fakeEngine) Running() []task.Item { return f.running }
func (f *fakeEngine) Pending() []task.Item { return f.pending }
func (f *fakeEngine) Err() error           { return f.fatal }
func (f *fakeEngine) Snapshot() engine.Snapshot {
	return engine.Snapshot{Running: f.fatal == nil, Workers: 4, Pending: len(f.pending)}
}

type fakeHistory struct {
	runs      []storage.RunRecord
	lastLimit int
	err       error
}

func (h *fakeHistory) RecentRuns(_ context.Context, limit int) ([]storage.RunRecord, error) {
	h.lastLimit = limit
	return h.runs, h.err
}

func do(t *testing.T, h http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGreet(t *testing.T) {
	t.Parallel()
	h := New(&fakeEngine{}, logx.Nop()).Handler("", false)
	rec := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, greeting, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/nope", "").Code)
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		path     string
		body     string
		err      error
		wantCode int
		wantBody string
	}{
		{
			name:     "accepted",
			path:     "/tasks/",
			body:     `{"owner":"aviv","name":"First Task","description":"d","priority":"Medium"}`,
			wantCode: http.StatusOK,
			wantBody: `"status":"accepted"`,
		},
		{
			name:     "without trailing slash",
			path:     "/tasks",
			body:     `{"owner":"aviv","name":"t","priority":"High"}`,
			wantCode: http.StatusOK,
		},
		{
			name:     "invalid priority",
			path:     "/tasks/",
			body:     `{"name":"t","priority":"Urgent"}`,
			wantCode: http.StatusBadRequest,
			wantBody: "options are: [VeryLow, Low, Medium, High, VeryHigh]",
		},
		{
			name:     "missing name",
			path:     "/tasks/",
			body:     `{"priority":"Low"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "bad json",
			path:     "/tasks/",
			body:     `{"name":`,
			wantCode: http.StatusBadRequest,
			wantBody: "invalid JSON body",
		},
		{
			name:     "engine not started",
			path:     "/tasks/",
			body:     `{"name":"t","priority":"Low"}`,
			err:      engine.ErrNotStarted,
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:     "engine failed",
			path:     "/tasks/",
			body:     `{"name":"t","priority":"Low"}`,
			err:      fmt.Errorf("%w: %w", engine.ErrStopped, engine.ErrInternalDispatch),
			wantCode: http.StatusServiceUnavailable,
		},
		{
			name:     "unexpected error",
			path:     "/tasks/",
			body:     `{"name":"t","priority":"Low"}`,
			err:      errors.New("disk on fire"),
			wantCode: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{submitErr: tt.err}
			rec := do(t, New(eng, logx.Nop()).Handler("", false), http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestSubmitAcceptsUserAlias(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	rec := do(t, New(eng, logx.Nop()).Handler("", false), http.MethodPost, "/tasks/",
		`{"user":"rotem","name":"Second Task","description":"x","priority":"High"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, eng.submitted, 1)
	assert.Equal(t, task.Spec{Owner: "rotem", Name: "Second Task", Description: "x", Priority: "High"}, eng.submitted[0])
}

func TestRunningAndPending(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{
		running: []task.Item{{Owner: "a", Name: "r1", Priority: task.VeryHigh}},
	}
	h := New(eng, logx.Nop()).Handler("", false)

	rec := do(t, h, http.MethodGet, "/tasks/running", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []task.Spec
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []task.Spec{{Owner: "a", Name: "r1", Priority: "VeryHigh"}}, got)

	rec = do(t, h, http.MethodGet, "/tasks/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHistory(t *testing.T) {
	t.Parallel()
	h := New(&fakeEngine{}, logx.Nop()).Handler("", false)
	rec := do(t, h, http.MethodGet, "/tasks/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	hist := &fakeHistory{runs: []storage.RunRecord{{Name: "done", Status: storage.StatusCompleted}}}
	h = New(&fakeEngine{}, logx.Nop(), WithHistory(hist)).Handler("", false)

	rec = do(t, h, http.MethodGet, "/tasks/history?limit=5000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxHistoryLimit, hist.lastLimit)
	assert.Contains(t, rec.Body.String(), `"name":"done"`)

	do(t, h, http.MethodGet, "/tasks/history", "")
	assert.Equal(t, defaultHistoryLimit, hist.lastLimit)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/tasks/history?limit=-1", "").Code)

	hist.err = errors.New("db locked")
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/tasks/history", "").Code)
}

func TestHealthzAndStatus(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	sched := func() []scheduler.ScheduleInfo { return []scheduler.ScheduleInfo{{Name: "nightly", Priority: "Low"}} }
	sup := rtsup.New(context.Background())
	sup.Go("dispatcher", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })
	runtime := func() map[string]rtsup.Snapshot { return map[string]rtsup.Snapshot{"engine": sup.Snapshot()} }
	h := New(eng, logx.Nop(), WithSchedules(sched), WithRuntime(runtime)).Handler("", false)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		Engine    engine.Snapshot          `json:"engine"`
		Schedules []scheduler.ScheduleInfo `json:"schedules"`
		Runtime   map[string]rtsup.Snapshot `json:"runtime"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Contains(t, st.Runtime, "engine")
	assert.Equal(t, uint64(1), st.Runtime["engine"].Started)
	assert.True(t, st.Engine.Running)
	assert.Equal(t, 4, st.Engine.Workers)
	require.Len(t, st.Schedules, 1)
	assert.Equal(t, "nightly", st.Schedules[0].Name)

	eng.fatal = fmt.Errorf("%w: lost completion", engine.ErrInternalDispatch)
	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal dispatch failure")
}

func TestAuth(t *testing.T) {
	t.Parallel()
	h := New(&fakeEngine{}, logx.Nop()).Handler("s3cret", false)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/healthz", "", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/healthz?token=nope", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz?token=s3cret", "").Code)
}

func TestPprofRoutesAreOptional(t *testing.T) {
	t.Parallel()
	off := New(&fakeEngine{}, logx.Nop()).Handler("", false)
	assert.Equal(t, http.StatusNotFound, do(t, off, http.MethodGet, "/debug/pprof/", "").Code)

	on := New(&fakeEngine{}, logx.Nop()).Handler("", true)
	assert.Equal(t, http.StatusOK, do(t, on, http.MethodGet, "/debug/pprof/", "").Code)
}

func TestWithRealEngine(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	exec := engine.ExecutorFunc(func(ctx context.Context, it task.Item) error {
		<-release
		return nil
	})
	eng := engine.New(engine.Config{Workers: 1, PollInterval: 10 * time.Millisecond, RequeuePause: 5 * time.Millisecond}, exec, logx.Nop(), nil)
	h := New(eng, logx.Nop()).Handler("", false)

	rec := do(t, h, http.MethodPost, "/tasks/", `{"name":"early","priority":"Low"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, eng.Start(context.Background()))
	defer func() {
		close(release)
		_ = eng.Stop(context.Background())
	}()

	for _, body := range []string{
		`{"owner":"a","name":"first","priority":"Medium"}`,
		`{"owner":"a","name":"second","priority":"Low"}`,
	} {
		require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/tasks/", body).Code)
	}

	require.Eventually(t, func() bool {
		var running []task.Spec
		rec := do(t, h, http.MethodGet, "/tasks/running", "")
		return json.Unmarshal(rec.Body.Bytes(), &running) == nil && len(running) == 1 && running[0].Name == "first"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	srv := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0", ReadTimeout: time.Second}, New(&fakeEngine{}, logx.Nop()), logx.Nop())
	srv.Start(context.Background())

	select {
	case <-srv.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start")
	}
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv.Stop(ctx)
	assert.Nil(t, srv.Supervisor())
	assert.Empty(t, srv.Addr())

	// Disabled config keeps it stopped.
	srv.Reconfigure(ctx, Config{Enabled: false})
	assert.Nil(t, srv.Supervisor())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:8000"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":8000"))
	assert.False(t, isLoopbackAddr("0.0.0.0:8000"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
