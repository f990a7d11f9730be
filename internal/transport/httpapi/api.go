package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	rtsup "taskmgr/internal/runtime/supervisor"
	"taskmgr/internal/storage"
	"taskmgr/internal/task"
	"taskmgr/internal/task/engine"
	"taskmgr/internal/task/scheduler"
	logx "taskmgr/pkg/logx"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	greeting            = "Hello from the task manager"
)

// Engine is the part of the task engine the API uses.
type Engine interface {
	Submit(spec task.Spec) error
	Running() []task.Item
	Pending() []task.Item
	Snapshot() engine.Snapshot
	Err() error
}

// History reads finished runs. May be nil.
type History interface {
	RecentRuns(ctx context.Context, limit int) ([]storage.RunRecord, error)
}

// API holds the handlers. It is independent of the listener so tests can
// drive it with httptest.
type API struct {
	log       logx.Logger
	engine    Engine
	history   History
	schedules func() []scheduler.ScheduleInfo
	runtime   func() map[string]rtsup.Snapshot
}

type Option func(*API)

func WithHistory(h History) Option { return func(a *API) { a.history = h } }

func WithSchedules(fn func() []scheduler.ScheduleInfo) Option {
	return func(a *API) { a.schedules = fn }
}

// WithRuntime adds supervisor snapshots, keyed by component, to /status.
func WithRuntime(fn func() map[string]rtsup.Snapshot) Option {
	return func(a *API) { a.runtime = fn }
}

func New(eng Engine, log logx.Logger, opts ...Option) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &API{log: log, engine: eng}
	for _, o := range opts {
		o(a)
	}
	return a
}

// submitRequest is task.Spec on the wire. "user" is accepted as an alias of "owner".
type submitRequest struct {
	task.Spec
	User string `json:"user"`
}

// Handler builds the route table. A non-empty token guards every route.
func (a *API) Handler(token string, withPprof bool) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("GET /{$}", wrap(a.greet))
	mux.HandleFunc("POST /tasks", wrap(a.submit))
	mux.HandleFunc("POST /tasks/{$}", wrap(a.submit))
	mux.HandleFunc("GET /tasks/running", wrap(a.running))
	mux.HandleFunc("GET /tasks/pending", wrap(a.pending))
	mux.HandleFunc("GET /tasks/history", wrap(a.historyRuns))
	mux.HandleFunc("GET /healthz", wrap(a.healthz))
	mux.HandleFunc("GET /status", wrap(a.status))

	if withPprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (a *API) greet(w http.ResponseWriter, r *http.Request) {
	a.log.Info("greeting requested", logx.String("remote", r.RemoteAddr))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, greeting)
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	spec := req.Spec
	if strings.TrimSpace(spec.Owner) == "" {
		spec.Owner = req.User
	}

	err := a.engine.Submit(spec)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	case errors.Is(err, task.ErrInvalidPriority), errors.Is(err, task.ErrInvalidItem):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotStarted), errors.Is(err, engine.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.log.Error("submit failed", logx.String("task", spec.Name), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *API) running(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, task.Specs(a.engine.Running()))
}

func (a *API) pending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, task.Specs(a.engine.Pending()))
}

func (a *API) historyRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	if a.history == nil {
		writeJSON(w, http.StatusOK, []storage.RunRecord{})
		return
	}
	runs, err := a.history.RecentRuns(r.Context(), limit)
	if err != nil {
		a.log.Warn("history read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := a.engine.Err(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, err.Error())
		return
	}
	_, _ = io.WriteString(w, "ok")
}

type statusResponse struct {
	Engine    engine.Snapshot          `json:"engine"`
	Schedules []scheduler.ScheduleInfo `json:"schedules"`
	Runtime   map[string]rtsup.Snapshot `json:"runtime,omitempty"`
}

func (a *API) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Engine: a.engine.Snapshot(), Schedules: []scheduler.ScheduleInfo{}}
	if a.schedules != nil {
		resp.Schedules = a.schedules()
	}
	if a.runtime != nil {
		resp.Runtime = a.runtime()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// withAuth requires "Authorization: Bearer <token>" or "?token=<token>" when token is set.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
