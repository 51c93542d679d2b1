package ops

import (
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pewsched/internal/eventbus"
	"pewsched/internal/task/outcome"
	"pewsched/internal/task/scheduler"
	logx "pewsched/pkg/logx"
)

const (
	defaultPreview = 5
	maxPreview     = 100
	defaultRuns    = 50
	maxRuns        = 1000
)

// Handler builds the router for the current configuration.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)
	r.Use(withAuth(cur.Token))

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleSnapshot)
		r.Get("/{taskID}", s.handleTask)
		r.Get("/{taskID}/runs", s.handleRuns)
	})
	r.Get("/runs", s.handleRuns)

	r.Get("/maintenance", s.handleGetMaintenance)
	r.Put("/maintenance", s.handleSetMaintenance)

	if cur.Pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", hpprof.Index)
			r.Get("/cmdline", hpprof.Cmdline)
			r.Get("/profile", hpprof.Profile)
			r.Get("/symbol", hpprof.Symbol)
			r.Post("/symbol", hpprof.Symbol)
			r.Get("/trace", hpprof.Trace)
			r.Get("/{profile}", hpprof.Index)
		})
	}
	return r
}

func (s *Service) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("ops request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

type healthResponse struct {
	Status     string          `json:"status"`
	State      scheduler.State `json:"state"`
	LastTickAt time.Time       `json:"last_tick_at,omitempty"`
	LoopErr    string          `json:"loop_error,omitempty"`
}

// handleHealth fails once the scheduler has stopped or its loop goroutine
// is not running.
func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Scheduler.Snapshot()
	resp := healthResponse{Status: "ok", State: snap.State, LastTickAt: snap.LastTickAt, LoopErr: snap.Loop.FirstError}
	code := http.StatusOK
	if snap.State == scheduler.StateStopped || snap.State == scheduler.StateNew || snap.Loop.Counters.Active == 0 {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Service) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Snapshot())
}

type taskResponse struct {
	scheduler.TaskInfo
	Upcoming []time.Time `json:"upcoming"`
}

func (s *Service) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	n := clampInt(r.URL.Query().Get("n"), defaultPreview, maxPreview)

	var info *scheduler.TaskInfo
	for _, t := range s.deps.Scheduler.Snapshot().Tasks {
		if t.ID == id {
			t := t
			info = &t
			break
		}
	}
	next, ok := s.deps.Scheduler.Preview(id, time.Now(), n)
	if info == nil || !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{TaskInfo: *info, Upcoming: next})
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	limit := clampInt(r.URL.Query().Get("limit"), defaultRuns, maxRuns)
	runs, err := s.deps.History.RecentRuns(r.Context(), chi.URLParam(r, "taskID"), limit)
	if err != nil {
		s.log.Warn("run history query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load runs")
		return
	}
	if runs == nil {
		runs = []outcome.Event{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type maintenanceBody struct {
	Enabled bool `json:"enabled"`
}

func (s *Service) handleGetMaintenance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, maintenanceBody{Enabled: s.deps.Scheduler.Snapshot().Maintenance})
}

func (s *Service) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	var body maintenanceBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": bool}")
		return
	}
	s.deps.Scheduler.SetMaintenance(body.Enabled)
	s.log.Info("maintenance toggled", logx.Bool("enabled", body.Enabled), logx.String("remote", r.RemoteAddr))
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeMaintenance, Time: time.Now(), Data: body})
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func clampInt(raw string, def, limit int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, limit)
}
