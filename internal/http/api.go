package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"livecast/internal/model"
	"livecast/internal/sender"
	"livecast/internal/wa"
)

// Sessions is the tenant session manager as seen by the API.
type Sessions interface {
	Connect(ctx context.Context, tenantID string) (model.Session, error)
	GetStatus(tenantID string) (model.Session, error)
	GetQR(tenantID string) (string, bool)
	List() map[string]model.Session
	Disconnect(ctx context.Context, tenantID string) error
	Restart(ctx context.Context, tenantID string) (model.Session, error)
	SendText(ctx context.Context, tenantID, to, text string) (string, error)
}

// Jobs is the job store as seen by the API.
type Jobs interface {
	CreateJob(ctx context.Context, tenantID string, def model.JobDefinition) (*model.BroadcastJob, error)
	GetJob(ctx context.Context, id string) (*model.BroadcastJob, error)
	ListJobs(ctx context.Context, tenantID string) ([]*model.BroadcastJob, error)
	UpdateJobStatus(ctx context.Context, id string, to model.JobStatus, lastError string, from ...model.JobStatus) (bool, error)
}

// Logs is the send log as seen by the API.
type Logs interface {
	LogSend(ctx context.Context, l model.SendLog) error
	LogsAfter(ctx context.Context, afterID int64, limit int) ([]model.SendLog, error)
	LastLogID(ctx context.Context) (int64, error)
	StatsToday(ctx context.Context) (total, success, failed int64, err error)
}

// Runner starts broadcast jobs.
type Runner interface {
	Start(jobID, tenantID string) bool
	RunWait(ctx context.Context, jobID, tenantID string) (model.BroadcastJob, error)
	InFlight(jobID string) bool
}

// Transports resolves a tenant's outbound transport; used to reject
// misconfigured jobs before starting them in the background.
type Transports interface {
	Resolve(ctx context.Context, tenantID string) (sender.Transport, error)
}

type Deps struct {
	Sessions   Sessions
	Jobs       Jobs
	Logs       Logs
	Runner     Runner
	Transports Transports
	AdhocDelay time.Duration // between sends of POST /broadcast
	LogPoll    time.Duration // /logs/stream polling interval
	Log        *zap.Logger
}

type API struct {
	Deps
	Router *chi.Mux
}

func NewRouter(d Deps) *chi.Mux {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.LogPoll <= 0 {
		d.LogPoll = 2 * time.Second
	}
	api := &API{Deps: d, Router: chi.NewRouter()}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	api.routes()
	return r
}

func (a *API) routes() {
	a.Router.Get("/health", a.handleHealth)
	a.Router.Get("/stats", a.handleStats)

	// Sessions
	a.Router.Get("/status", a.handleStatusAll)
	a.Router.Get("/status/{tenantID}", a.handleStatus)
	a.Router.Post("/connect/{tenantID}", a.handleConnect)
	a.Router.Post("/disconnect/{tenantID}", a.handleDisconnect)
	a.Router.Post("/restart/{tenantID}", a.handleRestart)
	a.Router.Get("/qr/{tenantID}", a.handleQR)

	// Ad-hoc sends
	a.Router.Post("/send", a.handleSend)
	a.Router.Post("/broadcast", a.handleBroadcast)

	// Broadcast jobs
	a.Router.Post("/broadcast-jobs", a.handleCreateJob)
	a.Router.Get("/broadcast-jobs", a.handleListJobs)
	a.Router.Post("/broadcast-jobs/run", a.handleRunJob)
	a.Router.Get("/broadcast-jobs/{id}", a.handleGetJob)
	a.Router.Post("/broadcast-jobs/{id}/pause", a.handlePauseJob)
	a.Router.Post("/broadcast-jobs/{id}/cancel", a.handleCancelJob)

	// Log streaming (SSE)
	a.Router.Get("/logs/stream", a.handleLogsStream)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("latency", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Format(time.RFC3339),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	total, success, failed, err := a.Logs.StatsToday(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	online := 0
	sessions := a.Sessions.List()
	for _, s := range sessions {
		if s.Status == model.StatusOnline {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":          total,
		"success":        success,
		"failed":         failed,
		"tenants":        len(sessions),
		"tenants_online": online,
	})
}

// handleLogsStream tails the send log as server-sent events, starting after
// the newest entry at connect time.
func (a *API) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	lastID, err := a.Logs.LastLogID(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(a.LogPoll)
	defer ticker.Stop()

	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			entries, err := a.Logs.LogsAfter(r.Context(), lastID, 100)
			if err != nil {
				// keep trying
				continue
			}
			for _, e := range entries {
				lastID = e.ID
				b, err := json.Marshal(e)
				if err != nil {
					continue
				}
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(b)
				_, _ = w.Write([]byte("\n\n"))
			}
			if len(entries) > 0 {
				flusher.Flush()
			}
		}
	}
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		zap.L().Warn("writeJSON", zap.Error(err))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

// sessionCode maps a session manager error to an HTTP status.
func sessionCode(err error) int {
	switch {
	case errors.Is(err, wa.ErrInvalidRecipient):
		return http.StatusBadRequest
	case errors.Is(err, wa.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, wa.ErrNotConnected):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
