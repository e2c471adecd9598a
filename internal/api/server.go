// Package api exposes the camera's local HTTP surface: health, status,
// the clip journal, button injection, the live status socket and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mikeyg42/securitycam/internal/input"
	"github.com/mikeyg42/securitycam/internal/recorder"
	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
	"github.com/mikeyg42/securitycam/internal/recorder/storage"
	"github.com/mikeyg42/securitycam/internal/status"
)

const (
	defaultClipLimit = 50
	maxClipLimit     = 500
)

type RecorderStatus interface {
	Status() recorder.Status
	GetMetrics() map[string]uint64
}

type StatusHub interface {
	Snapshot() status.Snapshot
	http.Handler
}

type QueueInfo interface {
	Len() int
	Cap() int
	Dropped() uint64
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type ClipJournal interface {
	Recent(ctx context.Context, limit int) ([]storage.ClipRecord, error)
	Pending(ctx context.Context) ([]storage.ClipRecord, error)
	Get(ctx context.Context, clipID string) (*storage.ClipRecord, error)
	HealthChecker
}

type ButtonSubmitter interface {
	Submit(ev input.Event) bool
}

// Deps are the collaborators behind the routes. Recorder, Hub and Queue are
// required; a nil Journal, Buttons, Requeue or Metrics disables its routes.
// Store, when set, is part of the health check.
type Deps struct {
	Recorder RecorderStatus
	Hub      StatusHub
	Queue    QueueInfo
	Journal  ClipJournal
	Store    HealthChecker
	Buttons  ButtonSubmitter
	Requeue  func() (int, error)
	Metrics  http.Handler
	Logger   recorderlog.Logger
}

type Options struct {
	Addr         string
	RateLimit    float64
	RateBurst    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	limiter    *RateLimiter
	deps       Deps
	logger     recorderlog.Logger
}

type StatusResponse struct {
	Recorder      recorder.Status   `json:"recorder"`
	Screen        status.Snapshot   `json:"screen"`
	QueueLength   int               `json:"queue_length"`
	QueueCapacity int               `json:"queue_capacity"`
	QueueDropped  uint64            `json:"queue_dropped"`
	Counters      map[string]uint64 `json:"counters"`
}

type RequeueResponse struct {
	Queued int `json:"queued"`
}

type ButtonRequest struct {
	Button string `json:"button"`
	Press  string `json:"press"`
}

// NewServer creates a new API server
func NewServer(opts Options, deps Deps) (*Server, error) {
	if deps.Recorder == nil || deps.Hub == nil || deps.Queue == nil {
		return nil, errors.New("api: recorder, hub and queue are required")
	}
	if deps.Logger == nil {
		deps.Logger = recorderlog.L()
	}
	s := &Server{
		limiter: NewRateLimiter(opts.RateLimit, opts.RateBurst),
		deps:    deps,
		logger:  deps.Logger.Named("api"),
	}

	s.httpServer = &http.Server{
		Addr:           opts.Addr,
		Handler:        s.routes(),
		ReadTimeout:    opts.ReadTimeout,
		WriteTimeout:   opts.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	if s.deps.Journal != nil {
		r.Get("/api/clips", s.handleClips)
		r.Get("/api/clips/{id}", s.handleClip)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		if s.deps.Requeue != nil {
			r.Post("/api/uploads/requeue", s.handleRequeue)
		}
		if s.deps.Buttons != nil {
			r.Post("/api/buttons", s.handleButton)
		}
	})

	// the websocket outlives WriteTimeout; the hub manages its own deadlines
	r.Get("/ws/status", s.deps.Hub.ServeHTTP)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			recorderlog.String("method", r.Method),
			recorderlog.String("path", r.URL.Path),
			recorderlog.Int("status", ww.Status()),
			recorderlog.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]string{"status": "ok"}
	code := http.StatusOK
	check := func(name string, c HealthChecker) {
		if err := c.HealthCheck(ctx); err != nil {
			body["status"] = "degraded"
			body[name] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if s.deps.Journal != nil {
		check("journal", s.deps.Journal)
	}
	if s.deps.Store != nil {
		check("store", s.deps.Store)
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Recorder:      s.deps.Recorder.Status(),
		Screen:        s.deps.Hub.Snapshot(),
		QueueLength:   s.deps.Queue.Len(),
		QueueCapacity: s.deps.Queue.Cap(),
		QueueDropped:  s.deps.Queue.Dropped(),
		Counters:      s.deps.Recorder.GetMetrics(),
	})
}

// handleClips lists the newest clips, or with ?status=pending every clip
// not yet delivered, oldest first.
func (s *Server) handleClips(w http.ResponseWriter, r *http.Request) {
	var (
		clips []storage.ClipRecord
		err   error
	)
	switch r.URL.Query().Get("status") {
	case "":
		limit, ok := clipLimit(w, r)
		if !ok {
			return
		}
		clips, err = s.deps.Journal.Recent(r.Context(), limit)
	case "pending":
		clips, err = s.deps.Journal.Pending(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "status must be pending")
		return
	}
	if err != nil {
		s.logger.Error("Failed to list clips", recorderlog.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list clips")
		return
	}
	if clips == nil {
		clips = []storage.ClipRecord{}
	}
	writeJSON(w, http.StatusOK, clips)
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Journal.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrClipNotFound) {
		writeError(w, http.StatusNotFound, "clip not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to get clip", recorderlog.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get clip")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func clipLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := defaultClipLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, false
		}
		limit = min(n, maxClipLimit)
	}
	return limit, true
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Requeue()
	if err != nil {
		s.logger.Warn("Requeue failed", recorderlog.Int("queued", n), recorderlog.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, RequeueResponse{Queued: n})
}

func (s *Server) handleButton(w http.ResponseWriter, r *http.Request) {
	var req ButtonRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ev, err := input.ParseEvent(req.Button, req.Press)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.deps.Buttons.Submit(ev) {
		writeError(w, http.StatusServiceUnavailable, "button queue full")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Serve runs the server on l until Shutdown; it returns nil after a clean
// shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Starting API server", recorderlog.String("addr", l.Addr().String()))
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.limiter.Close()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
