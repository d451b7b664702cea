// Package api serves the queue administration HTTP interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/elemta-queue/internal/envelope"
	"github.com/busybox42/elemta-queue/internal/queue"
	"github.com/busybox42/elemta-queue/internal/scheduler"
	"github.com/busybox42/elemta-queue/internal/store"
)

// maxSubmitSize bounds the body of an enqueue request.
const maxSubmitSize = 32 << 20

// Queue is the part of the queue manager exposed over HTTP.
type Queue interface {
	Stats() queue.Stats
	States(ctx context.Context, f store.Filter) ([]scheduler.State, error)
	Envelope(ctx context.Context, id string) (*envelope.Envelope, []scheduler.State, error)
	Flush(ctx context.Context, domain string) (int, error)
	Submit(ctx context.Context, sender string, rcpts []string, content io.Reader) (string, error)
}

var _ Queue = (*queue.Manager)(nil)

// Config holds API server configuration
type Config struct {
	ListenAddr      string
	CORS            CORSConfig
	RateLimit       RateLimitConfig
	ShutdownTimeout time.Duration
}

// Server represents the API server
type Server struct {
	config      Config
	queue       Queue
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
	cors        *CORSMiddleware
	rateLimiter *RateLimitMiddleware
	started     time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a new API server. A nil gatherer disables /metrics.
func NewServer(config Config, q Queue, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8025"
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:      config,
		queue:       q,
		gatherer:    gatherer,
		logger:      logger.With("component", "api"),
		cors:        NewCORSMiddleware(config.CORS),
		rateLimiter: NewRateLimitMiddleware(config.RateLimit),
		started:     time.Now(),
	}
}

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(s.cors.Handler)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(s.rateLimiter.Limit)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/queue/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/queue/states", s.handleStates).Methods("GET")
	api.HandleFunc("/queue/envelope/{id}", s.handleEnvelope).Methods("GET")
	api.HandleFunc("/queue/flush", s.handleFlush).Methods("POST")
	api.HandleFunc("/queue/enqueue", s.handleEnqueue).Methods("POST")
	api.HandleFunc("/logging/level", s.handleGetLogLevel).Methods("GET")
	api.HandleFunc("/logging/level", s.handleSetLogLevel).Methods("PUT", "POST")

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	return r
}

// Start starts the API server
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("API server already started")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("API server listening", "addr", ln.Addr().String())
	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the API server
func (s *Server) Stop() error {
	s.rateLimiter.Stop()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Domain:     strings.ToLower(q.Get("domain")),
		EnvelopeID: q.Get("envelope"),
		Limit:      100,
	}
	if v := q.Get("status"); v != "" {
		status, err := scheduler.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = status
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	states, err := s.queue.States(r.Context(), f)
	if err != nil {
		s.logger.Error("Failed to list states", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list states")
		return
	}
	if states == nil {
		states = []scheduler.State{}
	}
	writeJSON(w, http.StatusOK, states)
}

type envelopeResponse struct {
	Envelope *envelope.Envelope `json:"envelope"`
	States   []scheduler.State  `json:"states"`
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	env, states, err := s.queue.Envelope(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("envelope %s not found", id))
		return
	case err != nil:
		s.logger.Error("Failed to load envelope", "envelope_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load envelope")
		return
	}
	writeJSON(w, http.StatusOK, envelopeResponse{Envelope: env, States: states})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	domain := strings.ToLower(r.URL.Query().Get("domain"))
	n, err := s.queue.Flush(r.Context(), domain)
	if err != nil {
		s.logger.Error("Queue flush incomplete", "domain", domain, "flushed", n, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"flushed": n,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flushed": n})
}

type enqueueRequest struct {
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"`
	Content    string   `json:"content"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitSize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	id, err := s.queue.Submit(r.Context(), req.Sender, req.Recipients, strings.NewReader(req.Content))
	var perr *store.PersistenceError
	switch {
	case errors.Is(err, envelope.ErrInvalidEnvelope):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.As(err, &perr):
		s.logger.Error("Failed to enqueue message", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue storage unavailable")
		return
	case err != nil:
		s.logger.Error("Failed to enqueue message", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue message")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// HealthStats is the body of the health endpoint.
type HealthStats struct {
	Status     string      `json:"status"`
	Uptime     string      `json:"uptime"`
	GoVersion  string      `json:"go_version"`
	Goroutines int         `json:"goroutines"`
	MemoryMB   float64     `json:"memory_mb"`
	Queue      queue.Stats `json:"queue"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, HealthStats{
		Status:     "ok",
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		MemoryMB:   float64(mem.Alloc) / 1024 / 1024,
		Queue:      s.queue.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error encoding JSON: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
