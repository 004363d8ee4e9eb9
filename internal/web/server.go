// Package web serves the keeper's HTTP control surface.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/scheduler"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

const (
	executionPollInterval = 3 * time.Second
	heartbeatInterval     = 20 * time.Second
	defaultPageSize       = 100
	maxPageSize           = 1000
)

type schedulerControl interface {
	Stats() domain.SchedulerState
	Trigger(ctx context.Context) ([]domain.ExecutionResult, error)
	SetAccounts(accounts []domain.AccountConfig)
	Accounts() []domain.AccountConfig
}

type executionReader interface {
	EventsAfter(index uint64, limit int) ([]domain.ExecutionRecord, error)
}

// ReloadFunc loads a fresh account set, typically by re-reading the config file.
type ReloadFunc func(ctx context.Context) ([]domain.AccountConfig, error)

// Server exposes health, status, trigger and reload endpoints plus the execution journal.
type Server struct {
	addr       string
	scheduler  schedulerControl
	executions executionReader
	reload     ReloadFunc
	summary    func() any
	metrics    http.Handler
	started    time.Time
	now        func() time.Time
	l          *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithExecutions enables the journal endpoints.
func WithExecutions(r executionReader) Option {
	return func(s *Server) { s.executions = r }
}

// WithReloader enables POST /reload.
func WithReloader(fn ReloadFunc) Option {
	return func(s *Server) { s.reload = fn }
}

// WithSummary sets the redacted configuration summary reported by /status.
func WithSummary(fn func() any) Option {
	return func(s *Server) { s.summary = fn }
}

// WithMetrics mounts a metrics handler on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.l = l }
}

// WithClock overrides the clock used for uptime and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a control surface for the scheduler.
func NewServer(addr string, sched schedulerControl, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		scheduler: sched,
		now:       time.Now,
		l:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	return s
}

// Handler returns the routed control surface.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.withRequestID)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/trigger", s.handleTrigger).Methods(http.MethodPost)
	r.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/executions", s.handleExecutions).Methods(http.MethodGet)
	r.HandleFunc("/executions/stream", s.handleExecutionStream).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("control surface listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic ACME certificates and
// an HTTP server on port 80 for HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("acme http server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("acme http server", zap.Error(err))
		}
	}()

	s.l.Info("control surface listening with autotls", zap.String("addr", s.addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		s.l.Debug("http request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status    string                `json:"status"`
	Uptime    float64               `json:"uptime"`
	Scheduler domain.SchedulerState `json:"scheduler"`
	Timestamp time.Time             `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Uptime:    now.Sub(s.started).Seconds(),
		Scheduler: s.scheduler.Stats(),
		Timestamp: now.UTC(),
	})
}

type statusResponse struct {
	Scheduler domain.SchedulerState `json:"scheduler"`
	Config    any                   `json:"config,omitempty"`
	Accounts  int                   `json:"accounts"`
	Timestamp time.Time             `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Scheduler: s.scheduler.Stats(),
		Accounts:  len(s.scheduler.Accounts()),
		Timestamp: s.now().UTC(),
	}
	if s.summary != nil {
		resp.Config = s.summary()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	// a client hanging up must not abort a cycle that may already have submitted
	results, err := s.scheduler.Trigger(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, scheduler.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		s.l.Error("manual cycle failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if results == nil {
		results = []domain.ExecutionResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

type reloadResponse struct {
	Reloaded bool `json:"reloaded"`
	Accounts int  `json:"accounts"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, errors.New("reload is not configured"))
		return
	}

	accounts, err := s.reload(r.Context())
	if err != nil {
		s.l.Warn("config reload rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.scheduler.SetAccounts(accounts)
	s.l.Info("accounts reloaded", zap.Int("accounts", len(accounts)))
	writeJSON(w, http.StatusOK, reloadResponse{Reloaded: true, Accounts: len(accounts)})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("execution journal not available"))
		return
	}

	q := r.URL.Query()
	after, err := parseUint(q.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "after"))
		return
	}
	limit := defaultPageSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = min(n, maxPageSize)
	}

	records, err := s.executions.EventsAfter(after, limit)
	if err != nil {
		s.l.Error("failed to read execution journal", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []domain.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("execution journal not available"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(executionPollInterval)
	defer pollTicker.Stop()

	lastIndex := parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))
	sendExecutions := func() error {
		records, err := s.executions.EventsAfter(lastIndex, 0)
		if err != nil {
			return err
		}
		for _, record := range records {
			payload, err := json.Marshal(record.Result)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: execution\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			lastIndex = record.Index
		}
		flusher.Flush()
		return nil
	}

	if err := sendExecutions(); err != nil {
		http.Error(w, "failed to load executions", http.StatusInternalServerError)
		s.l.Error("execution stream initial load", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendExecutions(); err != nil {
				s.l.Warn("execution stream poll", zap.Error(err))
			}
		}
	}
}

// parseLastEventID takes the SSE Last-Event-ID header, falling back to a query
// parameter so manual reconnects can resume from a known index.
func parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	id, err := parseUint(idStr)
	if err != nil {
		return 0
	}
	return id
}

func parseUint(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
