// Package server exposes a Locker over HTTP so processes without a Go client
// can take part in the same locks.
package server

import (
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
	"github.com/mirkobrombin/warplock/v1/lock"
	"github.com/mirkobrombin/warplock/v1/syncbus"
)

const (
	defaultTTL   = 30 * time.Second
	defaultRetry = 100 * time.Millisecond
)

// watcher is implemented by lockers that can hand a token to a watchdog.
type watcher interface {
	Watch(key, token string) bool
}

// Server serves lock operations and lock events.
type Server struct {
	locker lock.Locker
	bus    syncbus.Bus
	health func() bool
	logger *slog.Logger
	mux    *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithBus enables the /watch and /events streams.
func WithBus(bus syncbus.Bus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithHealth sets the probe behind /health.
func WithHealth(fn func() bool) Option {
	return func(s *Server) {
		if fn != nil {
			s.health = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Server for locker.
func New(locker lock.Locker, opts ...Option) *Server {
	s := &Server{
		locker: locker,
		health: func() bool { return true },
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("POST /locks/{key...}", s.handleAcquire)
	s.mux.HandleFunc("DELETE /locks/{key...}", s.handleRelease)
	s.mux.HandleFunc("PUT /locks/{key...}", s.handleExtend)
	s.mux.HandleFunc("GET /locks/{key...}", s.handleStatus)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /watch", s.handleWebSocket)
	s.mux.HandleFunc("GET /events", s.handleSSE)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// AcquireResponse is returned by POST /locks/{key}.
type AcquireResponse struct {
	Token   string `json:"token"`
	Watched bool   `json:"watched,omitempty"`
}

// StatusResponse is returned by GET /locks/{key}.
type StatusResponse struct {
	Key    string `json:"key"`
	Exists bool   `json:"exists"`
	TTLMs  int64  `json:"ttl_ms"`
	Owner  *bool  `json:"owner,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Circuit string `json:"circuit"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	q := r.URL.Query()
	ttl, err := durationParam(q.Get("ttl"), defaultTTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wait, err := durationParam(q.Get("wait"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	retry, err := durationParam(q.Get("retry"), defaultRetry)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var token string
	if wait > 0 {
		token, err = s.locker.AcquireWithTimeout(r.Context(), key, ttl, wait, retry)
	} else {
		token, err = s.locker.Acquire(r.Context(), key, ttl)
	}
	if err != nil {
		s.fail(w, "acquire", key, err)
		return
	}

	resp := AcquireResponse{Token: token}
	if watch, _ := strconv.ParseBool(q.Get("watch")); watch {
		if wl, ok := s.locker.(watcher); ok {
			resp.Watched = wl.Watch(key, token)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, stdErrors.New("missing token"))
		return
	}
	if err := s.locker.Release(r.Context(), key, token); err != nil {
		s.fail(w, "release", key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, stdErrors.New("missing token"))
		return
	}
	ttl, err := durationParam(q.Get("ttl"), defaultTTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.locker.Extend(r.Context(), key, token, ttl); err != nil {
		s.fail(w, "extend", key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	ctx := r.Context()
	exists, err := s.locker.Exists(ctx, key)
	if err != nil {
		s.fail(w, "exists", key, err)
		return
	}
	ttl, err := s.locker.TTL(ctx, key)
	if err != nil {
		s.fail(w, "ttl", key, err)
		return
	}
	resp := StatusResponse{Key: key, Exists: exists, TTLMs: ttlMillis(ttl)}
	if token := r.URL.Query().Get("token"); token != "" {
		owner, err := s.locker.IsOwner(ctx, key, token)
		if err != nil {
			s.fail(w, "is_owner", key, err)
			return
		}
		resp.Owner = &owner
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health() {
		writeJSON(w, http.StatusOK, HealthResponse{Circuit: "closed"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Circuit: "open"})
}

// ttlMillis keeps the -1/-2 sentinels as plain numbers on the wire.
func ttlMillis(d time.Duration) int64 {
	switch d {
	case lock.TTLNoExpiry:
		return -1
	case lock.TTLAbsent:
		return -2
	}
	return d.Milliseconds()
}

func (s *Server) fail(w http.ResponseWriter, op, key string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("warplock: request failed", "op", op, "key", key, "error", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case stdErrors.Is(err, warperrors.ErrInvalidTTL):
		return http.StatusBadRequest
	case stdErrors.Is(err, warperrors.ErrLockAcquireFailed),
		stdErrors.Is(err, warperrors.ErrLockNotOwned):
		return http.StatusConflict
	case stdErrors.Is(err, warperrors.ErrLockTimeout),
		stdErrors.Is(err, warperrors.ErrInterrupted):
		return http.StatusRequestTimeout
	case stdErrors.Is(err, warperrors.ErrCircuitOpen),
		warperrors.IsInfrastructure(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func durationParam(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
