package fulfillment

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/hearthcloud/bridge/internal/console"
)

type contextKey int

const userKey contextKey = iota

// TLSConfig enables automatic certificates for a public deployment.
type TLSConfig struct {
	Enabled  bool
	Domain   string
	CacheDir string
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Logger  *slog.Logger
	Handler *Handler
	Auth    AccessTokenResolver

	// Console serves the operator event-stream routes; nil disables them.
	Console *console.Console

	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          TLSConfig
}

// Validate checks and defaults the configuration.
func (c *ServerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Handler == nil {
		return errors.New("handler is required")
	}
	if c.Auth == nil {
		return errors.New("auth resolver is required")
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// Streaming routes hold their response open; the write timeout
		// only guards the JSON endpoints, which use their own deadline.
		c.WriteTimeout = 0
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls domain is required when tls is enabled")
	}
	return nil
}

// Server is the fulfillment HTTP server.
type Server struct {
	log  *slog.Logger
	cfg  ServerConfig
	http *http.Server
}

// NewServer creates the server and its route table.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fulfillment server config: %w", err)
	}

	s := &Server{log: cfg.Logger, cfg: cfg}
	s.http = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Handle("/fulfillment", s.requireBearer(http.HandlerFunc(s.handleFulfillment))).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if s.cfg.Console != nil {
		r.HandleFunc("/v1/events/stream", s.cfg.Console.ServeSSE).Methods(http.MethodGet)
		r.HandleFunc("/v1/events/ws", s.cfg.Console.ServeWS).Methods(http.MethodGet)
	}
	return r
}

// Router exposes the route table for in-process tests.
func (s *Server) Router() http.Handler { return s.http.Handler }

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
			Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
		}
		s.http.TLSConfig = &tls.Config{GetCertificate: manager.GetCertificate}

		s.log.Info("fulfillment server up", "addr", s.cfg.Listen, "tls", s.cfg.TLS.Domain)
		go func() {
			if err := s.http.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("fulfillment server failed", "error", err)
			}
		}()
		return nil
	}

	s.log.Info("fulfillment server up", "addr", s.cfg.Listen)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("fulfillment server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requireBearer resolves the Authorization header to a user and stores it on
// the request context.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}

		userID, err := s.cfg.Auth.ResolveAccessToken(r.Context(), token)
		if err != nil {
			s.log.Debug("bearer token rejected", "remote", r.RemoteAddr, "error", err)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid bearer token"})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) handleFulfillment(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userKey).(string)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}

	resp := s.cfg.Handler.Dispatch(r.Context(), userID, req)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// logRequests is the access-log middleware.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}
