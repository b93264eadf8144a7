// Package web provides the HTTP server for the REST API.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"adslink/ads"
	"adslink/bridge"
	"adslink/config"
	"adslink/entity"
	"adslink/logging"
)

// Bridge is the subset of the connection hub the API needs.
// *bridge.Hub satisfies it.
type Bridge interface {
	State() bridge.State
	LastError() error
	Read(spec ads.VariableSpec) (ads.Value, error)
	Write(spec ads.VariableSpec, v ads.Value) error
	OnStateChange(fn func(bridge.State)) func()
}

// Server is the REST API server.
type Server struct {
	config     *config.Config
	configPath string
	hub        Bridge
	registry   *entity.Registry
	server     *http.Server
	router     chi.Router
	running    bool
	mu         sync.RWMutex

	events       *eventHub
	eventCleanup func()
}

// NewServer creates a new web server. Config mutations through the API
// are persisted to configPath.
func NewServer(cfg *config.Config, configPath string, hub Bridge, registry *entity.Registry) *Server {
	s := &Server{
		config:     cfg,
		configPath: configPath,
		hub:        hub,
		registry:   registry,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures the chi router with all routes.
func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.handleStatus)
		r.Get("/entities", s.handleEntities)
		r.Get("/entities/{id}", s.handleEntity)
		r.Get("/variables", s.handleVariables)
		r.Get("/variables/{name}", s.handleReadVariable)
		r.Post("/write", s.handleWrite)
		r.Get("/events", s.handleSSE)

		r.Get("/config/entities", s.handleConfigEntities)
		r.Post("/config/entities", s.handleConfigEntityAdd)
		r.Put("/config/entities/{name}", s.handleConfigEntityUpdate)
		r.Delete("/config/entities/{name}", s.handleConfigEntityDelete)
	})

	s.router = r
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.events = newEventHub()
	s.eventCleanup = s.setupEvents()

	addr := fmt.Sprintf("%s:%d", s.config.Web.Host, s.config.Web.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logging.DebugLog("web", "server stopped: %v", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	logging.DebugLog("web", "listening on %s", addr)
	return nil
}

// Stop halts the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	if s.eventCleanup != nil {
		s.eventCleanup()
		s.eventCleanup = nil
	}
	if s.events != nil {
		s.events.Stop()
		s.events = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Web.Host, s.config.Web.Port)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware enforces bearer-token authentication when a token hash
// is configured. With no hash set the API is open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Web.API.TokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || !s.config.CheckAPIToken(strings.TrimSpace(token)) {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
