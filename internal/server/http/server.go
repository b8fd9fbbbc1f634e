// Package http implements the admin REST API and mounts the realtime gateway.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/brianly1003/wsgate/internal/collab"
	"github.com/brianly1003/wsgate/internal/config"
	"github.com/brianly1003/wsgate/internal/environment"
	"github.com/brianly1003/wsgate/internal/execution"
	"github.com/brianly1003/wsgate/internal/preview"
	"github.com/brianly1003/wsgate/internal/security"
	"github.com/brianly1003/wsgate/internal/server/http/middleware"
)

const maxBodyBytes = 1 << 20

// Environments is the part of the environment manager the API serves.
type Environments interface {
	Create(ctx context.Context, projectID string, limits environment.Limits) (*environment.Info, error)
	Status(projectID string) (*environment.Info, error)
	Stop(ctx context.Context, projectID string) (*environment.Info, error)
	List() []*environment.Info
	Counts() map[environment.State]int
}

// Executor runs one-shot commands.
type Executor interface {
	Run(ctx context.Context, projectID string, req execution.Request) (*execution.Result, error)
}

// Gateway serves the realtime channel.
type Gateway interface {
	ServeProject(w http.ResponseWriter, r *http.Request, projectID string)
	ProjectClients(projectID string) []string
	Count() int
}

// Previews reports the preview server of an environment.
type Previews interface {
	Get(envID string) (*preview.Info, error)
	WaitReady(ctx context.Context, previewID string) (*preview.Info, error)
}

// Documents manages the stored collaborative documents of a project.
type Documents interface {
	Documents(ctx context.Context, projectID string) ([]collab.DocumentInfo, error)
	Discard(ctx context.Context, projectID, fileID string) error
}

// Observer receives request measurements.
type Observer interface {
	middleware.RequestObserver
	RateLimited(route string)
}

// Deps are the services behind the routes.
type Deps struct {
	Environments Environments
	Executor     Executor
	Gateway      Gateway
	Previews     Previews  // Optional
	Documents    Documents // Optional
	PTYSessions  func() int
	PreviewCount func() map[preview.Status]int
	PortsInUse   func() int
	Metrics      http.Handler      // Optional /metrics handler
	Observer     Observer          // Optional
	Limiter      middleware.Limiter // Optional, guards mutating routes
	ClientIP     *security.ClientIPResolver
	Version      string
}

// Server is the HTTP front of the gateway.
type Server struct {
	deps    Deps
	cfg     config.ServerConfig
	router  *mux.Router
	server  *http.Server
	openapi *openapi3.T
	started time.Time
}

// New creates the server and its routes.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		deps:    deps,
		cfg:     cfg,
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	doc, err := loadOpenAPI(deps.Version)
	if err != nil {
		// The document is embedded, so this only fails on a broken build
		log.Error().Err(err).Msg("openapi document unavailable")
	}
	s.openapi = doc
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	if s.deps.Observer != nil {
		r.Use(middleware.Metrics(s.deps.Observer))
	}

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}
	if s.openapi != nil {
		r.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)
	}
	r.HandleFunc("/ws/projects/{projectId}", s.handleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/environments", s.handleListEnvironments).Methods(http.MethodGet)
	api.HandleFunc("/projects/{projectId}/environment", s.handleGetEnvironment).Methods(http.MethodGet)
	api.HandleFunc("/projects/{projectId}/preview", s.handleGetPreview).Methods(http.MethodGet)
	api.HandleFunc("/projects/{projectId}/documents", s.handleListDocuments).Methods(http.MethodGet)

	// Mutating routes are rate limited per client IP
	mut := api.NewRoute().Subrouter()
	if s.deps.Limiter != nil {
		mut.Use(middleware.RateLimit(s.deps.Limiter, s.clientIP, s.rateLimited))
	}
	mut.HandleFunc("/projects/{projectId}/environment", s.handleCreateEnvironment).Methods(http.MethodPost)
	mut.HandleFunc("/projects/{projectId}/environment", s.handleStopEnvironment).Methods(http.MethodDelete)
	mut.HandleFunc("/projects/{projectId}/environment/stop", s.handleStopEnvironment).Methods(http.MethodPost)
	mut.HandleFunc("/projects/{projectId}/environment/exec", s.handleExec).Methods(http.MethodPost)
	mut.HandleFunc("/projects/{projectId}/documents/{fileId:.+}", s.handleDiscardDocument).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" not allowed on "+r.URL.Path)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	log.Info().Str("addr", addr).Msg("starting HTTP server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Stop waits for in-flight requests to finish until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) clientIP(r *http.Request) string {
	if s.deps.ClientIP == nil {
		return r.RemoteAddr
	}
	return s.deps.ClientIP.ClientIP(r)
}

func (s *Server) rateLimited(r *http.Request) {
	route := r.URL.Path
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			route = tpl
		}
	}
	log.Debug().
		Str("client_ip", s.clientIP(r)).
		Str("route", route).
		Msg("request rate limited")
	if s.deps.Observer != nil {
		s.deps.Observer.RateLimited(route)
	}
}
