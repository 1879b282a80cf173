// Package server exposes the fabric-sync HTTP API: repository and fabric
// management, sync operations, drift reports, and explicit repair actions.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/store"
	"github.com/hnplabs/fabric-sync/internal/syncer"
)

// Server is the fabric-sync HTTP server.
type Server struct {
	router *chi.Mux
	store  *store.Store
	syncer *syncer.Orchestrator
	port   int
	http   *http.Server
}

// Config holds server configuration.
type Config struct {
	Port   int
	Store  *store.Store
	Syncer *syncer.Orchestrator
}

// New creates a new server instance.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		store:  cfg.Store,
		syncer: cfg.Syncer,
		port:   cfg.Port,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS for development
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/repositories", func(r chi.Router) {
			r.Get("/", s.handleListRepositories)
			r.Post("/", s.handleCreateRepository)
			r.Get("/{repoID}", s.handleGetRepository)
		})

		r.Route("/fabrics", func(r chi.Router) {
			r.Get("/", s.handleListFabrics)
			r.Post("/", s.handleCreateFabric)

			r.Route("/{fabricID}", func(r chi.Router) {
				r.Get("/", s.handleGetFabric)
				r.Delete("/", s.handleDeleteFabric)
				r.Post("/sync", s.handleStartSync)
				r.Get("/drift", s.handleDrift)
				r.Get("/resources", s.handleListResources)
				r.Get("/operations", s.handleListOperations)

				r.Route("/resources/{kind}/{name}", func(r chi.Router) {
					r.Get("/", s.handleGetResource)
					r.Post("/adopt", s.handleAdopt)
					r.Post("/apply", s.handleApplyToCluster)
					r.Delete("/cluster", s.handleRemoveFromCluster)
				})
			})
		})

		r.Route("/operations/{opID}", func(r chi.Router) {
			r.Get("/", s.handleGetOperation)
			r.Post("/cancel", s.handleCancelOperation)
		})
	})
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("[server] Listening on http://localhost%s", addr)

	s.http = &http.Server{Addr: addr, Handler: s.router}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.Printf("[server] Shutdown error: %v", err)
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fabrics, err := s.store.ListFabrics(r.Context())
	status := "healthy"
	if err != nil {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"fabricCount": len(fabrics),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[server] Failed to encode response: %v", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes and renders a
// uniform error body. Credential material never appears in responses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errors.GetCode(err)

	switch code {
	case errors.ErrNotFound, errors.ErrUnknownFabric, errors.ErrGitNotFound, errors.ErrClusterResourceMiss:
		status = http.StatusNotFound
	case errors.ErrBadRequest, errors.ErrValidation, errors.ErrManifestParse, errors.ErrManifestUnknownKind, errors.ErrManifestIdentity:
		status = http.StatusBadRequest
	case errors.ErrAlreadyRunning, errors.ErrOperationActive, errors.ErrSyncConflict, errors.ErrGitRemoteDiverged, errors.ErrStoreDuplicate, errors.ErrStoreIntegrity:
		status = http.StatusConflict
	case errors.ErrGitAuthFailed, errors.ErrClusterAuth:
		status = http.StatusBadGateway
	case errors.ErrGitNetwork, errors.ErrClusterUnreachable:
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{"error": err.Error()}
	if code != 0 {
		body["code"] = int(code)
	}
	s.writeJSON(w, status, body)
}
