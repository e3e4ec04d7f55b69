// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/api/handlers"
	"github.com/manifold-dl/manifold/internal/backend"
	"github.com/manifold-dl/manifold/internal/categories"
	"github.com/manifold-dl/manifold/internal/config"
	"github.com/manifold-dl/manifold/internal/models"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string

	backendStore  *models.BackendStore
	errorStore    *models.BackendErrorStore
	categoryStore *models.CategoryStore
	pool          *backend.Pool
	reconciler    *categories.Reconciler
}

type Dependencies struct {
	Config        *config.AppConfig
	Version       string
	BackendStore  *models.BackendStore
	ErrorStore    *models.BackendErrorStore
	CategoryStore *models.CategoryStore
	Pool          *backend.Pool
	Reconciler    *categories.Reconciler
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       180 * time.Second,
		},
		logger:        log.Logger.With().Str("module", "api").Logger(),
		config:        deps.Config,
		version:       deps.Version,
		backendStore:  deps.BackendStore,
		errorStore:    deps.ErrorStore,
		categoryStore: deps.CategoryStore,
		pool:          deps.Pool,
		reconciler:    deps.Reconciler,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the
// listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msgf("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - Open: http://%s%s", host, s.config.Config.BaseURL)

	s.server.Handler = s.Handler()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	backendsHandler := handlers.NewBackendsHandler(s.backendStore, s.errorStore, s.categoryStore, s.pool)
	downloadsHandler := handlers.NewDownloadsHandler(s.pool)
	categoriesHandler := handlers.NewCategoriesHandler(s.categoryStore, s.pool, s.reconciler)

	apiRouter := chi.NewRouter()

	apiRouter.Route("/backends", func(r chi.Router) {
		r.Get("/", backendsHandler.ListBackends)
		r.Post("/", backendsHandler.CreateBackend)

		r.Route("/{backendID}", func(r chi.Router) {
			r.Put("/", backendsHandler.UpdateBackend)
			r.Delete("/", backendsHandler.DeleteBackend)
			r.Put("/status", backendsHandler.UpdateBackendStatus)
			r.Post("/test", backendsHandler.TestConnection)

			r.Get("/data", downloadsHandler.GetData)
			r.Get("/stats", downloadsHandler.GetStats)
			r.Post("/reconcile", categoriesHandler.Reconcile)

			r.Route("/downloads", func(r chi.Router) {
				r.Post("/", downloadsHandler.Add)

				r.Route("/{hash}", func(r chi.Router) {
					r.Post("/pause", downloadsHandler.Pause)
					r.Post("/resume", downloadsHandler.Resume)
					r.Delete("/", downloadsHandler.Remove)
					r.Put("/move", downloadsHandler.Move)
					r.Post("/recheck", downloadsHandler.Recheck)
					r.Post("/reannounce", downloadsHandler.Reannounce)
					r.Put("/category", downloadsHandler.SetCategory)
					r.Get("/files", downloadsHandler.GetFiles)
					r.Get("/trackers", downloadsHandler.GetTrackers)
					r.Get("/peers", downloadsHandler.GetPeers)
				})
			})
		})
	})

	apiRouter.Route("/categories", func(r chi.Router) {
		r.Get("/", categoriesHandler.List)
		r.Post("/", categoriesHandler.Create)
		r.Put("/{name}", categoriesHandler.Update)
		r.Delete("/{name}", categoriesHandler.Delete)
		r.Get("/path-issues", categoriesHandler.PathIssues)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		baseURL = "/"
	}
	r.Mount(baseURL+"api", apiRouter)

	return r
}
