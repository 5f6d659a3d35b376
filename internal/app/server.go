package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/davekalu/docquery/internal/api/handlers"
	appMiddleware "github.com/davekalu/docquery/internal/api/middlewares"
	"github.com/davekalu/docquery/internal/config"
	"github.com/davekalu/docquery/internal/core/ingestion_engine"
	"github.com/davekalu/docquery/internal/core/retrieval"
	"github.com/davekalu/docquery/internal/services"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, jobs *services.JobService, ingestor ingestion_engine.Ingestor, engine *retrieval.Engine, logger *slog.Logger) *Server {
	docHandler := handlers.NewDocumentHandler(jobs, ingestor, logger)
	retrievalHandler := handlers.NewRetrievalHandler(engine, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8888"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(api chi.Router) {
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWTMiddleware(cfg.JWTSecret))

			protected.Post("/documents", docHandler.Register)
			protected.Post("/documents/upload", docHandler.Upload)
			protected.Get("/documents", docHandler.List)
			protected.Get("/documents/{jobID}", docHandler.Status)
			protected.Delete("/documents/{jobID}", docHandler.Delete)
			protected.Post("/documents/{jobID}/uploaded", docHandler.ConfirmUploaded)
			protected.Post("/documents/{jobID}/process", docHandler.Process)
			protected.Post("/documents/{jobID}/injected", docHandler.ConfirmInjected)

			protected.Post("/retrieval/query", retrievalHandler.Query)
		})
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	return &Server{httpServer: httpSrv, log: logger}
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
