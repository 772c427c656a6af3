// Package controller contains the HTTP API of the generation service.
package controller

import (
	"context"
	"errors"
	"net/http"
	"time"

	"boardgen/internal/controller/handlers"
	"boardgen/internal/controller/middleware"
)

// Options configures the routes of a Server.
type Options struct {
	// AdminSecret guards organization creation and credit grants
	AdminSecret string

	// Metrics is served at /metrics when set
	Metrics http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
	handlers   *handlers.Handlers
}

// New creates a new controller server.
func New(addr string, h *handlers.Handlers, orgs handlers.StoreFactory, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           Routes(h, orgs, opts),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			// Event streams clear their own write deadline
			WriteTimeout: 30 * time.Second,
		},
		handlers: h,
	}
}

// Routes builds the handler tree. It is separate from New for tests.
func Routes(h *handlers.Handlers, orgs handlers.StoreFactory, opts Options) http.Handler {
	authMW := middleware.AuthMiddleware(orgs)
	adminMW := middleware.RequireAdminAuth(opts.AdminSecret)
	submitLimit := middleware.NewRateLimiter().Middleware()

	authed := func(f http.HandlerFunc) http.Handler { return authMW(f) }

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	// Operator endpoints
	mux.Handle("POST /organizations", adminMW(http.HandlerFunc(h.CreateOrganization)))
	mux.Handle("POST /credits/grants", adminMW(http.HandlerFunc(h.GrantCredits)))

	// Organization endpoints
	mux.Handle("POST /executions", authMW(submitLimit(http.HandlerFunc(h.SubmitExecution))))
	mux.Handle("POST /estimates", authed(h.EstimateExecution))
	mux.Handle("GET /executions/{id}", authed(h.GetExecution))
	mux.Handle("POST /executions/{id}/stop", authed(h.StopExecution))
	mux.Handle("POST /executions/{id}/resume", authMW(submitLimit(http.HandlerFunc(h.ResumeExecution))))
	mux.Handle("GET /executions/{id}/events", authed(h.StreamEvents))
	mux.Handle("GET /executions/{id}/ws", authed(h.StreamWebSocket))
	mux.Handle("GET /balance", authed(h.GetBalance))
	mux.Handle("GET /units", authed(h.ListUnits))
	mux.Handle("POST /units", authed(h.ImportUnits))

	return middleware.RequestID(mux)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		s.handlers.SetDraining()
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
