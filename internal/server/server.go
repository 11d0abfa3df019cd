package server

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coursepay-gateway/internal/config"
	"github.com/coursepay-gateway/internal/handlers"
	customMiddleware "github.com/coursepay-gateway/internal/middleware"
)

// Server wraps the HTTP server
type Server struct {
	router  *chi.Mux
	handler *handlers.Handler
	config  *config.Config
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, h *handlers.Handler) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: h,
		config:  cfg,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes and middleware
func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Public health check
	r.Get("/health", s.handler.HealthCheck)

	// Checkout and admin endpoints (platform backend only)
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.InternalAuth(s.config.InternalSecret))
		r.Post("/checkout", s.handler.CreateCheckout)
		r.Get("/checkout/{id}", s.handler.GetCheckout)
		r.Get("/users/{userID}/tokens", s.handler.ListTokens)
		r.Put("/users/{userID}/tokens/{tokenID}/default", s.handler.SetDefaultToken)
		r.Post("/transactions/{id}/refund", s.handler.RefundTransaction)
	})

	// Provider webhook endpoint (IP filtered + size limited)
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.IPFilter(s.config.ProviderIPs))
		r.Use(customMiddleware.RequestSizeLimit(s.config.MaxRequestSize))
		r.Post("/webhook", s.handler.ProviderWebhook)
	})

	log.Println("Routes configured successfully")
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := ":" + s.config.ServerPort
	log.Printf("Starting HTTP server on %s", addr)

	return http.ListenAndServe(addr, s.router)
}
