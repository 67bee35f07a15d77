package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskgrid/taskgrid/internal/api/handlers"
	apiMiddleware "github.com/taskgrid/taskgrid/internal/api/middleware"
	"github.com/taskgrid/taskgrid/internal/api/websocket"
	"github.com/taskgrid/taskgrid/internal/config"
	"github.com/taskgrid/taskgrid/internal/dispatch"
	"github.com/taskgrid/taskgrid/internal/events"
	"github.com/taskgrid/taskgrid/internal/heartbeat"
	"github.com/taskgrid/taskgrid/internal/queue"
	"github.com/taskgrid/taskgrid/internal/registry"
	"github.com/taskgrid/taskgrid/internal/store"
)

// Server represents the controller's HTTP surface
type Server struct {
	router        *chi.Mux
	config        *config.Config
	deviceHandler *handlers.DeviceHandler
	taskHandler   *handlers.TaskHandler
	adminHandler  *handlers.AdminHandler
	wsHub         *websocket.Hub
	wsHandler     *websocket.Handler
}

// Deps carries the services the server exposes.
type Deps struct {
	Store      store.Store
	Registry   *registry.Registry
	Queue      *queue.Queue
	Collector  *heartbeat.Collector
	Dispatcher *dispatch.Dispatcher
	Rebalancer *dispatch.Rebalancer
	Publisher  events.Publisher
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, d Deps) *Server {
	wsHub := websocket.NewHub(d.Publisher)

	s := &Server{
		router:        chi.NewRouter(),
		config:        cfg,
		deviceHandler: handlers.NewDeviceHandler(d.Registry, d.Collector, d.Store),
		taskHandler:   handlers.NewTaskHandler(d.Queue, d.Registry, d.Store, d.Dispatcher),
		adminHandler:  handlers.NewAdminHandler(d.Queue, d.Registry, d.Store, d.Rebalancer),
		wsHub:         wsHub,
		wsHandler:     websocket.NewHandler(wsHub),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apiMiddleware.RequestLogger())
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.adminHandler.HealthCheck)

	s.router.Route("/api/distribution", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(apiMiddleware.RateLimit(1000))

		if s.config.Auth.Enabled {
			keys := make(map[string]bool, len(s.config.Auth.APIKeys))
			for _, k := range s.config.Auth.APIKeys {
				keys[k] = true
			}
			r.Use(apiMiddleware.Auth(&apiMiddleware.AuthConfig{
				Enabled:   true,
				JWTSecret: s.config.Auth.JWTSecret,
				APIKeys:   keys,
			}))
		}

		r.Route("/devices", func(r chi.Router) {
			r.Post("/register", s.deviceHandler.Register)
			r.Get("/", s.deviceHandler.List)
			r.Get("/{deviceID}", s.deviceHandler.Get)
			r.Post("/{deviceID}/heartbeat", s.deviceHandler.Heartbeat)
			r.Put("/{deviceID}/status", s.deviceHandler.SetStatus)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.taskHandler.Create)
			r.Get("/", s.taskHandler.List)
			r.Post("/assign", s.taskHandler.Assign)
			r.Put("/status", s.taskHandler.UpdateStatus)
			r.Get("/{deviceID}/pull", s.taskHandler.Pull)
			r.Get("/{taskID:[0-9]+}", s.taskHandler.Get)
		})

		r.Get("/stats/overview", s.adminHandler.StatsOverview)

		r.Route("/management", func(r chi.Router) {
			r.Post("/rebalance", s.adminHandler.Rebalance)
			r.Post("/cleanup", s.adminHandler.Cleanup)
			r.Post("/reset-failed", s.adminHandler.ResetFailed)
			r.Post("/zero", s.adminHandler.Zero)
		})
	})

	// WebSocket endpoint
	s.router.Get("/ws", s.wsHandler.ServeWS)

	// Metrics endpoint
	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Start starts the WebSocket hub
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
}

// Stop stops the WebSocket hub
func (s *Server) Stop() {
	s.wsHub.Stop()
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
