// Package api serves the fleet's administrative HTTP surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/redisfleet/redisfleet/internal/analytics"
	"github.com/redisfleet/redisfleet/internal/archive"
	"github.com/redisfleet/redisfleet/internal/balancer"
	"github.com/redisfleet/redisfleet/internal/cache"
	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/health"
	"github.com/redisfleet/redisfleet/internal/registry"
	"github.com/redisfleet/redisfleet/pkg/utils"
)

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., ":8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// EnableMetrics serves Services.Metrics at /metrics
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       ":8080",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableCORS:    true,
		EnableMetrics: true,
	}
}

// Services are the components the API operates on. Archive and Metrics
// are optional.
type Services struct {
	Provider  *config.Provider
	Registry  *registry.Registry
	Balancer  *balancer.Balancer
	Health    *health.Service
	Analytics *analytics.Service
	Cache     *cache.Facade
	Archive   *archive.Archive
	Metrics   http.Handler
}

// Server provides the admin HTTP API
type Server struct {
	httpServer *http.Server
	router     chi.Router
	svc        Services
	config     ServerConfig
	logger     *utils.StructuredLogger
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig, svc Services, logger *utils.StructuredLogger) *Server {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Server{
		router: chi.NewRouter(),
		svc:    svc,
		config: cfg,
		logger: logger.WithComponent("api"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	if s.config.EnableCORS {
		s.router.Use(corsMiddleware)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	if s.config.EnableMetrics && s.svc.Metrics != nil {
		s.router.Handle("/metrics", s.svc.Metrics)
	}

	s.router.Route("/api/redis", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.listInstances)
			r.Get("/{instanceID}", s.getInstance)
			r.Put("/{instanceID}/status", s.setInstanceStatus)
			r.Post("/{instanceID}/health-check", s.forceHealthCheck)
		})

		r.Route("/load-balancing", func(r chi.Router) {
			r.Get("/", s.getLoadBalancing)
			r.Put("/", s.updateLoadBalancing)
			r.Post("/rebalance", s.forceRebalance)
			r.Post("/plans", s.executePlan)
			r.Delete("/metrics", s.resetLoadBalancingMetrics)
		})

		r.Get("/ttl-strategies", s.listTTLStrategies)
		r.Put("/ttl-strategies/{category}", s.updateTTLStrategy)

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/", s.getAnalytics)
			r.Get("/historical", s.getHistoricalMetrics)
			r.Get("/capacity-prediction", s.getCapacityPrediction)
			r.Get("/report", s.getReport)
			r.Get("/aggregates", s.getHourlyAggregates)
			r.Get("/instances/{instanceID}/samples", s.getInstanceSamples)
		})

		r.Route("/health", func(r chi.Router) {
			r.Get("/", s.getSystemHealth)
			r.Get("/instances/{instanceID}/history", s.getHealthHistory)
			r.Get("/instances/{instanceID}/recovery", s.getRecoveryAttempts)
			r.Delete("/instances/{instanceID}/recovery", s.resetRecoveryAttempts)
			r.Delete("/recovery", s.resetRecoveryAttempts)
			r.Get("/alerts", s.listAlertRules)
			r.Post("/alerts", s.addAlertRule)
			r.Get("/alerts/recent", s.recentAlerts)
			r.Put("/alerts/{ruleID}", s.updateAlertRule)
			r.Delete("/alerts/{ruleID}", s.deleteAlertRule)
			r.Post("/failover/{instanceID}", s.manualFailover)
			r.Get("/failover-history", s.failoverHistory)
		})

		r.Delete("/cache", s.clearCaches)
		r.Post("/cache/migrate", s.migrateData)

		r.Route("/configuration", func(r chi.Router) {
			r.Get("/", s.getConfiguration)
			r.Get("/export", s.exportConfiguration)
			r.Post("/import", s.importConfiguration)
		})

		r.Route("/archive", func(r chi.Router) {
			r.Get("/{kind}", s.listArchive)
			r.Post("/config", s.archiveConfig)
			r.Post("/config/restore", s.restoreConfig)
			r.Post("/report", s.archiveReport)
		})
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", map[string]interface{}{"address": s.config.Address})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server", nil)
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("API request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": float64(time.Since(start)) / float64(time.Millisecond),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
