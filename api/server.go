package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nearindex/indexer-core/api/graphql"
	apimiddleware "github.com/nearindex/indexer-core/api/middleware"
	"github.com/nearindex/indexer-core/api/websocket"
	"github.com/nearindex/indexer-core/eventbus"
	ilog "github.com/nearindex/indexer-core/internal/logger"
)

// Server is the admin/metrics HTTP surface: GraphQL introspection of the
// pipeline's own state, a raw WebSocket event feed, health/version/metrics
// endpoints. It never serves the user's indexed blockchain data — that
// lives in the sandboxed handler runtime's own storage, out of scope here.
type Server struct {
	config       *Config
	logger       *zap.Logger
	provider     graphql.StatusProvider
	bus          *eventbus.Bus
	router       *chi.Mux
	server       *http.Server
	wsServer     *websocket.Server
	gqlSubServer *graphql.SubscriptionServer
	rateLimiter  *apimiddleware.RateLimiter
}

// NewServer creates a new API server over the given status provider. bus may
// be nil, in which case the WebSocket feed and GraphQL subscriptions report
// unavailable rather than push updates.
func NewServer(config *Config, logger *zap.Logger, provider graphql.StatusProvider, bus *eventbus.Bus) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		config:   config,
		logger:   ilog.WithComponent(logger, ilog.ComponentAdminAPI),
		provider: provider,
		bus:      bus,
		router:   chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:           config.Address(),
		Handler:        s.router,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s, nil
}

// setupMiddleware configures the middleware stack
func (s *Server) setupMiddleware() {
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.LoggerWithLevel(s.logger))
	s.router.Use(middleware.Recoverer)

	if s.config.EnableRateLimit {
		s.rateLimiter = apimiddleware.NewRateLimiter(
			s.config.RateLimitPerSecond,
			s.config.RateLimitBurst,
			s.logger,
		)
		s.router.Use(s.rateLimiter.Middleware())
		s.logger.Info("rate limiting enabled",
			zap.Float64("rate_per_second", s.config.RateLimitPerSecond),
			zap.Int("burst", s.config.RateLimitBurst),
		)
	}

	if s.config.EnableAuth {
		s.router.Use(apimiddleware.APIKeyAuth(apimiddleware.AuthConfig{
			APIKeys: s.config.APIKeys,
			AllowedPaths: map[string]bool{
				"/health":  true,
				"/version": true,
				"/metrics": true,
			},
		}, s.logger))
		s.logger.Info("API key authentication enabled")
	}

	if s.config.EnableCORS {
		s.router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				origin := r.Header.Get("Origin")
				if origin == "" {
					origin = "*"
				}

				allowed := false
				for _, allowedOrigin := range s.config.AllowedOrigins {
					if allowedOrigin == "*" || allowedOrigin == origin {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token, Upgrade, Connection")
					w.Header().Set("Access-Control-Allow-Credentials", "true")
					w.Header().Set("Access-Control-Max-Age", "300")
				}

				if r.Method == "OPTIONS" {
					w.WriteHeader(http.StatusOK)
					return
				}

				next.ServeHTTP(w, r)
			})
		})
	}
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	if s.config.EnableWebSocket {
		s.logger.Info("WebSocket API enabled", zap.String("path", s.config.WebSocketPath))
		s.wsServer = websocket.NewServer(s.logger, s.bus)
		s.router.Get(s.config.WebSocketPath, s.wsServer.ServeHTTP)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/subscribers", s.handleSubscribers)

	if s.config.EnableGraphQL {
		s.logger.Info("GraphQL API enabled", zap.String("path", s.config.GraphQLPath))

		graphqlHandler, err := graphql.NewHandler(s.provider, s.logger)
		if err != nil {
			s.logger.Error("failed to create GraphQL handler", zap.Error(err))
		} else {
			s.router.Handle(s.config.GraphQLPath, graphqlHandler)
			s.router.Get(s.config.GraphQLPlaygroundPath, graphqlHandler.PlaygroundHandler())
			s.logger.Info("GraphQL playground enabled", zap.String("path", s.config.GraphQLPlaygroundPath))
		}

		s.gqlSubServer = graphql.NewSubscriptionServer(s.bus, s.provider, s.logger, s.config.EnableWebSocketKeepAlive)
		s.router.Get("/graphql/ws", s.gqlSubServer.Handler())
		s.logger.Info("GraphQL subscriptions enabled", zap.String("path", "/graphql/ws"))
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	EventBus  *EventBusHealth  `json:"eventbus,omitempty"`
	RateLimit *RateLimitHealth `json:"rate_limit,omitempty"`
}

// EventBusHealth reports eventbus.Bus delivery counters.
type EventBusHealth struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// RateLimitHealth reports the number of distinct client IPs currently
// tracked by the rate limiter, omitted entirely when rate limiting is off.
type RateLimitHealth struct {
	ActiveLimiters int `json:"active_limiters"`
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().Format(time.RFC3339),
	}

	if s.bus != nil {
		published, delivered, dropped := s.bus.Stats()
		response.EventBus = &EventBusHealth{
			Published: published,
			Delivered: delivered,
			Dropped:   dropped,
		}
	}

	if s.rateLimiter != nil {
		response.RateLimit = &RateLimitHealth{ActiveLimiters: s.rateLimiter.LimiterCount()}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// handleVersion handles the version endpoint
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"version":"1.0.0","name":"indexer-core"}`)
}

// handleSubscribers reports the event bus's delivery counters. There is no
// per-subscriber breakdown: eventbus.Bus tracks aggregate stats only.
func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.bus == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "event bus not configured",
		})
		return
	}

	published, delivered, dropped := s.bus.Stats()
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(EventBusHealth{
		Published: published,
		Delivered: delivered,
		Dropped:   dropped,
	})
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("starting API server",
		zap.String("address", s.config.Address()),
		zap.Bool("graphql", s.config.EnableGraphQL),
		zap.Bool("websocket", s.config.EnableWebSocket),
	)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	if s.wsServer != nil {
		s.wsServer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped gracefully")
	return nil
}

// Router returns the underlying chi router (for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
