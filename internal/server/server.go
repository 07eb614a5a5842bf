package server

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	echoSwagger "github.com/swaggo/echo-swagger"

	"mailstate/internal/auth"
	"mailstate/internal/config"
	"mailstate/internal/conversations"
	"mailstate/internal/docstore"
	"mailstate/internal/extraction"
	"mailstate/internal/handlers"
	"mailstate/internal/mailer"
)

// Server represents the application server
type Server struct {
	echo      *echo.Echo
	config    *config.Config
	logger    zerolog.Logger
	store     docstore.Store
	manager   *conversations.Manager
	extractor *extraction.Extractor
	mailer    *mailer.Mailer
}

// New creates a new server instance. extractor and sender may be nil when
// the corresponding collaborators are not configured.
func New(cfg *config.Config, store docstore.Store, manager *conversations.Manager, extractor *extraction.Extractor, sender *mailer.Mailer, logger zerolog.Logger) *Server {
	return &Server{
		config:    cfg,
		logger:    logger,
		store:     store,
		manager:   manager,
		extractor: extractor,
		mailer:    sender,
	}
}

// zerologMiddleware creates a zerolog-based logging middleware for Echo
func (s *Server) zerologMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			s.logger.Info().
				Str("method", req.Method).
				Str("uri", req.RequestURI).
				Str("remote_ip", c.RealIP()).
				Int("status", res.Status).
				Int64("latency_ms", time.Since(start).Milliseconds()).
				Str("user_agent", req.UserAgent()).
				Msg("HTTP request")

			return err
		}
	}
}

// Initialize sets up the Echo framework with middleware and routes
func (s *Server) Initialize() {
	s.echo = echo.New()

	// Middleware
	s.echo.Use(s.zerologMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORS())

	// Hide Echo banner
	s.echo.HideBanner = true

	// Setup routes
	s.setupRoutes()
}

// setupRoutes configures all the application routes
func (s *Server) setupRoutes() {
	// API group with /api prefix; key auth is a no-op when no key is set
	api := s.echo.Group("/api", auth.APIKeyMiddleware(s.config.APIKey))

	// Swagger documentation
	s.echo.GET("/swagger/*", echoSwagger.WrapHandler)

	// Health endpoints (keep at root level for monitoring)
	s.echo.GET("/healthz", handlers.HealthHandler(s.config.Version))
	s.echo.GET("/healthz/store", handlers.StoreHealthHandler(s.store))

	// API endpoints under /api prefix
	api.GET("/", handlers.RootHandler(s.config.Version))
	api.POST("/emails", handlers.ProcessInboundEmail(s.config, s.manager, s.extractor, s.mailer, s.logger))
	api.GET("/conversations", handlers.ListConversationsHandler(s.manager))
	api.GET("/conversations/:id", handlers.GetConversationHandler(s.manager))
	api.GET("/conversations/:id/requirements", handlers.GetRequirementsHandler(s.manager))
	api.PUT("/conversations/:id/status", handlers.UpdateStatusHandler(s.manager))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().Str("port", s.config.Port).Msg("Server starting")
	return s.echo.Start(":" + s.config.Port)
}
