// Package http exposes the sync core over REST and a websocket change
// stream.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ryzugai/wbl-sub000/internal/application/core"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/metrics"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Host - address to bind (default: "0.0.0.0").
	Host string

	// Port - port to listen on (default: 8080).
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxHeaderBytes - maximum size of request headers.
	MaxHeaderBytes int

	// AllowedOrigins - allowed origins for CORS. Empty disables CORS.
	AllowedOrigins []string

	// EnableMetrics - expose the Prometheus registry on /metrics.
	EnableMetrics bool

	// EnableStream - expose the websocket change stream on /v1/changes.
	EnableStream bool

	// StreamBuffer - queued notifications per websocket client.
	StreamBuffer int

	// SessionTTL - lifetime of a bearer token issued at login.
	SessionTTL time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8080,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		AllowedOrigins: []string{"http://localhost:3000"},
		EnableMetrics:  true,
		EnableStream:   true,
		StreamBuffer:   16,
		SessionTTL:     12 * time.Hour,
	}
}

// Address returns the server address string.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Dependencies contains everything the handlers need.
type Dependencies struct {
	Core    *core.Service
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Version is reported by /healthz.
	Version string
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	engine     *gin.Engine
	httpServer *http.Server
	stream     *stream
	sessions   *sessionStore
	logger     *slog.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config: config,
		deps:   deps,
		logger: logger.OrDefault(deps.Logger).With(logger.Component("http")),
	}
	s.stream = newStream(deps.Core, config.StreamBuffer, s.logger)
	s.sessions = newSessionStore(config.SessionTTL)

	s.engine = gin.New()
	s.engine.Use(s.requestID(), s.recovery(), s.accessLog())
	if len(config.AllowedOrigins) > 0 {
		s.engine.Use(cors.New(cors.Config{
			AllowOrigins:     config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", headerAuthorization, headerRequestID},
			ExposeHeaders:    []string{"Content-Length", headerRequestID},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           config.Address(),
		Handler:        s.engine,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.config.EnableMetrics && s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	v1 := s.engine.Group("/v1", s.authenticate())

	session := v1.Group("/session")
	{
		session.GET("", s.handleCurrentUser)
		session.POST("/login", s.handleLogin)
		session.POST("/logout", s.handleLogout)
		session.POST("/register", s.handleRegister)
	}

	users := v1.Group("/users")
	{
		users.GET("", s.handleListUsers)
		users.POST("", s.handleCreateUser)
		users.PUT("/:id", s.handleUpdateUser)
		users.DELETE("/:id", s.handleDeleteUser)
	}

	companies := v1.Group("/companies")
	{
		companies.GET("", s.handleListCompanies)
		companies.POST("", s.handleCreateCompany)
		companies.POST("/bulk", s.handleBulkCreateCompanies)
		companies.PUT("/:id", s.handleUpdateCompany)
		companies.DELETE("/:id", s.handleDeleteCompany)
	}

	apps := v1.Group("/applications")
	{
		apps.GET("", s.handleListApplications)
		apps.GET("/visible", s.handleVisibleApplications)
		apps.GET("/:id/company", s.handleApplicationCompany)
		apps.POST("", s.handleCreateApplication)
		apps.PUT("/:id", s.handleUpdateApplication)
		apps.DELETE("/:id", s.handleDeleteApplication)
	}

	v1.GET("/ad-config", s.handleGetAdConfig)
	v1.PUT("/ad-config", s.handleUpdateAdConfig)

	backups := v1.Group("/backup")
	{
		backups.GET("", s.handleBackup)
		backups.POST("/restore", s.handleRestore)
		backups.POST("/push", s.handlePush)
	}

	if s.config.EnableStream {
		v1.GET("/changes", s.stream.handle)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", slog.String("address", s.config.Address()))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown closes open change streams and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	s.stream.closeAll()
	return s.httpServer.Shutdown(ctx)
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Address()
}
