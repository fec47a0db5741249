package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/logging"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Server represents the HTTP control surface of the engine
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	engine      Engine
	eventBus    *events.EventBus
	hub         *WSHub
	config      config.ServerConfig
	authConfig  config.AuthConfig
	jwtManager  *auth.JWTManager
	passwords   *auth.PasswordManager
	rateLimiter *RateLimiter // Manual order endpoints only, they hit the exchange
	logger      *logging.Logger
}

// NewServer creates a new API server. eventBus may be nil, then /ws only
// sends the connection greeting.
func NewServer(cfg config.ServerConfig, authCfg config.AuthConfig, engine Engine, eventBus *events.EventBus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		engine:      engine,
		eventBus:    eventBus,
		config:      cfg,
		authConfig:  authCfg,
		rateLimiter: NewRateLimiter(30, time.Minute),
		logger:      logger,
	}
	if authCfg.Enabled {
		s.jwtManager = auth.NewJWTManager(authCfg.JWTSecret, authCfg.AccessTokenDuration)
		s.passwords = auth.NewPasswordManager(0)
	}

	s.hub = NewWSHub(logger)
	go s.hub.Run()
	if eventBus != nil {
		eventBus.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, used by tests and embedding servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger replaces gin.Logger with a structured access log
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	l := logger.WithComponent("api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}

// rateLimitMiddleware limits an endpoint group per route
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many order requests, slow down to stay within the exchange limits.",
				"path":    path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)
	if s.authConfig.Enabled {
		s.router.POST("/api/login", auth.LoginHandler(s.passwords, s.jwtManager, s.authConfig.AdminPasswordHash))
	}

	api := s.router.Group("/api")
	ws := s.router.Group("/ws")
	if s.authConfig.Enabled {
		api.Use(auth.Middleware(s.jwtManager))
		ws.Use(auth.Middleware(s.jwtManager))
	}

	api.GET("/status", s.handleStatus)
	api.POST("/start", s.handleStart)
	api.POST("/stop", s.handleStop)
	api.GET("/holdings", s.handleHoldings)
	api.GET("/balance", s.handleBalance)
	api.GET("/monitored", s.handleMonitored)
	api.GET("/settings", s.handleGetSettings)
	api.PUT("/settings", s.handleUpdateSettings)
	api.GET("/performance", s.handlePerformance)
	api.GET("/trades", s.handleTrades)

	orders := api.Group("")
	orders.Use(s.rateLimitMiddleware())
	orders.POST("/buy/:market", s.handleBuy)
	orders.POST("/sell/:market", s.handleSell)
	orders.POST("/sell-all", s.handleSellAll)

	ws.GET("", s.handleWebSocket)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", addr, "auth", s.authConfig.Enabled)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error":   message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
