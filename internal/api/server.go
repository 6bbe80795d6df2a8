package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kfre-risk-server/internal/audit"
	"github.com/kfre-risk-server/internal/cache"
	"github.com/kfre-risk-server/internal/domain"
	"github.com/kfre-risk-server/internal/middleware"
	"github.com/kfre-risk-server/internal/service"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Server represents the HTTP server
type Server struct {
	configManager domain.ConfigManager
	router        *gin.Engine
	server        *http.Server
	logger        *logrus.Logger

	predictor *service.RiskPredictor
	patients  *service.PatientPredictor
	converter *service.UnitConverter
	estimator *service.UACREstimator
	cache     *cache.MemoryCache
	redis     *cache.RedisStore
	audit     audit.Store
}

// startupTimeout bounds connecting to Redis and PostgreSQL.
const startupTimeout = 15 * time.Second

// ServerOption is a functional option for Server.
type ServerOption func(*Server) error

// WithAuditStore sets a custom run log.
func WithAuditStore(store audit.Store) ServerOption {
	return func(s *Server) error {
		s.audit = store
		return nil
	}
}

// WithCache sets a custom prediction cache.
func WithCache(c *cache.MemoryCache) ServerOption {
	return func(s *Server) error {
		s.cache = c
		return nil
	}
}

// NewServer creates a new HTTP server instance
func NewServer(configManager domain.ConfigManager, logger *logrus.Logger, opts ...ServerOption) (*Server, error) {
	cfg := configManager.GetConfig()

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		configManager: configManager,
		logger:        logger,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if s.cache == nil && cfg.Cache.Enabled {
		memCache, err := cache.NewMemoryCache(cfg.Cache.MaxItems, cfg.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}
		if cfg.Cache.RedisURL != "" {
			redisStore, err := cache.NewRedisStore(ctx, cache.RedisConfig{
				URL:      cfg.Cache.RedisURL,
				TTL:      cfg.Cache.TTL,
				PoolSize: cfg.Cache.PoolSize,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to create redis cache: %w", err)
			}
			memCache.SetRemote(redisStore)
			s.redis = redisStore
		}
		s.cache = memCache
	}

	if s.audit == nil {
		store, err := audit.Open(ctx, cfg.Audit, logger)
		if err != nil {
			s.closeRedis()
			return nil, fmt.Errorf("failed to create audit store: %w", err)
		}
		s.audit = store
	}

	engine := cfg.Engine
	s.predictor = service.NewRiskPredictor(logger, engine.Workers, engine.MaleToken)
	s.patients = service.NewPatientPredictor(logger, s.cache, engine.MaleToken, engine.FemaleToken)
	s.converter = service.NewUnitConverter(logger)
	s.estimator = service.NewUACREstimator(logger, engine.MaleToken)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestLogger(logger))
	router.Use(metricsMiddleware())
	s.router = router

	s.setupRoutes()

	return s, nil
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.configManager.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// Close releases the audit store and the Redis connection.
func (s *Server) Close() error {
	s.closeRedis()
	return s.audit.Close()
}

func (s *Server) closeRedis() {
	if s.redis == nil {
		return
	}
	if err := s.redis.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close redis client")
	}
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", metricsHandler())

	v1 := s.router.Group("/api/v1")
	rl := s.configManager.GetConfig().RateLimit
	if rl.Enabled {
		limiter := middleware.NewClientLimiter(rl.RequestsPerSecond, rl.Burst, 10*time.Minute)
		v1.Use(middleware.RateLimit(limiter, func(c *gin.Context) {
			s.abortWithCode(c, http.StatusTooManyRequests, domain.ErrRateLimit, "too many requests", "")
		}))
	}
	{
		v1.POST("/predict", s.handlePredict)
		v1.POST("/predict/table", s.handlePredictTable)
		v1.GET("/predict/stream", s.handlePredictStream)
		v1.POST("/uacr", s.handleEstimateUACR)
		v1.POST("/convert", s.handleConvert)
		v1.GET("/runs", s.handleListRuns)
	}
}
