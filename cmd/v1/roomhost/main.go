package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/stateroom-dev/stateroom/internal/v1/auth"
	"github.com/stateroom-dev/stateroom/internal/v1/bus"
	"github.com/stateroom-dev/stateroom/internal/v1/config"
	"github.com/stateroom-dev/stateroom/internal/v1/definition"
	"github.com/stateroom-dev/stateroom/internal/v1/health"
	"github.com/stateroom-dev/stateroom/internal/v1/logging"
	"github.com/stateroom-dev/stateroom/internal/v1/middleware"
	"github.com/stateroom-dev/stateroom/internal/v1/ratelimit"
	"github.com/stateroom-dev/stateroom/internal/v1/tracing"
	"github.com/stateroom-dev/stateroom/internal/v1/transport"
	"github.com/stateroom-dev/stateroom/internal/v1/types"
)

const serviceName = "stateroom"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// Root context for everything that outlives a single request: the
	// hub's bus subscriptions, room timers, and the JWKS cache refresh.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// --- Tracing (Optional) ---
	var tracerProvider *sdktrace.TracerProvider
	if collectorAddr := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collectorAddr != "" {
		tracerProvider, err = tracing.InitTracer(rootCtx, serviceName, collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
			tracerProvider = nil
		} else {
			slog.Info("✅ Tracing initialized", "collector", collectorAddr)
		}
	}

	// Get Auth0 configuration from validated config
	auth0Domain := cfg.Auth0Domain
	auth0Audience := cfg.Auth0Audience
	skipAuth := cfg.SkipAuth

	var authValidator *auth.Validator
	if !skipAuth {
		// FALLBACK: If in dev mode and credentials missing, auto-skip
		if cfg.DevelopmentMode && (auth0Domain == "" || auth0Audience == "") {
			slog.Warn("⚠️  Development Mode: Auth0 credentials missing. Auto-enabling SKIP_AUTH.")
			skipAuth = true
		} else if auth0Domain == "" || auth0Audience == "" {
			slog.Error("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set in environment when SKIP_AUTH=false")
			return
		}
	}

	if !skipAuth {
		// Create the Auth0 token validator.
		var err error
		authValidator, err = auth.NewValidator(rootCtx, auth0Domain, auth0Audience)
		if err != nil {
			slog.Error("Failed to create auth validator", "error", err)
			return
		}
		slog.Info("✅ Auth0 validator initialized", "domain", auth0Domain, "audience", auth0Audience)
	} else {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		authValidator = nil
	}

	// --- Redis Bus Initialization (Optional) ---
	// Initialize Redis for distributed pub/sub if enabled
	var busService *bus.Service
	if cfg.RedisEnabled {
		var err error
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil // Fallback to single-instance mode
		} else {
			slog.Info("✅ Redis pub/sub initialized for distributed rooms", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	// --- Rate Limiting ---
	var redisClient *redis.Client
	if busService != nil {
		redisClient = busService.Client()
	}
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Definition Loader ---
	loader := definition.NewLoader(cfg.DefinitionDir)
	slog.Info("Definition loader ready", "dir", cfg.DefinitionDir)

	// --- Create Hub with Dependencies ---
	var validator types.TokenValidator
	if authValidator != nil {
		validator = authValidator
	} else {
		validator = &auth.MockValidator{}
	}

	hub := transport.NewHub(rootCtx, validator, busService, loader, cfg.DevelopmentMode, rateLimiter)

	// --- Set up Server ---
	router := gin.New()
	router.Use(middleware.CorrelationID())
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	// Routing
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/rooms/:roomId", hub.ServeWs)
	}

	// Cluster-wide room listing, rate limited per caller
	api := router.Group("/api/v1", rateLimiter.GlobalMiddleware())
	{
		api.GET("/rooms", rateLimiter.MiddlewareForEndpoint("rooms"), func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"rooms": hub.ClusterRooms(c.Request.Context())})
		})
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService, cfg.DefinitionDir)
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Room host starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all active rooms and WebSocket connections gracefully
	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Close Redis connection if it was initialized
	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	// Flush any buffered spans
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			slog.Error("Failed to shut down tracer provider:", "error", err)
		}
	}

	slog.Info("Server exiting")
}
