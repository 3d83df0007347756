// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/stateroom-dev/stateroom/internal/v1/auth"
	"github.com/stateroom-dev/stateroom/internal/v1/config"
	"github.com/stateroom-dev/stateroom/internal/v1/logging"
	"github.com/stateroom-dev/stateroom/internal/v1/metrics"
)

// RateLimiter holds the rate limiter instances
type RateLimiter struct {
	apiGlobal   *limiter.Limiter
	apiPublic   *limiter.Limiter
	apiRooms    *limiter.Limiter
	apiMessages *limiter.Limiter
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds limiters for every configured budget on a shared
// store. All six rates come from config in the "<count>-<period>" format
// the limiter library parses, e.g. "100-M".
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	store, err := newStore(redisClient)
	if err != nil {
		return nil, err
	}

	rl := &RateLimiter{store: store, redisClient: redisClient}
	bindings := []struct {
		name      string
		formatted string
		dst       **limiter.Limiter
	}{
		{"API global", cfg.RateLimitAPIGlobal, &rl.apiGlobal},
		{"API public", cfg.RateLimitAPIPublic, &rl.apiPublic},
		{"API rooms", cfg.RateLimitAPIRooms, &rl.apiRooms},
		{"API messages", cfg.RateLimitAPIMessages, &rl.apiMessages},
		{"WS IP", cfg.RateLimitWsIP, &rl.wsIP},
		{"WS User", cfg.RateLimitWsUser, &rl.wsUser},
	}
	for _, b := range bindings {
		rate, err := limiter.NewRateFromFormatted(b.formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid %s rate: %w", b.name, err)
		}
		*b.dst = limiter.New(store, rate)
	}
	return rl, nil
}

// newStore picks the backing store: Redis when available so limits hold
// across replicas, otherwise per-process memory for dev without Redis.
func newStore(redisClient *redis.Client) (limiter.Store, error) {
	if redisClient == nil {
		logging.Warn(context.Background(), "⚠️  Rate limiter using Memory store (Redis disabled or unavailable)")
		return memory.NewStore(), nil
	}

	s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
		Prefix: "limiter:v1:",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis store: %w", err)
	}
	logging.Info(context.Background(), "✅ Rate limiter using Redis store")
	return s, nil
}

// GlobalMiddleware returns a Gin middleware that enforces global rate limits.
// Authenticated requests are keyed by subject against the larger per-user
// budget; everything else shares the stricter per-IP public budget.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter
		var key string
		var limitType string

		if claims, exists := c.Get("claims"); exists {
			if userClaims, ok := claims.(*auth.CustomClaims); ok {
				key = userClaims.Subject
				limiterInstance = rl.apiGlobal
				limitType = "user"
			}
		}
		if limiterInstance == nil {
			key = c.ClientIP()
			limiterInstance = rl.apiPublic
			limitType = "ip"
		}

		ctx := c.Request.Context()
		context, err := limiterInstance.Get(ctx, key)
		if err != nil {
			// Fail open is safer for availability.
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		// Set headers
		c.Header("X-RateLimit-Limit", strconv.FormatInt(context.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(context.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(context.Reset, 10))

		if context.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(context.Reset-time.Now().Unix(), 10)) // approximate
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": context.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// MiddlewareForEndpoint returns a Gin middleware that enforces a specific endpoint rate limit
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter

		switch endpointType {
		case "rooms":
			limiterInstance = rl.apiRooms
		case "messages":
			limiterInstance = rl.apiMessages
		default:
			// Fallback to global user limit if unknown
			limiterInstance = rl.apiGlobal
		}

		// Keyed by subject where auth ran, otherwise by IP so the
		// endpoint still has a ceiling on unauthenticated probes.
		var key string
		if claims, exists := c.Get("claims"); exists {
			if userClaims, ok := claims.(*auth.CustomClaims); ok {
				key = userClaims.Subject
			}
		}
		if key == "" {
			key = c.ClientIP()
		}

		ctx := c.Request.Context()
		context, err := limiterInstance.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		if context.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), endpointType).Inc()
			c.Header("X-RateLimit-Retry-After", strconv.FormatInt(context.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": context.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket checks if a WebSocket connection should be allowed.
// Returns true if allowed, false if limit exceeded (and writes error).
// Only the per-IP limit is enforced here; the per-user limit needs the
// token validated first, so callers run CheckWebSocketUser after auth.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (IP)", zap.Error(err))
		return true // Fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}

// CheckWebSocketUser checks the user-specific limit for WebSockets.
// Call this after successfully authenticating the user.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	userContext, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (User)", zap.Error(err))
		return nil // Fail open
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user")
	}

	return nil
}

// StandardMiddleware exposes the stock ulule/limiter gin middleware over
// the public limit, for routes that don't need custom keying or headers.
func (rl *RateLimiter) StandardMiddleware() gin.HandlerFunc {
	middleware := mgin.NewMiddleware(rl.apiPublic)
	return middleware
}
