// Package ratelimit bounds WebSocket connect attempts per client IP.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/chatflow/server/internal/v1/logging"
	"github.com/chatflow/server/internal/v1/metrics"
)

// RateLimiter enforces the per-IP connect rate. With Redis available the
// window is shared across the fleet; otherwise each node counts locally.
type RateLimiter struct {
	wsIP  *limiter.Limiter
	store limiter.Store
}

// NewRateLimiter parses the formatted rate (e.g. "100-M") and selects the
// backing store.
func NewRateLimiter(wsIPRate string, redisClient *redis.Client) (*RateLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:chat:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	return &RateLimiter{
		wsIP:  limiter.New(store, rate),
		store: store,
	}, nil
}

// CheckWebSocket enforces the per-IP limit before the upgrade. A store error
// fails open: availability beats strict limiting when the backing store is
// down. Returns false after writing the 429 response.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}
	return true
}
