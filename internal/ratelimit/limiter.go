// Package ratelimit throttles connection attempts and chat activity using
// ulule/limiter, backed by Redis when available so limits are shared across
// server instances, falling back to an in-memory store otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/watchsync/party-server/internal/config"
	"github.com/watchsync/party-server/internal/logging"
	"github.com/watchsync/party-server/internal/metrics"
)

// Limiter holds every rate limit the coordination server enforces.
type Limiter struct {
	wsConnectIP *limiter.Limiter
	chatUser    *limiter.Limiter
	reactUser   *limiter.Limiter
}

// New builds a Limiter from cfg's formatted rate strings (e.g. "100-M"),
// using a Redis-backed store when redisClient is non-nil.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	wsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWSConnectIP)
	if err != nil {
		return nil, fmt.Errorf("invalid ws connect rate: %w", err)
	}
	chatRate, err := limiter.NewRateFromFormatted(cfg.RateLimitChatUser)
	if err != nil {
		return nil, fmt.Errorf("invalid chat rate: %w", err)
	}
	reactRate, err := limiter.NewRateFromFormatted(cfg.RateLimitReactUser)
	if err != nil {
		return nil, fmt.Errorf("invalid reaction rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "watchparty:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled)")
	}

	return &Limiter{
		wsConnectIP: limiter.New(store, wsRate),
		chatUser:    limiter.New(store, chatRate),
		reactUser:   limiter.New(store, reactRate),
	}, nil
}

// CheckWSConnect enforces the per-IP WS upgrade throttle as gin middleware.
func (l *Limiter) CheckWSConnect() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ip := c.ClientIP()

		lc, err := l.wsConnectIP.Get(ctx, ip)
		if err != nil {
			logging.Error(ctx, "ws connect rate limiter failed", zap.Error(err))
			c.Next()
			return
		}

		if lc.Reached {
			metrics.RateLimitExceeded.WithLabelValues("ws_connect", "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lc.Reset, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
			return
		}

		metrics.RateLimitRequests.WithLabelValues("ws_connect").Inc()
		c.Next()
	}
}

// AllowChat reports whether userID may send another chat message right now.
func (l *Limiter) AllowChat(ctx context.Context, userID string) bool {
	return l.allow(ctx, l.chatUser, "send_message", userID)
}

// AllowReaction reports whether userID may toggle another reaction right now.
func (l *Limiter) AllowReaction(ctx context.Context, userID string) bool {
	return l.allow(ctx, l.reactUser, "toggle_reaction", userID)
}

func (l *Limiter) allow(ctx context.Context, lim *limiter.Limiter, endpoint, key string) bool {
	lc, err := lim.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "rate limiter store failed", zap.String("endpoint", endpoint), zap.Error(err))
		return true
	}

	if lc.Reached {
		metrics.RateLimitExceeded.WithLabelValues(endpoint, "user").Inc()
		return false
	}

	metrics.RateLimitRequests.WithLabelValues(endpoint).Inc()
	return true
}
