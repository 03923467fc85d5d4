package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/watchsync/party-server/internal/chatstore"
	"github.com/watchsync/party-server/internal/config"
	"github.com/watchsync/party-server/internal/coordinator"
	"github.com/watchsync/party-server/internal/health"
	"github.com/watchsync/party-server/internal/identity"
	"github.com/watchsync/party-server/internal/kv"
	"github.com/watchsync/party-server/internal/logging"
	"github.com/watchsync/party-server/internal/middleware"
	"github.com/watchsync/party-server/internal/ratelimit"
	"github.com/watchsync/party-server/internal/resolver"
	"github.com/watchsync/party-server/internal/roomstore"
	"github.com/watchsync/party-server/internal/signaling"
	"github.com/watchsync/party-server/internal/tracing"
	"github.com/watchsync/party-server/internal/transport"
)

const videoProxyPath = "/api/video-proxy"

func main() {
	// Load .env for local development; in deployment the environment is
	// injected directly.
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		// Logger may not be up yet; stderr is the only safe channel.
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx := context.Background()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName:    "watchparty-server",
		ServiceVersion: "1.0.0",
		Environment:    cfg.GoEnv,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   1.0,
	})
	if err != nil {
		logging.Error(ctx, "failed to initialize tracing", zap.Error(err))
		os.Exit(1)
	}

	// K/V store. With REDIS_ENABLED=false the server runs single-instance
	// against an embedded in-process Redis, which keeps every repository on
	// the same code path as the shared deployment.
	redisAddr := cfg.RedisAddr
	redisPassword := cfg.RedisPassword
	var embedded *miniredis.Miniredis
	if !cfg.RedisEnabled {
		embedded, err = miniredis.Run()
		if err != nil {
			logging.Error(ctx, "failed to start embedded redis", zap.Error(err))
			os.Exit(1)
		}
		redisAddr = embedded.Addr()
		redisPassword = ""
		logging.Warn(ctx, "REDIS_ENABLED=false - using embedded in-process redis, state will not survive restarts")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPassword})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logging.Error(ctx, "redis unreachable", zap.String("addr", redisAddr), zap.Error(err))
		os.Exit(1)
	}
	store := kv.NewRedisStoreFromClient(redisClient)

	// Repositories.
	rooms := roomstore.New(store, time.Duration(cfg.RoomTTLSeconds)*time.Second)
	chats := chatstore.New(store, time.Duration(cfg.RoomTTLSeconds)*time.Second, cfg.ChatHistoryLimit)
	ids := identity.New(store, time.Duration(cfg.IdentityTTLSeconds)*time.Second)

	res := resolver.NewWithTimeouts(videoProxyPath,
		time.Duration(cfg.ResolverProbeTimeout)*time.Second,
		time.Duration(cfg.ResolverTotalTimeout)*time.Second)

	limiter, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Error(ctx, "failed to build rate limiter", zap.Error(err))
		os.Exit(1)
	}

	allowedOrigins := strings.Split(cfg.AllowedOrigins, ",")
	hub := transport.NewHub(ids, allowedOrigins)

	relay := signaling.New(ids, hub, rooms, cfg.SignalingCap)

	coordCfg := coordinator.DefaultConfig()
	coordCfg.SignalingCap = cfg.SignalingCap
	coord := coordinator.New(rooms, chats, ids, res, relay, limiter, hub, coordCfg)
	hub.Attach(coord, relay)

	// HTTP surface.
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("watchparty-server"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	wsGroup := router.Group("/ws")
	wsGroup.Use(limiter.CheckWSConnect())
	{
		wsGroup.GET("/party", hub.ServeWs)
	}

	healthHandler := health.NewHandler(store)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The byte-range proxy is an external collaborator; this route exists
	// only so a misconfigured deployment fails loudly instead of 404ing
	// into the page router.
	router.GET(videoProxyPath, func(c *gin.Context) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "video proxy is served by the external proxy service, not the coordination core",
		})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down server")

	// Teardown in reverse dependency order: stop accepting traffic, close
	// live connections, then release the stores and exporters.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shut down", zap.Error(err))
	}

	hub.Shutdown(shutdownCtx)

	if err := store.Close(); err != nil {
		logging.Error(ctx, "failed to close kv store", zap.Error(err))
	}
	if embedded != nil {
		embedded.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logging.Error(ctx, "failed to shut down tracing", zap.Error(err))
	}

	logging.Info(ctx, "server exited")
}
