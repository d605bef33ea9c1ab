package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/canvas-relay/internal/auth"
	"github.com/example/canvas-relay/internal/broadcast"
	"github.com/example/canvas-relay/internal/config"
	"github.com/example/canvas-relay/internal/observability"
	"github.com/example/canvas-relay/internal/presence"
	"github.com/example/canvas-relay/internal/protocol"
	"github.com/example/canvas-relay/internal/rooms"
	"github.com/example/canvas-relay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.AppName, cfg.LogLevel).With().Str("version", cfg.AppVersion).Logger()
	observability.RegisterRuntimeCollectors(cfg.AppVersion)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:    cfg.AppName,
		ServiceVersion: cfg.AppVersion,
		MetricsAddr:    cfg.MetricsAddr,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	verifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret), auth.WithIssuer(cfg.JWTIssuer))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build token verifier")
	}

	authz, err := newAuthorizer(cfg, resources, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build room authorizer")
	}

	hub := ws.NewHub(logger)

	var store presence.Store
	if resources.Redis != nil {
		bridge := broadcast.NewRedisBridge(resources.Redis, hub, "", logger)
		bridge.Start(ctx)
		hub.SetPublisher(bridge)
		logger.Info().Str("instance", bridge.Instance()).Msg("redis fan-out enabled")

		redisStore, err := presence.NewRedisStore(resources.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build presence store")
		}
		store = redisStore
	}

	presenceSvc := presence.NewService(store, hub, logger)
	presenceSvc.Start(ctx)

	gateway, err := ws.NewGateway(verifier, authz, hub, logger, presenceSvc.WrapHooks(ws.Hooks{}), ws.GatewayConfig{
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatTolerance: cfg.HeartbeatTolerance,
		SendBuffer:         cfg.SendBuffer,
		WriteTimeout:       cfg.WriteTimeout,
		AuthzTimeout:       cfg.AuthzTimeout,
		AllowedOrigins:     cfg.AllowedOrigins,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build websocket gateway")
	}

	mux := http.NewServeMux()
	mux.Handle("/", gateway)
	mux.Handle("/ws", gateway)
	mux.Handle("/rooms/", presence.NewHTTPHandler(presenceSvc, verifier, rooms.NewGuard(authz, cfg.AuthzTimeout), logger))
	observability.RegisterHealth(mux, resources.HealthCheck)

	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("relay listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	go healthLoop(ctx, resources, hub, logger, cfg.HealthcheckProbe)

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	closed := hub.CloseAll(protocol.CloseServerShutdown)
	if err := gateway.Wait(shutdownCtx); err != nil {
		logger.Error().Err(err).Int("connections", closed).Msg("forced shutdown")
		return
	}
	logger.Info().Int("connections", closed).Msg("shutdown complete")
}

func newAuthorizer(cfg config.Config, resources *config.Resources, logger zerolog.Logger) (rooms.Authorizer, error) {
	if cfg.AuthzAllowAll {
		logger.Warn().Msg("AUTHZ_ALLOW_ALL set; every authenticated user may join every room")
		return rooms.AllowAll{}, nil
	}
	membership, err := rooms.NewPostgresMembership(resources.Postgres)
	if err != nil {
		return nil, err
	}
	return rooms.NewCachedAuthorizer(membership, cfg.AuthzCacheTTL, cfg.AuthzCacheSize), nil
}

func healthLoop(ctx context.Context, resources *config.Resources, hub *ws.Hub, logger zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			roomCount, members := hub.Stats()
			if err := resources.HealthCheck(ctx); err != nil {
				logger.Error().Err(err).Msg("dependency healthcheck failed")
			} else {
				logger.Debug().Int("rooms", roomCount).Int("members", members).Msg("dependency healthcheck ok")
			}
		case <-ctx.Done():
			return
		}
	}
}
