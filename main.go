package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshprice/config"
	"meshprice/handlers"
	"meshprice/middleware"
	"meshprice/services"
	"meshprice/transport"
	"meshprice/utils"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := utils.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
		logger.Info("no node id configured, generated one", zap.String("node_id", cfg.Node.ID))
	}

	logger.Info("configuration loaded",
		zap.String("server", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("node_id", cfg.Node.ID),
		zap.String("protocol_version", cfg.Node.ProtocolVersion),
		zap.Strings("seeds", cfg.Server.SeedNodes),
		zap.String("redis", cfg.Redis.Address),
		zap.String("mongodb", cfg.MongoDB.Database))

	metrics := services.NewMetrics()

	geo := utils.NewGeoResolver(cfg.GeoIP.DBPath, logger)
	defer geo.Close()

	redisStore := services.NewRedisStore(cfg, logger)
	defer redisStore.Stop()

	mongoService, err := services.NewMongoDBService(cfg, logger)
	if err != nil {
		logger.Warn("mongodb connection failed, cold tier and alert archive disabled", zap.Error(err))
		mongoService = nil
	}
	if mongoService != nil {
		defer mongoService.Close()
	}

	discordBot, err := services.NewDiscordBotService(cfg.Discord.Token, cfg.Discord.ChannelID, logger)
	if err != nil {
		logger.Warn("discord bot initialization failed, notifications disabled", zap.Error(err))
		discordBot = nil
	} else if discordBot.Enabled() {
		defer discordBot.Close()
		logger.Info("discord bot connected")
	}

	hub := transport.NewHub(transport.HubOptions{
		NodeID:          cfg.Node.ID,
		ProtocolVersion: cfg.Node.ProtocolVersion,
		MinPeerVersion:  cfg.Node.MinPeerVersion,
		InboundRate:     rate.Limit(cfg.Gossip.InboundRatePerSecond),
		InboundBurst:    cfg.Gossip.InboundBurst,
		WriteWait:       cfg.SendTimeoutDuration(),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, logger)

	deps := services.Deps{
		Config:  cfg,
		NodeID:  cfg.Node.ID,
		Logger:  logger,
		Metrics: metrics,
		Peers:   hub,
		Geo:     geo,
		SourceFactory: func(apiKey string) services.PriceSource {
			return services.NewPriceAPIClient(cfg, apiKey)
		},
	}

	// Redis is shared by co-located nodes; MongoDB backs it up.
	mongoUp := mongoService.Enabled()
	switch {
	case redisStore.Available():
		deps.SeenStore = redisStore
	case mongoUp:
		deps.SeenStore = mongoService
	}
	if cfg.Redis.Enabled {
		deps.PriceTiers = append(deps.PriceTiers, redisStore)
		deps.CoordinationStore = redisStore
	}
	if mongoUp {
		deps.PriceTiers = append(deps.PriceTiers, mongoService)
		deps.AlertStore = mongoService
	}
	if discordBot.Enabled() {
		deps.Notifier = discordBot
	}

	mesh, err := services.NewMeshPriceService(deps)
	if err != nil {
		logger.Fatal("failed to build mesh price service", zap.Error(err))
	}
	hub.SetHandler(mesh)

	if discordBot != nil {
		discordBot.SetStatusReporter(mesh.StatusLine)
	}

	redisStore.OnReconnect(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := mesh.PersistCache(ctx); err != nil {
			logger.Warn("cache resync after redis reconnect incomplete", zap.Error(err))
			return
		}
		logger.Info("price cache resynced to redis")
	})
	redisStore.StartHealthCheck()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mesh.Start(startCtx); err != nil {
		startCancel()
		logger.Fatal("failed to start mesh price service", zap.Error(err))
	}
	startCancel()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerMiddleware(logger))
	e.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	e.Use(middleware.RecoverMiddleware(logger))

	var archive handlers.AlertArchive
	if mongoUp {
		archive = mongoService
	}

	handlers.RegisterRoutes(e, handlers.Routes{
		Handler: handlers.NewHandler(cfg, mesh),
		Cache:   handlers.NewCacheHandlers(redisStore, mesh),
		Alerts:  handlers.NewAlertHandlers(mesh, archive),
		Events:  handlers.NewEventHandlers(mesh, hubOriginCheck(cfg.Server.AllowedOrigins), logger),
		Metrics: metrics.Handler(),
		Mesh:    hub.ServeWS,
	})

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		logger.Info("server running", zap.String("address", serverAddr))
		if err := e.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	dialer := transport.NewSeedDialer(hub, cfg.Server.SeedNodes, cfg.DialRetryDuration(), logger)
	dialer.Start(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("graceful shutdown initiated")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dialer.Stop()
	if err := mesh.Stop(ctx); err != nil {
		logger.Warn("mesh price service did not stop cleanly", zap.Error(err))
	}
	hub.Close()

	if err := e.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	logger.Info("server exited cleanly")
}

// hubOriginCheck mirrors the CORS policy for the event stream.
func hubOriginCheck(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}
