package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chess-arena/internal/auth"
	"chess-arena/internal/bus"
	"chess-arena/internal/clock"
	"chess-arena/internal/config"
	"chess-arena/internal/db"
	"chess-arena/internal/engine"
	"chess-arena/internal/game"
	"chess-arena/internal/handlers"
	"chess-arena/internal/matchmaking"
	"chess-arena/internal/middleware"
	"chess-arena/internal/pipeline"
	"chess-arena/internal/services"
	"chess-arena/internal/store"
)

func main() {
	env := config.GetEnv()
	cfg, err := config.Load(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if cfg.Environment == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	hostname, _ := os.Hostname()
	nodeID := hostname + "-" + uuid.NewString()[:8]
	logger = logger.With(zap.String("nodeId", nodeID))
	logger.Info("starting arena server", zap.String("env", cfg.Environment))

	mongodb, err := db.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database, logger)
	if err != nil {
		logger.Fatal("mongodb connect failed", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mongodb.Close(ctx)
	}()

	gameStore := db.NewGameStore(mongodb)
	profileStore := db.NewProfileStore(mongodb)
	deadLetters := db.NewDeadLetterStore(mongodb)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	live := store.NewLiveStore(rdb, logger)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := live.Ping(ctx)
		cancel()
		if err != nil {
			logger.Fatal("redis connect failed", zap.Error(err))
		}
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	eventBus, err := bus.New(startCtx, cfg.NATS.URL, nodeID, logger)
	startCancel()
	if err != nil {
		logger.Fatal("event bus init failed", zap.Error(err))
	}
	defer eventBus.Close()

	clocks := clock.NewManager(logger)
	defer clocks.Stop()

	eng := engine.NewNotnilEngine()
	core := game.NewCore(nodeID, live, profileStore, eng, clocks, eventBus, logger)
	mm := matchmaking.New(nodeID, live, core, profileStore, gameStore, eventBus, logger)

	pl := pipeline.New(nodeID, gameStore, profileStore, deadLetters, eventBus, logger)
	pl.Start()
	// events that cannot reach NATS still reach the local pipeline
	eventBus.SetLocalSink(func(env bus.Envelope) { pl.Handle(env) })

	consumeCtx, consumeCancel := context.WithCancel(context.Background())
	defer consumeCancel()
	if eventBus.Connected() {
		if err := eventBus.ConsumePipeline(consumeCtx, "persistence", pl.Handle); err != nil {
			logger.Fatal("pipeline consumer init failed", zap.Error(err))
		}
	} else {
		logger.Warn("event bus offline, running in single node mode")
	}

	tokens := auth.NewTokenService(cfg.JWT.AccessSecret, 0)
	ws := handlers.NewSocketHandler(nodeID, tokens, core, mm, clocks, live, profileStore, eventBus, logger)
	if eventBus.Connected() {
		if err := ws.SubscribeBus(); err != nil {
			logger.Fatal("bus subscription failed", zap.Error(err))
		}
	}

	// the socket handler owns the scanner callbacks, so the scanner
	// starts only once it exists
	clocks.Start()

	sweeper := services.NewSweeper(nodeID, live, core, clocks, gameStore, eventBus, logger)
	sweeper.Start()

	rest := handlers.NewRESTHandler(profileStore, gameStore, live, logger)
	limiter := middleware.NewRateLimiter()
	defer limiter.Stop()
	router := handlers.NewRouter(ws, rest, cfg.Frontend.URL, limiter, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}
	ws.Hub().CloseAll()
	sweeper.Stop()
	consumeCancel()
	// the pipeline flush runs last so every event already in flight
	// reaches the durable store
	pl.Stop(shutdownCtx)

	logger.Info("server stopped")
}
