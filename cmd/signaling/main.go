package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/auth"
	"github.com/mossy-p/call-signaling/internal/calls"
	"github.com/mossy-p/call-signaling/internal/handlers"
	"github.com/mossy-p/call-signaling/internal/history"
	"github.com/mossy-p/call-signaling/internal/redis"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/room"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger := newLogger(cfg)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	logger.Info().Str("host", cfg.Redis.Host).Msg("Redis connection established")

	var store history.Store = history.NewRedisStore(rdb, cfg.History.TTL)
	if cfg.S3.Bucket != "" {
		s3Client, err := history.NewS3Client(ctx, history.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to configure S3 archive")
		}
		store = history.NewArchivingStore(store, history.NewArchiver(s3Client, cfg.S3.Bucket, cfg.S3.Prefix), logger)
		logger.Info().Str("bucket", cfg.S3.Bucket).Msg("Call archive enabled")
	}

	recorder := history.NewRecorder(store, history.RecorderOptions{
		Workers:   cfg.History.RecorderWorkers,
		QueueSize: cfg.History.RecorderQueue,
	}, logger)

	svc := calls.New(registry.New(logger), recorder, calls.Options{
		Room: room.Options{
			DefaultMaxSize: cfg.Rooms.DefaultMaxSize,
			MaxRoomSize:    cfg.Rooms.MaxRoomSize,
			PasswordCost:   cfg.Rooms.PasswordCost,
		},
		PendingTimeout: cfg.Rooms.PendingTimeout,
		SweepInterval:  cfg.Rooms.PendingSweepInterval,
	}, logger)
	go svc.RunSweeper(ctx)

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	deps := handlers.Deps{
		Service:        svc,
		Verifier:       auth.NewJWTVerifier(cfg.JWTSecret),
		History:        store,
		AllowedOrigins: cfg.AllowedOrigins,
		WS: handlers.WSConfig{
			ReadLimit:    cfg.WebSocket.ReadLimit,
			PongWait:     cfg.WebSocket.PongWait,
			PingInterval: cfg.WebSocket.PingInterval,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
			SendBuffer:   cfg.WebSocket.SendBuffer,
		},
		Logger: logger,
	}
	// Production tokens come from the identity provider.
	if cfg.LoginEnabled() {
		deps.Issuer = auth.NewIssuer(cfg.JWTSecret, 24*time.Hour)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Starting call signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	recorder.Close()
	logger.Info().
		Uint64("written", recorder.Written()).
		Uint64("dropped", recorder.Dropped()).
		Msg("Server exited")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var l zerolog.Logger
	if cfg.IsProduction() {
		l = zerolog.New(os.Stdout)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	}
	return l.Level(level).With().Timestamp().Caller().Logger()
}
