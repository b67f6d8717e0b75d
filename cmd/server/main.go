// Package main runs the wellness session HTTP server with WebSocket fan-out
// and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mindhaven-health/backend/config"
	"github.com/mindhaven-health/backend/internal/attendance"
	"github.com/mindhaven-health/backend/internal/auth"
	"github.com/mindhaven-health/backend/internal/media"
	"github.com/mindhaven-health/backend/internal/middleware"
	"github.com/mindhaven-health/backend/internal/realtime"
	"github.com/mindhaven-health/backend/internal/rtc"
	"github.com/mindhaven-health/backend/internal/sessions"
	"github.com/mindhaven-health/backend/internal/signaling"
	"github.com/mindhaven-health/backend/internal/worker"
	"github.com/mindhaven-health/backend/pkg/database"
	"github.com/mindhaven-health/backend/pkg/queue"
	"github.com/mindhaven-health/backend/pkg/redis"
	"github.com/mindhaven-health/backend/pkg/response"
	"github.com/mindhaven-health/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ThumbnailsBucket:     cfg.AWS.ThumbnailsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Session catalog: persistent store behind an in-memory registry.
	sessionRepo := sessions.NewRepository(pool)
	registry := sessions.NewRegistry(sessionRepo, logger)
	catalog, err := sessionRepo.ListAll(ctx)
	if err != nil {
		logger.Fatal("load session catalog", zap.Error(err))
	}
	registry.Load(catalog)
	logger.Info("session catalog loaded", zap.Int("sessions", len(catalog)))

	// Attendance
	attendanceRepo := attendance.NewRepository(pool)
	attendanceHandler := attendance.NewHandler(attendanceRepo)

	// Call agent: every join opens a fresh peer against the external
	// signaling server, with file-backed capture nodes for local media.
	newCall := func(userID uuid.UUID) *rtc.Controller {
		transport := signaling.NewWebSocketTransport(cfg.Signaling.URL, userID.String(), logger)
		source := media.NewFileSource(cfg.Media.AudioPath, cfg.Media.VideoPath, cfg.Media.ScreenPath, logger)
		peer := rtc.NewPeer(cfg.WebRTC.ICEUrls, transport, source, logger)
		ctrl := rtc.NewController(peer, logger)
		ctrl.OnUpdate(func(state rtc.CallState) {
			if sessionID, err := uuid.Parse(state.SessionID); err == nil {
				hub.PublishSessionEvent(sessionID, "call_state", state)
			}
		})
		return ctrl
	}

	orchestrator := sessions.NewOrchestrator(registry, newCall, attendanceRepo, hub, logger)
	sessionHandler := sessions.NewHandler(registry, orchestrator, s3Client, logger)

	// Status sweeper runs in-process so scheduled sessions go live on time.
	sweeper := worker.NewSweeper(registry, jobQueue, hub,
		time.Duration(cfg.Worker.SweepIntervalSec)*time.Second,
		time.Duration(cfg.Worker.ReminderLeadMinutes)*time.Minute,
		logger)

	jwtValidate := func(token string) (userID, role string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.UserID.String(), claims.Role, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/therapists", authHandler.ListTherapists)

		// Session catalog
		api.GET("/sessions", sessionHandler.List)
		api.POST("/sessions", middleware.RequireRole("therapist", "admin"), sessionHandler.Create)
		api.GET("/sessions/:id", sessionHandler.GetByID)
		api.PATCH("/sessions/:id", middleware.RequireRole("therapist", "admin"), sessionHandler.Update)
		api.POST("/sessions/:id/cancel", middleware.RequireRole("therapist", "admin"), sessionHandler.Cancel)
		api.DELETE("/sessions/:id", middleware.RequireRole("therapist", "admin"), sessionHandler.Delete)
		api.GET("/sessions/:id/availability", sessionHandler.GetAvailability)
		api.GET("/sessions/:id/attendees", middleware.RequireRole("therapist", "admin"), attendanceHandler.GetAttendees)
		api.POST("/sessions/:id/thumbnail", middleware.RequireRole("therapist", "admin"), sessionHandler.UploadThumbnail)
		api.GET("/sessions/:id/thumbnail", sessionHandler.GetThumbnail)

		// Joining and the active call
		api.POST("/sessions/:id/join", sessionHandler.Join)
		api.POST("/sessions/leave", sessionHandler.Leave)
		api.GET("/call/state", sessionHandler.CallState)
		api.POST("/call/mute", sessionHandler.ToggleMute)
		api.POST("/call/video", sessionHandler.ToggleVideo)
		api.POST("/call/screen-share", sessionHandler.ToggleScreenShare)
		api.POST("/call/message", sessionHandler.SendMessage)
		api.POST("/call/end", sessionHandler.EndCall)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go sweeper.Run(sweepCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sweepCancel()
	orchestrator.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
