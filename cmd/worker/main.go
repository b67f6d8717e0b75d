// Package main runs the background worker: session reminders and
// attendance rollups.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mindhaven-health/backend/config"
	"github.com/mindhaven-health/backend/internal/attendance"
	"github.com/mindhaven-health/backend/internal/realtime"
	"github.com/mindhaven-health/backend/internal/worker"
	"github.com/mindhaven-health/backend/pkg/database"
	"github.com/mindhaven-health/backend/pkg/queue"
	"github.com/mindhaven-health/backend/pkg/redis"
)

// pubsubNotifier delivers reminder events to session rooms through the same
// Redis channels the server instances subscribe to.
type pubsubNotifier struct {
	ps *realtime.RedisPubSub
}

func (n *pubsubNotifier) NotifySession(_ context.Context, sessionID uuid.UUID, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return n.ps.PublishSessionChannel(sessionID, event, body)
}

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jobQueue := queue.NewQueue(rdb.Client, logger)
	attendanceRepo := attendance.NewRepository(pool)
	notifier := &pubsubNotifier{ps: realtime.NewRedisPubSub(rdb.Client, logger)}

	processor := worker.NewJobProcessor(attendanceRepo, jobQueue, notifier, logger)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("worker started")
	processor.Run(ctx)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
