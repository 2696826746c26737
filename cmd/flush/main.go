package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"message-debouncer/handler"
	"message-debouncer/internal/queue"
	"message-debouncer/internal/repository"
	"message-debouncer/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := newLogger()

	bufferTable := mustEnv("BUFFER_TABLE")
	triggerQueueURL := mustEnv("TRIGGER_QUEUE_URL")
	handoffQueueURL := mustEnv("HANDOFF_QUEUE_URL")
	debounceSeconds := envInt("DEBOUNCE_SECONDS", 10)
	retryBaseSeconds := envInt("RETRY_BASE_DELAY_SECONDS", 5)

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// Restore rewrites the ttl, so it must match the ingest side.
	bufferStore, err := repository.New(awsdynamodb.NewFromConfig(cfg), bufferTable,
		repository.WithTTL(bufferTTL()))
	if err != nil {
		slog.Error("failed to create buffer store", "err", err)
		os.Exit(1)
	}
	sqsClient := awssqs.NewFromConfig(cfg)
	triggers, err := queue.New(sqsClient, triggerQueueURL)
	if err != nil {
		slog.Error("failed to create trigger publisher", "err", err)
		os.Exit(1)
	}
	handoffs, err := queue.New(sqsClient, handoffQueueURL)
	if err != nil {
		slog.Error("failed to create handoff publisher", "err", err)
		os.Exit(1)
	}

	// Buffers record their own window; this only covers records written
	// without one.
	flushService, err := usecase.NewFlushService(bufferStore, triggers, handoffs,
		time.Duration(debounceSeconds)*time.Second, time.Duration(retryBaseSeconds)*time.Second,
		usecase.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create flush service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewTriggerHandler(flushService, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// bufferTTL reads BUFFER_TTL_HOURS with the same default as cmd/ingest.
func bufferTTL() time.Duration {
	return time.Duration(envInt("BUFFER_TTL_HOURS", 24*7)) * time.Hour
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
