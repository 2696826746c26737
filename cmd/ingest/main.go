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
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"message-debouncer/handler"
	"message-debouncer/internal/integrations/paramstore"
	"message-debouncer/internal/queue"
	"message-debouncer/internal/repository"
	"message-debouncer/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := newLogger()

	// ---- Configuration (read only here) ----
	bufferTable := mustEnv("BUFFER_TABLE")
	triggerQueueURL := mustEnv("TRIGGER_QUEUE_URL")
	paramPrefix := os.Getenv("PARAM_PREFIX")
	debounceSeconds := envInt("DEBOUNCE_SECONDS", 10)
	ttlHours := envInt("BUFFER_TTL_HOURS", 24*7)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	bufferStore, err := repository.New(awsdynamodb.NewFromConfig(cfg), bufferTable,
		repository.WithTTL(time.Duration(ttlHours)*time.Hour))
	if err != nil {
		slog.Error("failed to create buffer store", "err", err)
		os.Exit(1)
	}
	triggers, err := queue.New(awssqs.NewFromConfig(cfg), triggerQueueURL)
	if err != nil {
		slog.Error("failed to create trigger publisher", "err", err)
		os.Exit(1)
	}

	// Per-tenant overrides are only read when a parameter prefix is configured.
	var settings usecase.TenantSettings
	if paramPrefix != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg), paramPrefix)
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		settings = ssmClient
	}
	windows, err := usecase.NewWindowResolver(settings, time.Duration(debounceSeconds)*time.Second, logger)
	if err != nil {
		slog.Error("invalid debounce window", "err", err, "seconds", debounceSeconds)
		os.Exit(1)
	}

	// ---- Handler ----
	debounceService, err := usecase.NewDebounceService(bufferStore, triggers, windows, usecase.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create debounce service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewIngestHandler(debounceService, logger)
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
