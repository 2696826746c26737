package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"message-debouncer/internal/domain"
	"message-debouncer/internal/usecase"
)

type TriggerProcessor interface {
	OnTrigger(ctx context.Context, ev domain.TriggerEvent) (usecase.Result, error)
}

// TriggerHandler consumes the delayed trigger queue.
type TriggerHandler struct {
	svc         TriggerProcessor
	logger      *slog.Logger
	concurrency int
}

func NewTriggerHandler(svc TriggerProcessor, logger *slog.Logger) (*TriggerHandler, error) {
	if svc == nil {
		return nil, errors.New("handler: flush service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerHandler{svc: svc, logger: logger, concurrency: defaultKeyConcurrency}, nil
}

func (h *TriggerHandler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	batch := newKeyedBatch[domain.TriggerEvent]()
	for _, rec := range ev.Records {
		logger := h.logger.With("correlation_id", rec.MessageId)

		var trigger domain.TriggerEvent
		if err := json.Unmarshal([]byte(rec.Body), &trigger); err != nil {
			logger.Warn("dropping malformed trigger", "err", err)
			continue
		}
		key, err := domain.NewConversationKey(trigger.TenantID, trigger.UserID)
		if err != nil {
			logger.Warn("dropping trigger without a valid key", "err", err)
			continue
		}
		batch.add(key, rec.MessageId, trigger)
	}

	failures := batch.process(ctx, h.concurrency, h.logger, func(ctx context.Context, logger *slog.Logger, trigger domain.TriggerEvent) error {
		res, err := h.svc.OnTrigger(ctx, trigger)
		if err != nil {
			return err
		}
		logger.Debug("trigger handled", "result", string(res), "batch_redelivery", trigger.Batch != nil)
		return nil
	})
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}
