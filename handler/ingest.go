package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"message-debouncer/internal/domain"
	"message-debouncer/internal/usecase"
)

type Ingester interface {
	Ingest(ctx context.Context, msg domain.InboundMessage) (usecase.Result, error)
}

// IngestHandler consumes the inbound message queue.
type IngestHandler struct {
	svc         Ingester
	logger      *slog.Logger
	concurrency int
}

func NewIngestHandler(svc Ingester, logger *slog.Logger) (*IngestHandler, error) {
	if svc == nil {
		return nil, errors.New("handler: ingest service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandler{svc: svc, logger: logger, concurrency: defaultKeyConcurrency}, nil
}

// Handle buffers every record of the batch and reports the ones that should be
// redelivered. Malformed records are logged and acknowledged.
func (h *IngestHandler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	batch := newKeyedBatch[domain.InboundMessage]()
	for _, rec := range ev.Records {
		logger := h.logger.With("correlation_id", rec.MessageId)

		var msg domain.InboundMessage
		if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
			logger.Warn("dropping malformed inbound record", "err", err)
			continue
		}
		key, err := domain.NewConversationKey(msg.TenantID, msg.UserID)
		if err != nil {
			logger.Warn("dropping inbound record without a valid key", "err", err)
			continue
		}
		if strings.TrimSpace(msg.Text) == "" {
			logger.Warn("dropping inbound record without text", "conversation", key.String())
			continue
		}
		if strings.TrimSpace(msg.MessageID) == "" {
			msg.MessageID = rec.MessageId
		}
		batch.add(key, rec.MessageId, msg)
	}

	failures := batch.process(ctx, h.concurrency, h.logger, func(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage) error {
		res, err := h.svc.Ingest(ctx, msg)
		if err != nil {
			return err
		}
		logger.Debug("inbound message handled", "result", string(res), "message_id", msg.MessageID)
		return nil
	})
	if len(failures) > 0 {
		h.logger.Warn("inbound batch partially failed", "failed", len(failures), "records", len(ev.Records))
	}
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}
