package handler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/sync/errgroup"

	"message-debouncer/internal/domain"
	"message-debouncer/internal/usecase"
)

const defaultKeyConcurrency = 10

type keyedRecord[T any] struct {
	messageID string
	body      T
}

// keyedBatch groups the records of one SQS batch by conversation, keeping
// batch order within each conversation.
type keyedBatch[T any] struct {
	order  []domain.ConversationKey
	groups map[domain.ConversationKey][]keyedRecord[T]
}

func newKeyedBatch[T any]() *keyedBatch[T] {
	return &keyedBatch[T]{groups: make(map[domain.ConversationKey][]keyedRecord[T])}
}

func (b *keyedBatch[T]) add(key domain.ConversationKey, messageID string, body T) {
	if _, ok := b.groups[key]; !ok {
		b.order = append(b.order, key)
	}
	b.groups[key] = append(b.groups[key], keyedRecord[T]{messageID: messageID, body: body})
}

// process runs fn for every record. Conversations run concurrently, up to
// limit at a time; records of one conversation run in order. Once a record
// fails, the rest of its conversation is reported failed without running so a
// retry cannot reorder them.
func (b *keyedBatch[T]) process(ctx context.Context, limit int, logger *slog.Logger, fn func(context.Context, *slog.Logger, T) error) []events.SQSBatchItemFailure {
	var (
		mu       sync.Mutex
		failures []events.SQSBatchItemFailure
	)
	fail := func(ids ...string) {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range ids {
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: id})
		}
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, key := range b.order {
		records := b.groups[key]
		g.Go(func() error {
			for i, rec := range records {
				// Services add the conversation themselves.
				reqLogger := logger.With("correlation_id", rec.messageID)
				recLogger := reqLogger.With("conversation", key.String())
				err := fn(usecase.ContextWithLogger(ctx, reqLogger), recLogger, rec.body)
				if err == nil {
					continue
				}
				var ue *usecase.Error
				if errors.As(err, &ue) && !ue.Retryable() {
					recLogger.Warn("dropping invalid record", "err", err)
					continue
				}
				recLogger.Error("record failed, leaving it for redelivery", "err", err)
				ids := make([]string, 0, len(records)-i)
				for _, r := range records[i:] {
					ids = append(ids, r.messageID)
				}
				fail(ids...)
				return nil
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}
