package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"message-debouncer/internal/domain"
	"message-debouncer/internal/queue"
	"message-debouncer/internal/repository"
)

// WindowSource resolves the debounce window for a tenant.
type WindowSource interface {
	Window(ctx context.Context, tenantID string) time.Duration
}

// MessageInput is one inbound message for a validated key.
type MessageInput struct {
	Key       domain.ConversationKey
	Text      string
	MessageID string
	Meta      *domain.WhatsAppMeta
	Window    time.Duration
}

// DebounceService buffers inbound messages and schedules at most one active
// flush trigger per conversation.
type DebounceService struct {
	store    BufferStore
	triggers Publisher
	windows  WindowSource
	options
}

func NewDebounceService(store BufferStore, triggers Publisher, windows WindowSource, opts ...Option) (*DebounceService, error) {
	if store == nil {
		return nil, errors.New("usecase: buffer store must not be nil")
	}
	if triggers == nil {
		return nil, errors.New("usecase: trigger publisher must not be nil")
	}
	if windows == nil {
		return nil, errors.New("usecase: window source must not be nil")
	}
	return &DebounceService{
		store:    store,
		triggers: triggers,
		windows:  windows,
		options:  buildOptions(opts),
	}, nil
}

// Ingest validates an inbound event and buffers it with the tenant's window.
func (s *DebounceService) Ingest(ctx context.Context, msg domain.InboundMessage) (Result, error) {
	key, err := domain.NewConversationKey(msg.TenantID, msg.UserID)
	if err != nil {
		return "", newError(ErrorInvalidInput, "invalid_key", err)
	}
	return s.OnMessage(ctx, MessageInput{
		Key:       key,
		Text:      msg.Text,
		MessageID: strings.TrimSpace(msg.MessageID),
		Meta:      msg.WhatsAppMeta,
		Window:    s.windows.Window(ctx, key.TenantID),
	})
}

// OnMessage appends the message to the key's buffer and, unless a trigger is
// already active, claims the schedule and enqueues a trigger delayed by the
// window. Repeating the whole call for the same MessageID is safe.
func (s *DebounceService) OnMessage(ctx context.Context, in MessageInput) (Result, error) {
	if strings.TrimSpace(in.Text) == "" {
		return "", newError(ErrorInvalidInput, "empty_text", nil)
	}
	if in.Window <= 0 || in.Window > queue.MaxDelay {
		return "", newError(ErrorInvalidInput, "invalid_window", nil)
	}
	logger := s.loggerFor(ctx).With("conversation", in.Key.String())
	now := s.clock()

	rec, err := s.store.Append(ctx, in.Key, repository.AppendInput{
		Text:      in.Text,
		MessageID: in.MessageID,
		Window:    in.Window,
		Meta:      in.Meta,
	}, now)
	redelivered := errors.Is(err, repository.ErrAlreadyAppended)
	if redelivered {
		logger.Info("message already buffered", "message_id", in.MessageID)
		if rec.Key != in.Key {
			rec, err = s.store.Get(ctx, in.Key)
			if errors.Is(err, repository.ErrNotFound) {
				return ResultCoalesced, nil
			}
		} else {
			err = nil
		}
	}
	if err != nil {
		return "", newError(ErrorStore, "buffer_append_error", err)
	}

	if redelivered && rec.ScheduleActive(now, in.Window) {
		// The first delivery may have claimed the schedule and then failed to
		// enqueue. Re-send the trigger for the existing claim; a duplicate is
		// absorbed by the claim.
		return s.resendTrigger(ctx, logger, in, rec, now)
	}
	if rec.ScheduleActive(now, in.Window) {
		logger.Debug("flush already scheduled", "buffered", len(rec.Messages))
		return ResultCoalesced, nil
	}

	if err := s.store.MarkScheduled(ctx, in.Key, rec.FlushScheduledAt, now); err != nil {
		if errors.Is(err, repository.ErrConditionFailed) {
			logger.Debug("schedule claimed by a concurrent invocation")
			return ResultCoalesced, nil
		}
		return "", newError(ErrorStore, "schedule_claim_error", err)
	}

	if err := s.triggers.Send(ctx, triggerFor(in.Key, now), in.Window); err != nil {
		releaseSchedule(ctx, s.store, logger, in.Key, now)
		return "", newError(ErrorQueue, "trigger_enqueue_error", err)
	}

	logger.Info("flush scheduled", "delay", in.Window.String(), "buffered", len(rec.Messages))
	return ResultScheduled, nil
}

func (s *DebounceService) resendTrigger(ctx context.Context, logger *slog.Logger, in MessageInput, rec domain.BufferRecord, now time.Time) (Result, error) {
	scheduledAt := *rec.FlushScheduledAt
	delay := scheduledAt.Add(in.Window).Sub(now)
	if delay < 0 {
		delay = 0
	}
	if err := s.triggers.Send(ctx, triggerFor(in.Key, scheduledAt), delay); err != nil {
		return "", newError(ErrorQueue, "trigger_enqueue_error", err)
	}
	logger.Info("trigger re-sent for redelivered message", "delay", delay.String())
	return ResultScheduled, nil
}
