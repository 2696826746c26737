package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"message-debouncer/internal/domain"
	"message-debouncer/internal/queue"
	"message-debouncer/internal/repository"
)

const (
	maxClaimAttempts      = 3
	defaultRetryBaseDelay = 5 * time.Second
	firstHandoffAttempt   = 1
)

// FlushService drains a conversation buffer when its trigger fires and
// forwards the batch downstream.
type FlushService struct {
	store          BufferStore
	triggers       Publisher
	handoffs       Publisher
	defaultWindow  time.Duration
	retryBaseDelay time.Duration
	options
}

func NewFlushService(store BufferStore, triggers, handoffs Publisher, defaultWindow, retryBaseDelay time.Duration, opts ...Option) (*FlushService, error) {
	if store == nil {
		return nil, errors.New("usecase: buffer store must not be nil")
	}
	if triggers == nil {
		return nil, errors.New("usecase: trigger publisher must not be nil")
	}
	if handoffs == nil {
		return nil, errors.New("usecase: handoff publisher must not be nil")
	}
	if defaultWindow <= 0 {
		defaultWindow = DefaultWindow
	}
	if retryBaseDelay <= 0 {
		retryBaseDelay = defaultRetryBaseDelay
	}
	return &FlushService{
		store:          store,
		triggers:       triggers,
		handoffs:       handoffs,
		defaultWindow:  defaultWindow,
		retryBaseDelay: retryBaseDelay,
		options:        buildOptions(opts),
	}, nil
}

// OnTrigger handles one fired trigger. Duplicate and stale triggers resolve to
// ResultNoop; a trigger that fires while the burst is still going re-arms
// itself for the remaining quiet time.
func (s *FlushService) OnTrigger(ctx context.Context, ev domain.TriggerEvent) (Result, error) {
	key, err := domain.NewConversationKey(ev.TenantID, ev.UserID)
	if err != nil {
		return "", newError(ErrorInvalidInput, "invalid_key", err)
	}
	logger := s.loggerFor(ctx).With("conversation", key.String())

	if ev.Batch != nil {
		return s.redeliver(ctx, logger, key, *ev.Batch)
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		rec, err := s.store.Get(ctx, key)
		if errors.Is(err, repository.ErrNotFound) {
			logger.Debug("buffer already drained")
			return ResultNoop, nil
		}
		if err != nil {
			return "", newError(ErrorStore, "buffer_read_error", err)
		}

		now := s.clock()
		if quietUntil := rec.QuietUntil(s.defaultWindow); now.Before(quietUntil) {
			if superseded(ev, rec) {
				logger.Debug("trigger superseded by a newer schedule")
				return ResultNoop, nil
			}
			return s.rearm(ctx, logger, key, rec, quietUntil.Sub(now), now)
		}

		claimed, err := s.store.Claim(ctx, key, rec.UpdatedAt)
		if errors.Is(err, repository.ErrConditionFailed) || errors.Is(err, repository.ErrNotFound) {
			// Drained by a duplicate trigger, or extended by a late append.
			logger.Debug("claim lost, re-reading buffer", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return "", newError(ErrorStore, "buffer_claim_error", err)
		}
		return s.forward(ctx, logger, key, claimed, now)
	}
	return "", newError(ErrorStore, "claim_contention", nil)
}

func (s *FlushService) rearm(ctx context.Context, logger *slog.Logger, key domain.ConversationKey, rec domain.BufferRecord, delay time.Duration, now time.Time) (Result, error) {
	if err := s.store.MarkScheduled(ctx, key, rec.FlushScheduledAt, now); err != nil {
		if errors.Is(err, repository.ErrConditionFailed) {
			logger.Debug("burst extended and already re-armed elsewhere")
			return ResultNoop, nil
		}
		return "", newError(ErrorStore, "schedule_claim_error", err)
	}
	if err := s.triggers.Send(ctx, triggerFor(key, now), delay); err != nil {
		releaseSchedule(ctx, s.store, logger, key, now)
		return "", newError(ErrorQueue, "trigger_enqueue_error", err)
	}
	logger.Info("burst extended, flush re-armed", "delay", delay.String())
	return ResultRescheduled, nil
}

// forward hands a claimed batch downstream. The buffer is already gone at this
// point, so a failed forward must move the batch somewhere durable: first the
// trigger queue as a batch redelivery, then back into the buffer.
func (s *FlushService) forward(ctx context.Context, logger *slog.Logger, key domain.ConversationKey, rec domain.BufferRecord, now time.Time) (Result, error) {
	if len(rec.Messages) == 0 {
		return ResultNoop, nil
	}
	h := domain.Handoff{
		BatchID:      newBatchID(),
		TenantID:     key.TenantID,
		UserID:       key.UserID,
		Messages:     rec.Messages,
		CombinedText: domain.CombineMessages(rec.Messages),
		WhatsAppMeta: rec.Meta,
		Attempt:      firstHandoffAttempt,
	}
	logger = logger.With("batch_id", h.BatchID)

	fwdErr := s.handoffs.Send(ctx, h, 0)
	if fwdErr == nil {
		logger.Info("buffer flushed", "messages", len(h.Messages))
		return ResultFlushed, nil
	}
	logger.Warn("handoff failed, requeueing batch", "err", fwdErr)

	retry := h
	retry.Attempt++
	ev := domain.TriggerEvent{TenantID: key.TenantID, UserID: key.UserID, Batch: &retry}
	requeueErr := s.triggers.Send(ctx, ev, s.retryDelay(h.Attempt))
	if requeueErr == nil {
		return ResultRequeued, nil
	}
	logger.Error("batch requeue failed, restoring buffer", "err", requeueErr)

	window := rec.DebounceWindow
	if window <= 0 {
		window = s.defaultWindow
	}
	if err := s.store.Restore(ctx, key, repository.RestoreInput{
		Messages: rec.Messages,
		Window:   window,
		Meta:     rec.Meta,
	}, now); err != nil {
		logger.Error("batch could not be delivered, requeued or restored",
			"err", err, "messages", h.Messages)
		return "", newError(ErrorDownstream, "handoff_lost", errors.Join(fwdErr, requeueErr, err))
	}
	if err := s.triggers.Send(ctx, triggerFor(key, now), window); err != nil {
		// Restore left a schedule claim with no trigger behind it. Dropping it
		// lets the redelivered trigger re-arm instead of reading as superseded.
		releaseSchedule(ctx, s.store, logger, key, now)
		return "", newError(ErrorQueue, "trigger_enqueue_error", err)
	}
	return ResultRestored, nil
}

// redeliver retries a batch that was claimed by an earlier trigger. Failures
// are returned so the queue redelivers the event, which carries the payload.
func (s *FlushService) redeliver(ctx context.Context, logger *slog.Logger, key domain.ConversationKey, h domain.Handoff) (Result, error) {
	if h.TenantID != key.TenantID || h.UserID != key.UserID {
		return "", newError(ErrorInvalidInput, "batch_key_mismatch", nil)
	}
	if len(h.Messages) == 0 {
		return ResultNoop, nil
	}
	logger = logger.With("batch_id", h.BatchID, "attempt", h.Attempt)
	if err := s.handoffs.Send(ctx, h, 0); err != nil {
		logger.Warn("batch redelivery failed", "err", err)
		return "", newError(ErrorDownstream, "handoff_error", err)
	}
	logger.Info("requeued batch delivered", "messages", len(h.Messages))
	return ResultFlushed, nil
}

// superseded reports whether another trigger was enqueued after ev and now
// owns the schedule. Triggers without ScheduledAt are never superseded.
func superseded(ev domain.TriggerEvent, rec domain.BufferRecord) bool {
	if ev.ScheduledAt == nil || rec.FlushScheduledAt == nil {
		return false
	}
	return ev.ScheduledAt.UnixMilli() != rec.FlushScheduledAt.UnixMilli()
}

func (s *FlushService) retryDelay(attempt int) time.Duration {
	d := s.retryBaseDelay
	for i := 1; i < attempt && d < queue.MaxDelay; i++ {
		d *= 2
	}
	if d > queue.MaxDelay {
		d = queue.MaxDelay
	}
	return d
}
