package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"message-debouncer/internal/domain"
	"message-debouncer/internal/repository"
)

// Result describes what an invocation did. Every non-error result means the
// triggering event can be acknowledged.
type Result string

const (
	ResultScheduled   Result = "scheduled"
	ResultCoalesced   Result = "coalesced"
	ResultFlushed     Result = "flushed"
	ResultRescheduled Result = "rescheduled"
	ResultRequeued    Result = "requeued"
	ResultRestored    Result = "restored"
	ResultNoop        Result = "noop"
)

// BufferStore is the conversation buffer persistence consumed by the services.
// Every method must be a single atomic operation against the store.
type BufferStore interface {
	Append(ctx context.Context, key domain.ConversationKey, in repository.AppendInput, now time.Time) (domain.BufferRecord, error)
	Get(ctx context.Context, key domain.ConversationKey) (domain.BufferRecord, error)
	MarkScheduled(ctx context.Context, key domain.ConversationKey, observed *time.Time, now time.Time) error
	ReleaseSchedule(ctx context.Context, key domain.ConversationKey, at time.Time) error
	Claim(ctx context.Context, key domain.ConversationKey, observedUpdatedAt time.Time) (domain.BufferRecord, error)
	Restore(ctx context.Context, key domain.ConversationKey, in repository.RestoreInput, now time.Time) error
}

// Publisher enqueues a JSON event with a delivery delay.
type Publisher interface {
	Send(ctx context.Context, body any, delay time.Duration) error
}

// Option customizes a service.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type loggerKey struct{}

// ContextWithLogger attaches a request-scoped logger. Services log through it
// instead of their own logger, so their lines carry the caller's attributes.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFromContext returns the logger attached by ContextWithLogger.
func LoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerKey{}).(*slog.Logger)
	return logger, ok && logger != nil
}

func (o options) loggerFor(ctx context.Context) *slog.Logger {
	if logger, ok := LoggerFromContext(ctx); ok {
		return logger
	}
	return o.logger
}

// clock returns the current time at the store's millisecond precision, so
// values written and later compared in conditions round-trip exactly.
func (o options) clock() time.Time {
	return o.now().UTC().Truncate(time.Millisecond)
}

// releaseTimeout bounds a schedule release that runs after the caller's
// context may already be done.
const releaseTimeout = 2 * time.Second

// releaseSchedule gives up a schedule claim whose trigger could not be
// enqueued. It runs detached from ctx: the enqueue usually failed because ctx
// expired, and a claim left behind would strand the buffer until it goes stale.
func releaseSchedule(ctx context.Context, store BufferStore, logger *slog.Logger, key domain.ConversationKey, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := store.ReleaseSchedule(ctx, key, at); err != nil {
		logger.Error("failed to release schedule claim", "err", err)
	}
}

func triggerFor(key domain.ConversationKey, scheduledAt time.Time) domain.TriggerEvent {
	return domain.TriggerEvent{TenantID: key.TenantID, UserID: key.UserID, ScheduledAt: &scheduledAt}
}

var newBatchID = func() string {
	return uuid.NewString()
}
