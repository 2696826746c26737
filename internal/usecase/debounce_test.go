package usecase

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"message-debouncer/internal/domain"
	"message-debouncer/internal/repository"
)

const window = 10 * time.Second

func newTestDebounce(t *testing.T, store BufferStore, triggers Publisher, clock *fakeClock) *DebounceService {
	t.Helper()
	svc, err := NewDebounceService(store, triggers, fixedWindow(window), WithClock(clock.Now))
	require.NoError(t, err)
	return svc
}

func msgIn(text, id string) MessageInput {
	return MessageInput{Key: testKey, Text: text, MessageID: id, Window: window}
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func TestNewDebounceService_ValidatesDependencies(t *testing.T) {
	_, err := NewDebounceService(nil, &fakePublisher{}, fixedWindow(window))
	require.Error(t, err)
	_, err = NewDebounceService(newMemStore(), nil, fixedWindow(window))
	require.Error(t, err)
	_, err = NewDebounceService(newMemStore(), &fakePublisher{}, nil)
	require.Error(t, err)
}

func TestOnMessage_FirstMessageSchedulesTrigger(t *testing.T) {
	store, triggers, clock := newMemStore(), &fakePublisher{}, newFakeClock(t0)
	svc := newTestDebounce(t, store, triggers, clock)

	res, err := svc.OnMessage(context.Background(), msgIn("hola", "m-1"))
	require.NoError(t, err)
	require.Equal(t, ResultScheduled, res)

	sent := triggers.messages()
	require.Len(t, sent, 1)
	require.Equal(t, window, sent[0].delay)
	ev := sent[0].body.(domain.TriggerEvent)
	require.Equal(t, "clinic-1", ev.TenantID)
	require.Equal(t, "5511999", ev.UserID)
	require.True(t, t0.Equal(*ev.ScheduledAt))
	require.Nil(t, ev.Batch)

	rec, ok := store.record(testKey)
	require.True(t, ok)
	require.Equal(t, []string{"hola"}, rec.Messages)
	require.NotNil(t, rec.FlushScheduledAt)
	require.True(t, t0.Equal(*rec.FlushScheduledAt))
}

func TestOnMessage_WithinWindowCoalesces(t *testing.T) {
	store, triggers, clock := newMemStore(), &fakePublisher{}, newFakeClock(t0)
	svc := newTestDebounce(t, store, triggers, clock)

	_, err := svc.OnMessage(context.Background(), msgIn("a", "m-1"))
	require.NoError(t, err)
	clock.Set(t0.Add(2 * time.Second))
	res, err := svc.OnMessage(context.Background(), msgIn("b", "m-2"))
	require.NoError(t, err)
	require.Equal(t, ResultCoalesced, res)

	require.Len(t, triggers.messages(), 1)
	rec, _ := store.record(testKey)
	require.Equal(t, []string{"a", "b"}, rec.Messages)
}

func TestOnMessage_StaleScheduleIsReplaced(t *testing.T) {
	store, triggers, clock := newMemStore(), &fakePublisher{}, newFakeClock(t0)
	svc := newTestDebounce(t, store, triggers, clock)

	_, err := svc.OnMessage(context.Background(), msgIn("a", "m-1"))
	require.NoError(t, err)
	clock.Set(t0.Add(window))
	res, err := svc.OnMessage(context.Background(), msgIn("b", "m-2"))
	require.NoError(t, err)
	require.Equal(t, ResultScheduled, res)
	require.Len(t, triggers.messages(), 2)

	rec, _ := store.record(testKey)
	require.True(t, t0.Add(window).Equal(*rec.FlushScheduledAt))
}

func TestOnMessage_RedeliveredMessageIsNotAppendedTwice(t *testing.T) {
	store, triggers, clock := newMemStore(), &fakePublisher{}, newFakeClock(t0)
	svc := newTestDebounce(t, store, triggers, clock)

	_, err := svc.OnMessage(context.Background(), msgIn("a", "m-1"))
	require.NoError(t, err)
	clock.Set(t0.Add(4 * time.Second))
	res, err := svc.OnMessage(context.Background(), msgIn("a", "m-1"))
	require.NoError(t, err)
	require.Equal(t, ResultScheduled, res)

	rec, _ := store.record(testKey)
	require.Equal(t, []string{"a"}, rec.Messages)
	require.True(t, t0.Equal(*rec.FlushScheduledAt))

	// The redelivery re-sends the trigger for the existing claim.
	sent := triggers.messages()
	require.Len(t, sent, 2)
	require.Equal(t, 6*time.Second, sent[1].delay)
	require.True(t, t0.Equal(*sent[1].body.(domain.TriggerEvent).ScheduledAt))
}

func TestOnMessage_EnqueueFailureReleasesScheduleAndRetrySchedules(t *testing.T) {
	store, clock := newMemStore(), newFakeClock(t0)
	triggers := &fakePublisher{errs: []error{errors.New("sqs unavailable")}}
	svc := newTestDebounce(t, store, triggers, clock)

	_, err := svc.OnMessage(context.Background(), msgIn("a", "m-1"))
	expectError(t, err, ErrorQueue, "trigger_enqueue_error")
	rec, _ := store.record(testKey)
	require.Nil(t, rec.FlushScheduledAt)
	require.Equal(t, []string{"a"}, rec.Messages)

	// Redelivery of the same inbound message.
	res, err := svc.OnMessage(context.Background(), msgIn("a", "m-1"))
	require.NoError(t, err)
	require.Equal(t, ResultScheduled, res)
	rec, _ = store.record(testKey)
	require.Equal(t, []string{"a"}, rec.Messages)
	require.Len(t, triggers.messages(), 1)
}

func TestOnMessage_UnreleasedClaimIsRecoveredByRedelivery(t *testing.T) {
	store, clock := newMemStore(), newFakeClock(t0)
	store.releaseErr = errors.New("dynamodb timeout")
	triggers := &fakePublisher{errs: []error{errors.New("context deadline exceeded")}}
	svc := newTestDebounce(t, store, triggers, clock)

	_, err := svc.OnMessage(context.Background(), msgIn("a", "m-1"))
	expectError(t, err, ErrorQueue, "trigger_enqueue_error")
	rec, _ := store.record(testKey)
	require.NotNil(t, rec.FlushScheduledAt)

	clock.Set(t0.Add(5 * time.Second))
	res, err := svc.OnMessage(context.Background(), msgIn("a", "m-1"))
	require.NoError(t, err)
	require.Equal(t, ResultScheduled, res)

	sent := triggers.messages()
	require.Len(t, sent, 1)
	require.Equal(t, 5*time.Second, sent[0].delay)
	require.True(t, t0.Equal(*sent[0].body.(domain.TriggerEvent).ScheduledAt))

	rec, _ = store.record(testKey)
	require.Equal(t, []string{"a"}, rec.Messages)
}

func TestOnMessage_ReleaseOutlivesCanceledContext(t *testing.T) {
	store, clock := newMemStore(), newFakeClock(t0)
	triggers := &fakePublisher{errs: []error{context.Canceled}}
	svc := newTestDebounce(t, store, triggers, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.OnMessage(ctx, msgIn("a", "m-1"))
	expectError(t, err, ErrorQueue, "trigger_enqueue_error")

	require.Equal(t, []error{nil}, store.releaseCtxErrs)
	rec, _ := store.record(testKey)
	require.Nil(t, rec.FlushScheduledAt)
}

func TestOnMessage_LostScheduleClaimCoalesces(t *testing.T) {
	store, triggers, clock := newMemStore(), &fakePublisher{}, newFakeClock(t0)
	store.markErr = repository.ErrConditionFailed
	svc := newTestDebounce(t, store, triggers, clock)

	res, err := svc.OnMessage(context.Background(), msgIn("a", "m-1"))
	require.NoError(t, err)
	require.Equal(t, ResultCoalesced, res)
	require.Empty(t, triggers.messages())
}

func TestOnMessage_StoreErrors(t *testing.T) {
	store, clock := newMemStore(), newFakeClock(t0)
	store.appendErr = errors.New("dynamodb down")
	svc := newTestDebounce(t, store, &fakePublisher{}, clock)
	_, err := svc.OnMessage(context.Background(), msgIn("a", "m-1"))
	expectError(t, err, ErrorStore, "buffer_append_error")

	store = newMemStore()
	store.markErr = errors.New("throttled")
	svc = newTestDebounce(t, store, &fakePublisher{}, clock)
	_, err = svc.OnMessage(context.Background(), msgIn("a", "m-1"))
	expectError(t, err, ErrorStore, "schedule_claim_error")
}

func TestOnMessage_ValidationErrors(t *testing.T) {
	svc := newTestDebounce(t, newMemStore(), &fakePublisher{}, newFakeClock(t0))

	_, err := svc.OnMessage(context.Background(), msgIn("  ", "m-1"))
	expectError(t, err, ErrorInvalidInput, "empty_text")

	in := msgIn("a", "m-1")
	in.Window = 0
	_, err = svc.OnMessage(context.Background(), in)
	expectError(t, err, ErrorInvalidInput, "invalid_window")

	in.Window = time.Hour
	_, err = svc.OnMessage(context.Background(), in)
	expectError(t, err, ErrorInvalidInput, "invalid_window")
}

func TestOnMessage_LogsThroughContextLogger(t *testing.T) {
	var buf bytes.Buffer
	reqLogger := slog.New(slog.NewJSONHandler(&buf, nil)).With("correlation_id", "sqs-42")
	svc := newTestDebounce(t, newMemStore(), &fakePublisher{}, newFakeClock(t0))

	_, err := svc.OnMessage(ContextWithLogger(context.Background(), reqLogger), msgIn("a", "m-1"))
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"msg":"flush scheduled"`)
	require.Contains(t, buf.String(), `"correlation_id":"sqs-42"`)
}

func TestIngest_ResolvesKeyAndWindow(t *testing.T) {
	store, triggers := newMemStore(), &fakePublisher{}
	svc, err := NewDebounceService(store, triggers, fixedWindow(3*time.Second), WithClock(newFakeClock(t0).Now))
	require.NoError(t, err)

	res, err := svc.Ingest(context.Background(), domain.InboundMessage{
		TenantID:     " clinic-1 ",
		UserID:       "5511999",
		Text:         "quiero una cita",
		MessageID:    "wamid.1",
		WhatsAppMeta: &domain.WhatsAppMeta{PhoneNumberID: "pn-1"},
	})
	require.NoError(t, err)
	require.Equal(t, ResultScheduled, res)
	require.Equal(t, 3*time.Second, triggers.messages()[0].delay)

	rec, ok := store.record(testKey)
	require.True(t, ok)
	require.Equal(t, []string{"wamid.1"}, rec.MessageIDs)
	require.Equal(t, "pn-1", rec.Meta.PhoneNumberID)
}

func TestIngest_InvalidKey(t *testing.T) {
	svc := newTestDebounce(t, newMemStore(), &fakePublisher{}, newFakeClock(t0))
	_, err := svc.Ingest(context.Background(), domain.InboundMessage{UserID: "u", Text: "a"})
	expectError(t, err, ErrorInvalidInput, "invalid_key")

	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.False(t, ue.Retryable())
}
