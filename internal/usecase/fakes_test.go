package usecase

import (
	"context"
	"slices"
	"sync"
	"time"

	"message-debouncer/internal/domain"
	"message-debouncer/internal/repository"
)

// memStore mirrors the conditional semantics of the DynamoDB buffer store
// under a single mutex.
type memStore struct {
	mu       sync.Mutex
	records  map[domain.ConversationKey]*domain.BufferRecord
	released []time.Time
	// releaseCtxErrs holds ctx.Err() as seen by each ReleaseSchedule call.
	releaseCtxErrs []error

	appendErr  error
	getErr     error
	markErr    error
	releaseErr error
	claimErr   error
	restoreErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[domain.ConversationKey]*domain.BufferRecord)}
}

func cloneRecord(r domain.BufferRecord) domain.BufferRecord {
	r.Messages = slices.Clone(r.Messages)
	r.MessageIDs = slices.Clone(r.MessageIDs)
	if r.FlushScheduledAt != nil {
		at := *r.FlushScheduledAt
		r.FlushScheduledAt = &at
	}
	return r
}

func sameMilli(a, b time.Time) bool {
	return a.UnixMilli() == b.UnixMilli()
}

func (m *memStore) Append(_ context.Context, key domain.ConversationKey, in repository.AppendInput, now time.Time) (domain.BufferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return domain.BufferRecord{}, m.appendErr
	}
	rec, ok := m.records[key]
	if ok && in.MessageID != "" && slices.Contains(rec.MessageIDs, in.MessageID) {
		return cloneRecord(*rec), repository.ErrAlreadyAppended
	}
	if !ok {
		rec = &domain.BufferRecord{Key: key}
		m.records[key] = rec
	}
	rec.Messages = append(rec.Messages, in.Text)
	if in.MessageID != "" {
		rec.MessageIDs = append(rec.MessageIDs, in.MessageID)
	}
	rec.UpdatedAt = now
	rec.DebounceWindow = in.Window
	if in.Meta != nil {
		rec.Meta = in.Meta
	}
	return cloneRecord(*rec), nil
}

func (m *memStore) Get(_ context.Context, key domain.ConversationKey) (domain.BufferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.BufferRecord{}, m.getErr
	}
	rec, ok := m.records[key]
	if !ok {
		return domain.BufferRecord{}, repository.ErrNotFound
	}
	return cloneRecord(*rec), nil
}

func (m *memStore) MarkScheduled(_ context.Context, key domain.ConversationKey, observed *time.Time, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	rec, ok := m.records[key]
	if !ok {
		return repository.ErrConditionFailed
	}
	switch {
	case observed == nil && rec.FlushScheduledAt != nil:
		return repository.ErrConditionFailed
	case observed != nil && (rec.FlushScheduledAt == nil || !sameMilli(*observed, *rec.FlushScheduledAt)):
		return repository.ErrConditionFailed
	}
	at := now
	rec.FlushScheduledAt = &at
	return nil
}

func (m *memStore) ReleaseSchedule(ctx context.Context, key domain.ConversationKey, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCtxErrs = append(m.releaseCtxErrs, ctx.Err())
	if m.releaseErr != nil {
		return m.releaseErr
	}
	m.released = append(m.released, at)
	if rec, ok := m.records[key]; ok && rec.FlushScheduledAt != nil && sameMilli(*rec.FlushScheduledAt, at) {
		rec.FlushScheduledAt = nil
	}
	return nil
}

func (m *memStore) Claim(_ context.Context, key domain.ConversationKey, observedUpdatedAt time.Time) (domain.BufferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return domain.BufferRecord{}, m.claimErr
	}
	rec, ok := m.records[key]
	if !ok || !sameMilli(rec.UpdatedAt, observedUpdatedAt) {
		return domain.BufferRecord{}, repository.ErrConditionFailed
	}
	delete(m.records, key)
	return cloneRecord(*rec), nil
}

func (m *memStore) Restore(_ context.Context, key domain.ConversationKey, in repository.RestoreInput, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restoreErr != nil {
		return m.restoreErr
	}
	rec, ok := m.records[key]
	if !ok {
		rec = &domain.BufferRecord{Key: key, UpdatedAt: now, DebounceWindow: in.Window, Meta: in.Meta}
		m.records[key] = rec
	}
	rec.Messages = append(slices.Clone(in.Messages), rec.Messages...)
	at := now
	rec.FlushScheduledAt = &at
	return nil
}

func (m *memStore) record(key domain.ConversationKey) (domain.BufferRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return domain.BufferRecord{}, false
	}
	return cloneRecord(*rec), true
}

type sentMessage struct {
	body   any
	delay  time.Duration
	sentAt time.Time
}

// fakePublisher records sent events. Queued errs are consumed one per Send
// (nil entries succeed); err applies once errs is exhausted.
type fakePublisher struct {
	mu    sync.Mutex
	clock *fakeClock
	sent  []sentMessage
	errs  []error
	err   error
}

func (p *fakePublisher) Send(_ context.Context, body any, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		e := p.errs[0]
		p.errs = p.errs[1:]
		if e != nil {
			return e
		}
	} else if p.err != nil {
		return p.err
	}
	msg := sentMessage{body: body, delay: delay}
	if p.clock != nil {
		msg.sentAt = p.clock.Now()
	}
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePublisher) messages() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.sent)
}

func (p *fakePublisher) triggers() []domain.TriggerEvent {
	var out []domain.TriggerEvent
	for _, m := range p.messages() {
		out = append(out, m.body.(domain.TriggerEvent))
	}
	return out
}

func (p *fakePublisher) handoffs() []domain.Handoff {
	var out []domain.Handoff
	for _, m := range p.messages() {
		out = append(out, m.body.(domain.Handoff))
	}
	return out
}

// fakeClock is safe for concurrent use. A non-zero step advances the clock on
// every read.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixedWindow time.Duration

func (w fixedWindow) Window(context.Context, string) time.Duration {
	return time.Duration(w)
}

var (
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testKey = domain.ConversationKey{TenantID: "clinic-1", UserID: "5511999"}
)
