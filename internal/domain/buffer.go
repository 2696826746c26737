package domain

import "time"

// BufferRecord is the accumulated state of one burst (epoch) for a conversation.
type BufferRecord struct {
	Key      ConversationKey
	Messages []string
	// MessageIDs holds the inbound ids already appended in this epoch, used to
	// make redelivered appends no-ops.
	MessageIDs       []string
	UpdatedAt        time.Time
	FlushScheduledAt *time.Time
	DebounceWindow   time.Duration
	Meta             *WhatsAppMeta
	TTL              int64
}

// QuietUntil is the earliest time the burst can be considered finished.
func (r BufferRecord) QuietUntil(window time.Duration) time.Time {
	if r.DebounceWindow > 0 {
		window = r.DebounceWindow
	}
	return r.UpdatedAt.Add(window)
}

// ScheduleActive reports whether a trigger scheduled at FlushScheduledAt is
// still within its window at now.
func (r BufferRecord) ScheduleActive(now time.Time, window time.Duration) bool {
	if r.FlushScheduledAt == nil {
		return false
	}
	return now.Sub(*r.FlushScheduledAt) < window
}
