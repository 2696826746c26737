package domain

import (
	"strings"
	"time"
)

// WhatsAppMeta carries channel routing data the downstream reply step needs.
type WhatsAppMeta struct {
	PhoneNumberID string `json:"phoneNumberId"`
}

// InboundMessage is the event enqueued by the ingestion adapter.
type InboundMessage struct {
	TenantID     string        `json:"tenantId"`
	UserID       string        `json:"userId"`
	Text         string        `json:"text"`
	MessageID    string        `json:"messageId,omitempty"`
	WhatsAppMeta *WhatsAppMeta `json:"whatsappMeta,omitempty"`
}

// TriggerEvent schedules a flush for a key. ScheduledAt is the
// flushScheduledAt value the trigger was enqueued under. When Batch is set the
// event is a redelivery of an already-claimed batch and the buffer is not
// consulted.
type TriggerEvent struct {
	TenantID    string     `json:"tenantId"`
	UserID      string     `json:"userId"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	Batch       *Handoff   `json:"batch,omitempty"`
}

// Handoff is the consolidated batch forwarded to the conversation step.
// Consumers must be idempotent per BatchID.
type Handoff struct {
	BatchID      string        `json:"batchId"`
	TenantID     string        `json:"tenantId"`
	UserID       string        `json:"userId"`
	Messages     []string      `json:"messages"`
	CombinedText string        `json:"combinedText"`
	WhatsAppMeta *WhatsAppMeta `json:"whatsappMeta,omitempty"`
	Attempt      int           `json:"attempt"`
}

// CombineMessages joins a burst in arrival order.
func CombineMessages(msgs []string) string {
	return strings.Join(msgs, "\n")
}
