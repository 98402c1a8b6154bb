// ABOUTME: Event bus abstraction decoupling channel adapters from the orchestration core
// ABOUTME: At-least-once delivery with per-key ordering; topic naming and event payloads

package bus

import (
	"context"
	"time"
)

// Handler consumes one event. Returning an error signals the bus to
// redeliver; handlers must be idempotent.
type Handler func(ctx context.Context, key string, payload []byte) error

// Bus carries events between channel adapters and the orchestration core.
//
// Delivery is at-least-once. Events sharing a key are delivered to each
// subscriber in publish order; there is no ordering across keys, so one slow
// conversation never blocks another. Topics are partitioned by direction and
// channel so a slow outbound channel cannot back-pressure inbound ingestion.
type Bus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	// Subscribe registers a handler for a topic. Subscriptions must be in
	// place before the producers start; implementations may drop events
	// published to topics nobody consumes.
	Subscribe(topic string, handler Handler) error
	Close() error
}

// Topic names. Inbound and outbound are split per channel for independent
// backpressure.
const (
	TopicTicketsIncoming = "tickets.incoming"
	TopicEscalations     = "escalations"
	TopicDeadLetter      = "dlq"
)

// InboundTopic returns the inbound topic for a channel, e.g. "channels.email.inbound".
func InboundTopic(channel string) string {
	return "channels." + channel + ".inbound"
}

// OutboundTopic returns the outbound topic for a channel.
func OutboundTopic(channel string) string {
	return "channels." + channel + ".outbound"
}

// TicketEvent announces a ticket with a pending inbound message. Keyed by
// conversation id so a conversation's tickets process in arrival order.
type TicketEvent struct {
	TicketID       string    `json:"ticket_id"`
	ConversationID string    `json:"conversation_id"`
	CustomerID     string    `json:"customer_id"`
	Channel        string    `json:"channel"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// OutboundEvent carries a generated response toward a channel adapter.
type OutboundEvent struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	TicketID       string `json:"ticket_id"`
	Channel        string `json:"channel"`
	SenderType     string `json:"sender_type"`
	SenderValue    string `json:"sender_value"`
	Body           string `json:"body"`
}

// EscalationEvent notifies human operators that automation handed a ticket off.
type EscalationEvent struct {
	TicketID       string `json:"ticket_id"`
	ConversationID string `json:"conversation_id"`
	CustomerID     string `json:"customer_id"`
	Channel        string `json:"channel"`
	Reason         string `json:"reason"`
	Urgency        string `json:"urgency"`
}

// DeadLetter wraps an event whose processing failed irrecoverably.
type DeadLetter struct {
	OriginalTopic string `json:"original_topic"`
	Key           string `json:"key"`
	Error         string `json:"error"`
	Payload       []byte `json:"payload"`
}
