// ABOUTME: Store interface and data types for ticket-router persistence
// ABOUTME: Defines Customer, Conversation, Message, Ticket structs and the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateIdentifier is returned when an identifier (type, value) pair
// already maps to a customer. Callers resolve the race by re-reading.
var ErrDuplicateIdentifier = errors.New("identifier already exists")

// ErrDuplicateEvent is returned when a (channel, provider_message_id) pair has
// already been admitted within the retention window.
var ErrDuplicateEvent = errors.New("event already processed")

// ErrDuplicateMessage is returned when an inbound message with the same
// (channel, provider_message_id) already exists.
var ErrDuplicateMessage = errors.New("message already exists")

// ErrStaleTicket is returned when a compare-and-set ticket transition loses:
// the ticket is no longer in the expected status or its claim is held by
// another worker.
var ErrStaleTicket = errors.New("ticket not in expected state")

// Customer statuses are implicit: a customer with MergedInto set has been
// merged away and must never be returned from identifier resolution.
type Customer struct {
	ID          string
	DisplayName string
	MergedInto  *string // surviving customer id, nil for live records
	CreatedAt   time.Time
}

// Identifier links one normalized (type, value) pair to a customer. The pair
// is unique across all customers.
type Identifier struct {
	CustomerID string
	Type       string // "email" or "phone"
	Value      string // normalized
	Verified   bool
	CreatedAt  time.Time
}

// Conversation status values.
const (
	ConversationActive = "active"
	ConversationEnded  = "ended"
)

// Conversation groups the messages of one customer interaction on one
// originating channel. A conversation maps 1:1 to a ticket.
type Conversation struct {
	ID               string
	CustomerID       string
	Channel          string
	Status           string   // "active" or "ended"
	Sentiment        *float64 // [0,1], nil until scored
	Resolution       string   // classification recorded at end
	EscalationTarget string   // human queue the conversation was handed to
	CreatedAt        time.Time
	LastMessageAt    time.Time
	EndedAt          *time.Time
}

// Message direction and role values.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleSystem   = "system"
)

// Delivery status values for outbound messages.
const (
	DeliveryPending   = "pending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Message is one message within a conversation. Immutable once created except
// for delivery status transitions.
type Message struct {
	ID                string
	ConversationID    string
	Channel           string
	Direction         string // "inbound" or "outbound"
	Role              string // "customer", "agent", "system"
	Body              string
	ProviderMessageID string // opaque per-channel delivery id
	DeliveryStatus    string
	CreatedAt         time.Time
}

// Ticket status values. Transitions are monotonic: open -> in_progress ->
// resolved | escalated. Both end states are terminal for automation.
const (
	TicketOpen       = "open"
	TicketInProgress = "in_progress"
	TicketResolved   = "resolved"
	TicketEscalated  = "escalated"
)

// Ticket priority values.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Ticket is the work-tracking record derived from a conversation.
type Ticket struct {
	ID              string
	ConversationID  string
	CustomerID      string
	Channel         string
	Category        string
	Priority        string
	Status          string
	Reference       string // short human-facing code quoted in responses
	ResolutionNotes string
	// ClaimedUntil is the processing deadline set when a worker claims the
	// ticket. A claim past its deadline is reclaimable (worker crashed).
	ClaimedUntil *time.Time
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

// ProcessedEvent records an admitted (channel, provider_message_id) pair for
// idempotent ingestion.
type ProcessedEvent struct {
	Channel           string
	ProviderMessageID string
	SeenAt            time.Time
}

// TicketOutcome carries everything the pipeline commits atomically when a
// ticket leaves in_progress: the final status, conversation updates, and the
// outbound message if one was generated.
type TicketOutcome struct {
	TicketID        string
	Status          string // TicketResolved or TicketEscalated
	ResolutionNotes string
	// Category and Priority override the ticket's intake defaults when
	// non-empty, e.g. from the matched knowledge entry.
	Category         string
	Priority         string
	Sentiment        *float64
	Resolution       string   // conversation resolution classification
	EscalationTarget string   // set when Status is TicketEscalated
	Outbound         *Message // nil when no response is sent
	EndConversation  bool
}

// Store defines the persistence contract. Two implementations exist: SQLite
// (default) and Postgres.
type Store interface {
	// Customers and identifiers. CreateCustomer inserts the customer and its
	// first identifier in one transaction; ErrDuplicateIdentifier signals a
	// concurrent first-contact race.
	CreateCustomer(ctx context.Context, customer *Customer, ident *Identifier) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	GetCustomerByIdentifier(ctx context.Context, idType, value string) (*Customer, error)
	AddIdentifier(ctx context.Context, ident *Identifier) error
	ListIdentifiers(ctx context.Context, customerID string) ([]*Identifier, error)
	// MergeCustomers re-points all identifiers, conversations, and tickets of
	// secondary to primary and marks secondary merged-away, in one
	// transaction. Secondary is never deleted.
	MergeCustomers(ctx context.Context, primaryID, secondaryID string) error

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// ActiveConversation returns the customer's active conversation with
	// activity at or after cutoff, or ErrNotFound.
	ActiveConversation(ctx context.Context, customerID string, cutoff time.Time) (*Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	LatestInboundMessage(ctx context.Context, conversationID string) (*Message, error)
	UpdateDeliveryStatus(ctx context.Context, messageID, status string) error

	// Tickets
	CreateTicket(ctx context.Context, ticket *Ticket) error
	GetTicket(ctx context.Context, id string) (*Ticket, error)
	GetTicketByConversation(ctx context.Context, conversationID string) (*Ticket, error)
	ListPendingTickets(ctx context.Context, limit int) ([]*Ticket, error)
	// ClaimTicket moves a ticket to in_progress with a processing deadline.
	// It succeeds for open tickets and for in_progress tickets whose previous
	// claim has expired; otherwise ErrStaleTicket.
	ClaimTicket(ctx context.Context, id string, deadline time.Time) (*Ticket, error)
	// CommitOutcome applies a pipeline outcome atomically: ticket status,
	// conversation sentiment/resolution/end, and the outbound message row.
	// Fails with ErrStaleTicket unless the ticket is in_progress.
	CommitOutcome(ctx context.Context, outcome *TicketOutcome) error

	// Idempotent ingestion bookkeeping. DeleteProcessedEvent withdraws an
	// admission when ingestion failed after recording it.
	RecordProcessedEvent(ctx context.Context, channel, providerMessageID string, seenAt time.Time) error
	DeleteProcessedEvent(ctx context.Context, channel, providerMessageID string) error
	PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}
