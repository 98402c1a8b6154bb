// ABOUTME: Inbound ingestion path: validate, dedup, resolve identity, persist, queue
// ABOUTME: Continues a recent conversation or opens a new one with a fresh ticket

package ingest

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/bus"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/canonical"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/dedupe"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/identity"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/store"
)

// Human-friendly ticket references avoid 0/O and 1/I lookalikes; support
// staff read these over the phone.
const referenceCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
const referenceLength = 6

// Result reports what one admitted message produced.
type Result struct {
	Duplicate       bool   `json:"duplicate"`
	CustomerID      string `json:"customer_id,omitempty"`
	NewCustomer     bool   `json:"new_customer,omitempty"`
	ConversationID  string `json:"conversation_id,omitempty"`
	NewConversation bool   `json:"new_conversation,omitempty"`
	MessageID       string `json:"message_id,omitempty"`
	TicketID        string `json:"ticket_id,omitempty"`
	Reference       string `json:"reference,omitempty"`
}

// Service runs the inbound path from channel adapter to queued ticket. Every
// step is idempotent or guarded so that an at-least-once adapter can replay a
// delivery without minting duplicate tickets.
type Service struct {
	store    store.Store
	resolver *identity.Resolver
	admitter *dedupe.Admitter
	bus      bus.Bus
	window   time.Duration
	logger   *slog.Logger
}

// New creates the ingestion service. window is how long a quiet conversation
// stays re-engageable before a new message opens a fresh one.
func New(s store.Store, resolver *identity.Resolver, admitter *dedupe.Admitter, b bus.Bus, window time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		resolver: resolver,
		admitter: admitter,
		bus:      b,
		window:   window,
		logger:   logger.With("component", "ingest"),
	}
}

// Ingest processes one inbound message end to end. A redelivered message
// returns Result{Duplicate: true} and no error; validation failures return a
// *canonical.ValidationError the adapter should not retry.
func (s *Service) Ingest(ctx context.Context, msg *canonical.Message) (*Result, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	if err := s.admitter.Admit(ctx, msg.Channel, msg.ProviderMessageID); err != nil {
		if errors.Is(err, dedupe.ErrDuplicate) {
			s.logger.Debug("dropping duplicate delivery",
				"channel", msg.Channel, "provider_message_id", msg.ProviderMessageID)
			return &Result{Duplicate: true}, nil
		}
		return nil, fmt.Errorf("admitting message: %w", err)
	}

	result, err := s.process(ctx, msg)
	if err != nil {
		// The message produced no queued ticket; withdraw the admission so
		// the adapter's retry is not classified a duplicate. The messages
		// table's UNIQUE(channel, provider_message_id) stays the backstop
		// against double-processing.
		if rerr := s.admitter.Revoke(ctx, msg.Channel, msg.ProviderMessageID); rerr != nil {
			s.logger.Error("revoking admission failed, message blocked until dedup retention expires",
				"channel", msg.Channel, "provider_message_id", msg.ProviderMessageID, "error", rerr)
		}
		return nil, err
	}
	return result, nil
}

// process runs the admitted message through identity resolution, persistence,
// and queueing. Called only after Admit accepted the delivery.
func (s *Service) process(ctx context.Context, msg *canonical.Message) (*Result, error) {
	res, err := s.resolver.Resolve(ctx, msg.SenderType, msg.SenderValue)
	if err != nil {
		return nil, fmt.Errorf("resolving sender: %w", err)
	}
	customerID := res.CustomerID

	// A web form that carries both an email and a phone number can tie two
	// previously separate customers together.
	for _, extra := range msg.Extra {
		survivor, err := s.resolver.Attach(ctx, customerID, extra.Type, extra.Value)
		if err != nil {
			s.logger.Warn("attaching extra identifier failed",
				"customer_id", customerID, "type", extra.Type, "error", err)
			continue
		}
		customerID = survivor
	}

	result := &Result{CustomerID: customerID, NewCustomer: res.IsNew}

	conv, err := s.continueOrCreate(ctx, customerID, msg)
	if err != nil {
		return nil, err
	}
	result.ConversationID = conv.conversation.ID
	result.NewConversation = conv.created

	inbound := &store.Message{
		ID:                uuid.New().String(),
		ConversationID:    conv.conversation.ID,
		Channel:           msg.Channel,
		Direction:         store.DirectionInbound,
		Role:              store.RoleCustomer,
		Body:              msg.Body,
		ProviderMessageID: msg.ProviderMessageID,
		DeliveryStatus:    store.DeliveryDelivered,
		CreatedAt:         msg.ReceivedAt,
	}
	if err := s.store.SaveMessage(ctx, inbound); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			// The admitter let a replay through a retention gap; the
			// message table's uniqueness is the backstop.
			return &Result{Duplicate: true}, nil
		}
		return nil, fmt.Errorf("saving inbound message: %w", err)
	}
	result.MessageID = inbound.ID

	if err := s.store.TouchConversation(ctx, conv.conversation.ID, msg.ReceivedAt); err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}

	ticket, err := s.ticketFor(ctx, conv.conversation, customerID, msg)
	if err != nil {
		return nil, err
	}
	result.TicketID = ticket.ID
	result.Reference = ticket.Reference

	payload, err := json.Marshal(bus.TicketEvent{
		TicketID:       ticket.ID,
		ConversationID: conv.conversation.ID,
		CustomerID:     customerID,
		Channel:        msg.Channel,
		EnqueuedAt:     time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding ticket event: %w", err)
	}
	if err := s.bus.Publish(ctx, bus.TopicTicketsIncoming, conv.conversation.ID, payload); err != nil {
		return nil, fmt.Errorf("queueing ticket: %w", err)
	}

	s.logger.Info("message ingested",
		"channel", msg.Channel,
		"customer_id", customerID,
		"conversation_id", conv.conversation.ID,
		"ticket_id", ticket.ID,
		"new_conversation", conv.created)
	return result, nil
}

type conversationResult struct {
	conversation *store.Conversation
	created      bool
}

// continueOrCreate reuses the customer's most recent active conversation when
// its last message is inside the re-engagement window, regardless of which
// channel the new message arrived on.
func (s *Service) continueOrCreate(ctx context.Context, customerID string, msg *canonical.Message) (*conversationResult, error) {
	cutoff := time.Now().UTC().Add(-s.window)
	conv, err := s.store.ActiveConversation(ctx, customerID, cutoff)
	if err == nil {
		return &conversationResult{conversation: conv}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up active conversation: %w", err)
	}

	conv = &store.Conversation{
		ID:            uuid.New().String(),
		CustomerID:    customerID,
		Channel:       msg.Channel,
		Status:        store.ConversationActive,
		CreatedAt:     msg.ReceivedAt,
		LastMessageAt: msg.ReceivedAt,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return &conversationResult{conversation: conv, created: true}, nil
}

// ticketFor returns the conversation's ticket, creating one for a new
// conversation. A continued conversation keeps its single ticket; the new
// message just requeues it.
func (s *Service) ticketFor(ctx context.Context, conv *store.Conversation, customerID string, msg *canonical.Message) (*store.Ticket, error) {
	existing, err := s.store.GetTicketByConversation(ctx, conv.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up ticket: %w", err)
	}

	ref, err := newReference()
	if err != nil {
		return nil, err
	}
	ticket := &store.Ticket{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		CustomerID:     customerID,
		Channel:        msg.Channel,
		Category:       "general",
		Priority:       store.PriorityMedium,
		Status:         store.TicketOpen,
		Reference:      ref,
		CreatedAt:      msg.ReceivedAt,
	}
	if err := s.store.CreateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("creating ticket: %w", err)
	}
	return ticket, nil
}

func newReference() (string, error) {
	buf := make([]byte, referenceLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating ticket reference: %w", err)
	}
	for i, b := range buf {
		buf[i] = referenceCharset[int(b)%len(referenceCharset)]
	}
	return string(buf), nil
}
