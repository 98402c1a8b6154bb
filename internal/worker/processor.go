// ABOUTME: Ticket processors: bus-driven workers plus a sweep over pending tickets
// ABOUTME: Claims a ticket, runs the pipeline, commits the outcome atomically

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/bus"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/pipeline"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/store"
)

// ErrSkipped means the ticket is already claimed by a live worker or is no
// longer pending. Not a failure.
var ErrSkipped = errors.New("ticket not claimable")

// historyLimit bounds how much conversation history the pipeline sees.
const historyLimit = 50

// RunStats summarizes one sweep over pending tickets.
type RunStats struct {
	Processed int           `json:"processed"`
	Resolved  int           `json:"resolved"`
	Escalated int           `json:"escalated"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// Processor runs the pipeline over queued tickets. The bus delivers events
// for one conversation in order, so two workers never race on the same
// conversation; the claim deadline covers crashes mid-run.
type Processor struct {
	store    store.Store
	pipeline *pipeline.Pipeline
	bus      bus.Bus
	claimTTL time.Duration
	logger   *slog.Logger
}

// New creates a processor. claimTTL is how long a claim protects a ticket
// before another worker may reclaim it.
func New(s store.Store, p *pipeline.Pipeline, b bus.Bus, claimTTL time.Duration, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if claimTTL <= 0 {
		claimTTL = 2 * time.Minute
	}
	return &Processor{
		store:    s,
		pipeline: p,
		bus:      b,
		claimTTL: claimTTL,
		logger:   logger.With("component", "worker"),
	}
}

// Start subscribes the processor to the incoming ticket topic.
func (p *Processor) Start() error {
	return p.bus.Subscribe(bus.TopicTicketsIncoming, p.handle)
}

func (p *Processor) handle(ctx context.Context, key string, payload []byte) error {
	var ev bus.TicketEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		// Malformed events can never succeed; park them for inspection.
		p.deadLetter(ctx, bus.TopicTicketsIncoming, key, payload, err)
		return nil
	}

	_, err := p.Process(ctx, ev.TicketID)
	switch {
	case err == nil, errors.Is(err, ErrSkipped):
		return nil
	case errors.Is(err, store.ErrNotFound):
		p.deadLetter(ctx, bus.TopicTicketsIncoming, key, payload, err)
		return nil
	default:
		// Transient: let the bus redeliver.
		return err
	}
}

// Process claims one ticket, runs the pipeline, and commits the outcome. It
// returns ErrSkipped when the ticket is held by a live claim or already done.
func (p *Processor) Process(ctx context.Context, ticketID string) (*pipeline.Outcome, error) {
	ticket, err := p.store.ClaimTicket(ctx, ticketID, time.Now().UTC().Add(p.claimTTL))
	if err != nil {
		if errors.Is(err, store.ErrStaleTicket) {
			return nil, ErrSkipped
		}
		return nil, err
	}
	log := p.logger.With("ticket_id", ticket.ID, "conversation_id", ticket.ConversationID)

	req, err := p.buildRequest(ctx, ticket)
	if err != nil {
		return nil, err
	}

	out, err := p.pipeline.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("running pipeline: %w", err)
	}

	outcome := &store.TicketOutcome{
		TicketID:         ticket.ID,
		Category:         out.Category,
		Priority:         priorityForUrgency(out.Urgency),
		Sentiment:        &out.Sentiment,
		Resolution:       out.Resolution,
		EscalationTarget: out.EscalationTarget,
	}
	if out.Escalate {
		outcome.Status = store.TicketEscalated
		outcome.ResolutionNotes = out.EscalationReason
	} else {
		outcome.Status = store.TicketResolved
		outcome.ResolutionNotes = "answered from knowledge base"
		// Escalated conversations stay open for the human taking over;
		// resolved ones end and a later message starts fresh.
		outcome.EndConversation = true
	}

	var outbound *store.Message
	if out.Reply != "" {
		outbound = &store.Message{
			ID:             uuid.New().String(),
			ConversationID: ticket.ConversationID,
			Channel:        ticket.Channel,
			Direction:      store.DirectionOutbound,
			Role:           store.RoleAgent,
			Body:           out.Reply,
			DeliveryStatus: store.DeliveryPending,
			CreatedAt:      time.Now().UTC(),
		}
		outcome.Outbound = outbound
	}

	if err := p.store.CommitOutcome(ctx, outcome); err != nil {
		if errors.Is(err, store.ErrStaleTicket) {
			// Our claim expired and another worker finished the ticket.
			log.Warn("claim lost before commit")
			return nil, ErrSkipped
		}
		return nil, fmt.Errorf("committing outcome: %w", err)
	}

	if outbound != nil {
		p.publishOutbound(ctx, req, ticket, outbound)
	}
	if out.Escalate {
		p.publishEscalation(ctx, ticket, out)
	}

	log.Info("ticket processed",
		"status", outcome.Status,
		"sentiment", out.Sentiment,
		"category", out.Category)
	return out, nil
}

// ProcessAll sweeps every pending ticket once. One ticket's failure never
// blocks the rest; the stats say what happened.
func (p *Processor) ProcessAll(ctx context.Context) (*RunStats, error) {
	start := time.Now()
	stats := &RunStats{}

	tickets, err := p.store.ListPendingTickets(ctx, 1000)
	if err != nil {
		return nil, fmt.Errorf("listing pending tickets: %w", err)
	}

	for _, t := range tickets {
		if ctx.Err() != nil {
			break
		}
		out, err := p.Process(ctx, t.ID)
		switch {
		case errors.Is(err, ErrSkipped):
			stats.Skipped++
		case err != nil:
			stats.Errors++
			p.logger.Error("processing ticket failed", "ticket_id", t.ID, "error", err)
		case out.Escalate:
			stats.Processed++
			stats.Escalated++
		default:
			stats.Processed++
			stats.Resolved++
		}
	}

	stats.Duration = time.Since(start)
	p.logger.Info("sweep complete",
		"processed", stats.Processed,
		"resolved", stats.Resolved,
		"escalated", stats.Escalated,
		"skipped", stats.Skipped,
		"errors", stats.Errors,
		"duration", stats.Duration)
	return stats, nil
}

// RunSweeps processes every pending ticket at the given interval until the
// context is cancelled. It backstops bus delivery: an event that exhausted
// its redeliveries leaves the ticket pending, and the next sweep claims it.
// Intended to be started once by the gateway.
func (p *Processor) RunSweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ProcessAll(ctx); err != nil {
				p.logger.Error("background sweep failed", "error", err)
			}
		}
	}
}

func (p *Processor) buildRequest(ctx context.Context, ticket *store.Ticket) (*pipeline.Request, error) {
	conv, err := p.store.GetConversation(ctx, ticket.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	customer, err := p.store.GetCustomer(ctx, ticket.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("loading customer: %w", err)
	}
	inbound, err := p.store.LatestInboundMessage(ctx, ticket.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("loading inbound message: %w", err)
	}
	history, err := p.store.ListConversationMessages(ctx, ticket.ConversationID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return &pipeline.Request{
		Ticket:       ticket,
		Conversation: conv,
		Customer:     customer,
		Inbound:      inbound,
		History:      history,
	}, nil
}

func (p *Processor) publishOutbound(ctx context.Context, req *pipeline.Request, ticket *store.Ticket, msg *store.Message) {
	senderType, senderValue := p.customerAddress(ctx, req.Customer.ID, msg.Channel)
	payload, err := json.Marshal(bus.OutboundEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		TicketID:       ticket.ID,
		Channel:        msg.Channel,
		SenderType:     senderType,
		SenderValue:    senderValue,
		Body:           msg.Body,
	})
	if err != nil {
		p.logger.Error("encoding outbound event", "error", err)
		return
	}
	if err := p.bus.Publish(ctx, bus.OutboundTopic(msg.Channel), msg.ConversationID, payload); err != nil {
		// The message row is already pending; the dispatcher's sweep or a
		// requeue will pick it up.
		p.logger.Error("publishing outbound event", "message_id", msg.ID, "error", err)
	}
}

func (p *Processor) publishEscalation(ctx context.Context, ticket *store.Ticket, out *pipeline.Outcome) {
	payload, err := json.Marshal(bus.EscalationEvent{
		TicketID:       ticket.ID,
		ConversationID: ticket.ConversationID,
		CustomerID:     ticket.CustomerID,
		Channel:        ticket.Channel,
		Reason:         out.EscalationReason,
		Urgency:        out.Urgency,
	})
	if err != nil {
		p.logger.Error("encoding escalation event", "error", err)
		return
	}
	if err := p.bus.Publish(ctx, bus.TopicEscalations, ticket.ConversationID, payload); err != nil {
		p.logger.Error("publishing escalation", "ticket_id", ticket.ID, "error", err)
	}
}

func (p *Processor) deadLetter(ctx context.Context, topic, key string, payload []byte, cause error) {
	p.logger.Error("dead-lettering event", "topic", topic, "key", key, "error", cause)
	dl, err := json.Marshal(bus.DeadLetter{
		OriginalTopic: topic,
		Key:           key,
		Error:         cause.Error(),
		Payload:       payload,
	})
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, bus.TopicDeadLetter, key, dl); err != nil {
		p.logger.Error("publishing dead letter", "error", err)
	}
}

// priorityForUrgency maps an escalation urgency to a ticket priority. Empty
// for normal urgency, leaving the intake priority in place.
func priorityForUrgency(urgency string) string {
	switch urgency {
	case pipeline.UrgencyImmediate:
		return store.PriorityUrgent
	case pipeline.UrgencyHigh:
		return store.PriorityHigh
	default:
		return ""
	}
}

// customerAddress picks the identifier an adapter should deliver to: a phone
// number for WhatsApp, an email address otherwise, falling back to whatever
// the customer has on file.
func (p *Processor) customerAddress(ctx context.Context, customerID, channel string) (string, string) {
	idents, err := p.store.ListIdentifiers(ctx, customerID)
	if err != nil || len(idents) == 0 {
		p.logger.Warn("no identifier for outbound delivery", "customer_id", customerID, "error", err)
		return "", ""
	}

	want := "email"
	if channel == "whatsapp" {
		want = "phone"
	}
	for _, id := range idents {
		if id.Type == want {
			return id.Type, id.Value
		}
	}
	return idents[0].Type, idents[0].Value
}
