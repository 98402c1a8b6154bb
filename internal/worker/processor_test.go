// ABOUTME: Tests for ticket processors over a real store, bus, and pipeline
// ABOUTME: Covers resolution, escalation, claim skipping, sweeps, and dead letters

package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/bus"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/canonical"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/dedupe"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/identity"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/ingest"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/pipeline"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/store"
)

type harness struct {
	store     *store.SQLiteStore
	bus       *bus.MemoryBus
	ingest    *ingest.Service
	processor *Processor

	mu          sync.Mutex
	outbound    []bus.OutboundEvent
	escalations []bus.EscalationEvent
	deadLetters []bus.DeadLetter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := bus.NewMemoryBus(nil)
	t.Cleanup(func() { b.Close() })

	admitter := dedupe.NewAdmitter(s, 7*24*time.Hour, nil)
	t.Cleanup(admitter.Close)

	kb, err := pipeline.LoadKnowledge("")
	require.NoError(t, err)
	pl := pipeline.New(
		pipeline.NewLexiconAnalyzer(), kb,
		pipeline.NewEscalationPolicy(pipeline.PolicyConfig{}),
		pipeline.NewTemplateGenerator(),
		pipeline.NewFormatter(pipeline.FormatterConfig{}),
		pipeline.Config{MaxRetries: 2, Backoff: time.Millisecond}, nil)

	h := &harness{
		store:     s,
		bus:       b,
		ingest:    ingest.New(s, identity.New(s, nil), admitter, b, 24*time.Hour, nil),
		processor: New(s, pl, b, time.Minute, nil),
	}

	for _, ch := range []string{canonical.ChannelEmail, canonical.ChannelWebForm, canonical.ChannelWhatsApp} {
		require.NoError(t, b.Subscribe(bus.OutboundTopic(ch), func(_ context.Context, _ string, payload []byte) error {
			var ev bus.OutboundEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				return err
			}
			h.mu.Lock()
			h.outbound = append(h.outbound, ev)
			h.mu.Unlock()
			return nil
		}))
	}
	require.NoError(t, b.Subscribe(bus.TopicEscalations, func(_ context.Context, _ string, payload []byte) error {
		var ev bus.EscalationEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return err
		}
		h.mu.Lock()
		h.escalations = append(h.escalations, ev)
		h.mu.Unlock()
		return nil
	}))
	require.NoError(t, b.Subscribe(bus.TopicDeadLetter, func(_ context.Context, _ string, payload []byte) error {
		var dl bus.DeadLetter
		if err := json.Unmarshal(payload, &dl); err != nil {
			return err
		}
		h.mu.Lock()
		h.deadLetters = append(h.deadLetters, dl)
		h.mu.Unlock()
		return nil
	}))

	return h
}

func (h *harness) ingestEmail(t *testing.T, providerID, body string) *ingest.Result {
	t.Helper()
	res, err := h.ingest.Ingest(context.Background(), &canonical.Message{
		Channel:           canonical.ChannelEmail,
		SenderType:        canonical.IdentifierEmail,
		SenderValue:       "pat@example.com",
		Body:              body,
		ProviderMessageID: providerID,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestProcess_ResolvesKnownQuestion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.ingestEmail(t, "prov-1", "I forgot my password, please help")

	out, err := h.processor.Process(ctx, res.TicketID)
	require.NoError(t, err)
	assert.False(t, out.Escalate)

	ticket, err := h.store.GetTicket(ctx, res.TicketID)
	require.NoError(t, err)
	assert.Equal(t, store.TicketResolved, ticket.Status)
	assert.Equal(t, "account", ticket.Category, "category comes from the matched knowledge entry")
	require.NotNil(t, ticket.ResolvedAt)

	conv, err := h.store.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationEnded, conv.Status)
	require.NotNil(t, conv.Sentiment)

	msgs, err := h.store.ListConversationMessages(ctx, res.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "inbound plus the generated reply")
	reply := msgs[1]
	assert.Equal(t, store.DirectionOutbound, reply.Direction)
	assert.Equal(t, store.DeliveryPending, reply.DeliveryStatus)
	assert.Contains(t, reply.Body, "Ticket: "+res.Reference)

	h.waitFor(t, "outbound event", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.outbound) == 1
	})
	h.mu.Lock()
	ev := h.outbound[0]
	h.mu.Unlock()
	assert.Equal(t, reply.ID, ev.MessageID)
	assert.Equal(t, "email", ev.SenderType)
	assert.Equal(t, "pat@example.com", ev.SenderValue)
}

func TestProcess_EscalatesLegalThreat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.ingestEmail(t, "prov-1", "Fix this now or you will hear from my lawyer.")

	out, err := h.processor.Process(ctx, res.TicketID)
	require.NoError(t, err)
	assert.True(t, out.Escalate)

	ticket, err := h.store.GetTicket(ctx, res.TicketID)
	require.NoError(t, err)
	assert.Equal(t, store.TicketEscalated, ticket.Status)
	assert.Equal(t, store.PriorityHigh, ticket.Priority)

	// The conversation stays open for the human taking over.
	conv, err := h.store.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationActive, conv.Status)
	assert.Equal(t, "escalated", conv.Resolution)

	// No automated reply goes out on escalation.
	msgs, err := h.store.ListConversationMessages(ctx, res.ConversationID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "only the inbound message")

	h.waitFor(t, "escalation event", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.escalations) == 1
	})
	h.mu.Lock()
	ev := h.escalations[0]
	h.mu.Unlock()
	assert.Equal(t, res.TicketID, ev.TicketID)
	assert.Equal(t, pipeline.UrgencyHigh, ev.Urgency)
}

func TestProcess_SkipsClaimedTicket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.ingestEmail(t, "prov-1", "password reset please")

	_, err := h.store.ClaimTicket(ctx, res.TicketID, time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = h.processor.Process(ctx, res.TicketID)
	assert.ErrorIs(t, err, ErrSkipped)
}

func TestProcess_MissingTicket(t *testing.T) {
	h := newHarness(t)

	_, err := h.processor.Process(context.Background(), "no-such-ticket")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.ingestEmail(t, "prov-1", "I forgot my password")
	h.ingestEmail(t, "prov-2", "I demand a refund immediately") // continues the conversation, same ticket

	// A second customer with an unrelated resolvable question.
	_, err := h.ingest.Ingest(ctx, &canonical.Message{
		Channel:           canonical.ChannelWebForm,
		SenderType:        canonical.IdentifierEmail,
		SenderValue:       "sam@example.com",
		Body:              "where do I find my api key?",
		ProviderMessageID: "form-1",
	})
	require.NoError(t, err)

	stats, err := h.processor.ProcessAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 1, stats.Resolved, "the api key question auto-resolves")
	assert.Equal(t, 1, stats.Escalated, "the refund demand goes to billing")
	assert.Equal(t, 0, stats.Errors)
	assert.Greater(t, stats.Duration, time.Duration(0))

	// A second sweep finds nothing pending except the escalated ticket,
	// which is no longer claimable.
	stats, err = h.processor.ProcessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Processed)
}

func TestRunSweeps_PicksUpPendingTicket(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The ticket is queued but no bus consumer runs: only the periodic
	// sweep can claim it.
	res := h.ingestEmail(t, "prov-1", "where is my api key?")

	go h.processor.RunSweeps(ctx, 10*time.Millisecond)

	h.waitFor(t, "background sweep to resolve the ticket", func() bool {
		ticket, err := h.store.GetTicket(ctx, res.TicketID)
		return err == nil && ticket.Status == store.TicketResolved
	})
}

func TestStart_ProcessesQueuedTickets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.processor.Start())

	res := h.ingestEmail(t, "prov-1", "how do I reset my password")

	h.waitFor(t, "ticket resolution", func() bool {
		ticket, err := h.store.GetTicket(ctx, res.TicketID)
		return err == nil && ticket.Status == store.TicketResolved
	})
}

func TestHandle_DeadLettersMalformedEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.processor.Start())
	require.NoError(t, h.bus.Publish(ctx, bus.TopicTicketsIncoming, "k", []byte("not json")))

	h.waitFor(t, "dead letter", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.deadLetters) == 1
	})
	h.mu.Lock()
	dl := h.deadLetters[0]
	h.mu.Unlock()
	assert.Equal(t, bus.TopicTicketsIncoming, dl.OriginalTopic)
	assert.Equal(t, []byte("not json"), dl.Payload)
}
