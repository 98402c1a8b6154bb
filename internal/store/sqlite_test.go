// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers identifier uniqueness, merge reassignment, ticket CAS claims, and dedup retention

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return s
}

func seedCustomer(t *testing.T, s *SQLiteStore, id, idType, value string) {
	t.Helper()
	err := s.CreateCustomer(context.Background(),
		&Customer{ID: id, CreatedAt: time.Now()},
		&Identifier{CustomerID: id, Type: idType, Value: value, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("seeding customer %s: %v", id, err)
	}
}

func seedConversation(t *testing.T, s *SQLiteStore, id, customerID, channel string) {
	t.Helper()
	now := time.Now()
	err := s.CreateConversation(context.Background(), &Conversation{
		ID: id, CustomerID: customerID, Channel: channel,
		Status: ConversationActive, CreatedAt: now, LastMessageAt: now,
	})
	if err != nil {
		t.Fatalf("seeding conversation %s: %v", id, err)
	}
}

func seedTicket(t *testing.T, s *SQLiteStore, id, conversationID, customerID string) {
	t.Helper()
	err := s.CreateTicket(context.Background(), &Ticket{
		ID: id, ConversationID: conversationID, CustomerID: customerID,
		Channel: "email", Priority: PriorityMedium, Status: TicketOpen,
		Reference: "ABC123", CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seeding ticket %s: %v", id, err)
	}
}

func TestCreateCustomer_DuplicateIdentifier(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedCustomer(t, s, "cust-1", "email", "a@example.com")

	err := s.CreateCustomer(ctx,
		&Customer{ID: "cust-2", CreatedAt: time.Now()},
		&Identifier{CustomerID: "cust-2", Type: "email", Value: "a@example.com", CreatedAt: time.Now()})
	if !errors.Is(err, ErrDuplicateIdentifier) {
		t.Fatalf("expected ErrDuplicateIdentifier, got %v", err)
	}

	// The losing insert must not leave a second customer owning the identifier.
	got, err := s.GetCustomerByIdentifier(ctx, "email", "a@example.com")
	if err != nil {
		t.Fatalf("GetCustomerByIdentifier: %v", err)
	}
	if got.ID != "cust-1" {
		t.Errorf("identifier resolved to %s, want cust-1", got.ID)
	}
}

func TestGetCustomerByIdentifier_NotFound(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	_, err := s.GetCustomerByIdentifier(context.Background(), "email", "nobody@example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMergeCustomers_ReassignsEverything(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedCustomer(t, s, "primary", "email", "a@example.com")
	seedCustomer(t, s, "secondary", "phone", "+15550102345")
	seedConversation(t, s, "conv-1", "secondary", "whatsapp")
	seedTicket(t, s, "ticket-1", "conv-1", "secondary")

	if err := s.MergeCustomers(ctx, "primary", "secondary"); err != nil {
		t.Fatalf("MergeCustomers: %v", err)
	}

	// Identifier now points at the survivor.
	got, err := s.GetCustomerByIdentifier(ctx, "phone", "+15550102345")
	if err != nil {
		t.Fatalf("GetCustomerByIdentifier: %v", err)
	}
	if got.ID != "primary" {
		t.Errorf("phone identifier resolved to %s, want primary", got.ID)
	}

	// Conversation and ticket re-pointed.
	conv, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.CustomerID != "primary" {
		t.Errorf("conversation customer = %s, want primary", conv.CustomerID)
	}
	ticket, err := s.GetTicket(ctx, "ticket-1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if ticket.CustomerID != "primary" {
		t.Errorf("ticket customer = %s, want primary", ticket.CustomerID)
	}

	// Secondary survives with a merged-into pointer, never deleted.
	secondary, err := s.GetCustomer(ctx, "secondary")
	if err != nil {
		t.Fatalf("GetCustomer(secondary): %v", err)
	}
	if secondary.MergedInto == nil || *secondary.MergedInto != "primary" {
		t.Errorf("secondary.MergedInto = %v, want primary", secondary.MergedInto)
	}
}

func TestActiveConversation_Windowing(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedCustomer(t, s, "cust-1", "email", "a@example.com")

	old := time.Now().Add(-48 * time.Hour)
	if err := s.CreateConversation(ctx, &Conversation{
		ID: "conv-old", CustomerID: "cust-1", Channel: "email",
		Status: ConversationActive, CreatedAt: old, LastMessageAt: old,
	}); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	// Outside the window: no active conversation.
	cutoff := time.Now().Add(-24 * time.Hour)
	if _, err := s.ActiveConversation(ctx, "cust-1", cutoff); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for stale conversation, got %v", err)
	}

	// Recent activity brings it back inside the window.
	if err := s.TouchConversation(ctx, "conv-old", time.Now()); err != nil {
		t.Fatalf("TouchConversation: %v", err)
	}
	conv, err := s.ActiveConversation(ctx, "cust-1", cutoff)
	if err != nil {
		t.Fatalf("ActiveConversation: %v", err)
	}
	if conv.ID != "conv-old" {
		t.Errorf("got conversation %s, want conv-old", conv.ID)
	}
}

func TestSaveMessage_DuplicateProviderID(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedCustomer(t, s, "cust-1", "email", "a@example.com")
	seedConversation(t, s, "conv-1", "cust-1", "email")

	msg := &Message{
		ID: "msg-1", ConversationID: "conv-1", Channel: "email",
		Direction: DirectionInbound, Role: RoleCustomer, Body: "hello",
		ProviderMessageID: "prov-1", CreatedAt: time.Now(),
	}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	dup := *msg
	dup.ID = "msg-2"
	if err := s.SaveMessage(ctx, &dup); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}

	// Outbound messages are not constrained by provider id.
	out := &Message{
		ID: "msg-3", ConversationID: "conv-1", Channel: "email",
		Direction: DirectionOutbound, Role: RoleAgent, Body: "hi",
		ProviderMessageID: "prov-1", DeliveryStatus: DeliveryPending, CreatedAt: time.Now(),
	}
	if err := s.SaveMessage(ctx, out); err != nil {
		t.Fatalf("SaveMessage outbound: %v", err)
	}
}

func TestListConversationMessages_Ordering(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedCustomer(t, s, "cust-1", "email", "a@example.com")
	seedConversation(t, s, "conv-1", "cust-1", "email")

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		err := s.SaveMessage(ctx, &Message{
			ID: fmt.Sprintf("msg-%d", i), ConversationID: "conv-1", Channel: "email",
			Direction: DirectionInbound, Role: RoleCustomer,
			Body:              fmt.Sprintf("message %d", i),
			ProviderMessageID: fmt.Sprintf("prov-%d", i),
			CreatedAt:         base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("SaveMessage %d: %v", i, err)
		}
	}

	msgs, err := s.ListConversationMessages(ctx, "conv-1", 100)
	if err != nil {
		t.Fatalf("ListConversationMessages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	for i, msg := range msgs {
		if want := fmt.Sprintf("msg-%d", i); msg.ID != want {
			t.Errorf("position %d: got %s, want %s", i, msg.ID, want)
		}
	}

	latest, err := s.LatestInboundMessage(ctx, "conv-1")
	if err != nil {
		t.Fatalf("LatestInboundMessage: %v", err)
	}
	if latest.ID != "msg-4" {
		t.Errorf("latest inbound = %s, want msg-4", latest.ID)
	}
}

func TestClaimTicket_CAS(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedCustomer(t, s, "cust-1", "email", "a@example.com")
	seedConversation(t, s, "conv-1", "cust-1", "email")
	seedTicket(t, s, "ticket-1", "conv-1", "cust-1")

	deadline := time.Now().Add(time.Minute)
	ticket, err := s.ClaimTicket(ctx, "ticket-1", deadline)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if ticket.Status != TicketInProgress {
		t.Errorf("status = %s, want in_progress", ticket.Status)
	}

	// Second claim while the first is live must lose.
	if _, err := s.ClaimTicket(ctx, "ticket-1", deadline); !errors.Is(err, ErrStaleTicket) {
		t.Fatalf("expected ErrStaleTicket, got %v", err)
	}

	// Missing ticket reports not-found, not stale.
	if _, err := s.ClaimTicket(ctx, "no-such-ticket", deadline); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimTicket_StaleClaimReclaimable(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedCustomer(t, s, "cust-1", "email", "a@example.com")
	seedConversation(t, s, "conv-1", "cust-1", "email")
	seedTicket(t, s, "ticket-1", "conv-1", "cust-1")

	// First worker claims and crashes: deadline in the past.
	if _, err := s.ClaimTicket(ctx, "ticket-1", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// Another worker can reclaim after expiry.
	ticket, err := s.ClaimTicket(ctx, "ticket-1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if ticket.Status != TicketInProgress {
		t.Errorf("status = %s, want in_progress", ticket.Status)
	}
}

func TestClaimTicket_Concurrent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedCustomer(t, s, "cust-1", "email", "a@example.com")
	seedConversation(t, s, "conv-1", "cust-1", "email")
	seedTicket(t, s, "ticket-1", "conv-1", "cust-1")

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.ClaimTicket(ctx, "ticket-1", time.Now().Add(time.Minute)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d workers won the claim, want exactly 1", wins)
	}
}

func TestFormatTime_OrdersLexicographically(t *testing.T) {
	// The store compares timestamp columns as text (claimed_until,
	// last_message_at, seen_at), so string order must equal time order.
	// The whole-second/fractional pair is the case a trimming format gets
	// wrong: "…:00Z" sorts after "…:00.5Z".
	whole := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	fractional := whole.Add(500 * time.Millisecond)

	if formatTime(whole) >= formatTime(fractional) {
		t.Errorf("formatTime(%v) = %q not before formatTime(%v) = %q",
			whole, formatTime(whole), fractional, formatTime(fractional))
	}

	parsed, err := parseTime(formatTime(fractional))
	if err != nil {
		t.Fatalf("parseTime: %v", err)
	}
	if !parsed.Equal(fractional) {
		t.Errorf("round trip = %v, want %v", parsed, fractional)
	}
}

func TestCommitOutcome_Resolved(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedCustomer(t, s, "cust-1", "email", "a@example.com")
	seedConversation(t, s, "conv-1", "cust-1", "email")
	seedTicket(t, s, "ticket-1", "conv-1", "cust-1")

	if _, err := s.ClaimTicket(ctx, "ticket-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	sentiment := 0.6
	err := s.CommitOutcome(ctx, &TicketOutcome{
		TicketID:        "ticket-1",
		Status:          TicketResolved,
		ResolutionNotes: "answered from knowledge base",
		Category:        "technical",
		Sentiment:       &sentiment,
		Resolution:      "answered",
		EndConversation: true,
		Outbound: &Message{
			ID: "msg-out", ConversationID: "conv-1", Channel: "email",
			Direction: DirectionOutbound, Role: RoleAgent, Body: "here you go",
			DeliveryStatus: DeliveryPending, CreatedAt: time.Now(),
		},
	})
	if err != nil {
		t.Fatalf("CommitOutcome: %v", err)
	}

	ticket, err := s.GetTicket(ctx, "ticket-1")
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	if ticket.Status != TicketResolved {
		t.Errorf("ticket status = %s, want resolved", ticket.Status)
	}
	if ticket.ResolvedAt == nil {
		t.Error("ResolvedAt not set")
	}
	if ticket.ClaimedUntil != nil {
		t.Error("claim not released")
	}
	if ticket.Category != "technical" {
		t.Errorf("category = %s, want technical", ticket.Category)
	}
	if ticket.Priority != PriorityMedium {
		t.Errorf("priority = %s, empty outcome priority must keep the default", ticket.Priority)
	}

	conv, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != ConversationEnded {
		t.Errorf("conversation status = %s, want ended", conv.Status)
	}
	if conv.Sentiment == nil || *conv.Sentiment != 0.6 {
		t.Errorf("conversation sentiment = %v, want 0.6", conv.Sentiment)
	}

	msgs, err := s.ListConversationMessages(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("ListConversationMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "msg-out" {
		t.Errorf("expected exactly the outbound message, got %d messages", len(msgs))
	}
}

func TestCommitOutcome_RequiresInProgress(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedCustomer(t, s, "cust-1", "email", "a@example.com")
	seedConversation(t, s, "conv-1", "cust-1", "email")
	seedTicket(t, s, "ticket-1", "conv-1", "cust-1")

	// Ticket is still open: commit must refuse and write nothing.
	err := s.CommitOutcome(ctx, &TicketOutcome{
		TicketID: "ticket-1",
		Status:   TicketResolved,
		Outbound: &Message{
			ID: "msg-out", ConversationID: "conv-1", Channel: "email",
			Direction: DirectionOutbound, Role: RoleAgent, Body: "x",
			DeliveryStatus: DeliveryPending, CreatedAt: time.Now(),
		},
	})
	if !errors.Is(err, ErrStaleTicket) {
		t.Fatalf("expected ErrStaleTicket, got %v", err)
	}

	msgs, err := s.ListConversationMessages(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("ListConversationMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("refused commit still wrote %d messages", len(msgs))
	}
}

func TestListPendingTickets(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	seedCustomer(t, s, "cust-1", "email", "a@example.com")
	for i := 0; i < 3; i++ {
		convID := fmt.Sprintf("conv-%d", i)
		seedConversation(t, s, convID, "cust-1", "email")
		seedTicket(t, s, fmt.Sprintf("ticket-%d", i), convID, "cust-1")
	}

	// Resolve one; it must drop out of the pending list.
	if _, err := s.ClaimTicket(ctx, "ticket-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CommitOutcome(ctx, &TicketOutcome{TicketID: "ticket-1", Status: TicketResolved, EndConversation: true}); err != nil {
		t.Fatalf("CommitOutcome: %v", err)
	}

	pending, err := s.ListPendingTickets(ctx, 100)
	if err != nil {
		t.Fatalf("ListPendingTickets: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending tickets, want 2", len(pending))
	}
	for _, ticket := range pending {
		if ticket.ID == "ticket-1" {
			t.Error("resolved ticket still listed as pending")
		}
	}
}

func TestProcessedEvents_DedupAndPurge(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	if err := s.RecordProcessedEvent(ctx, "email", "prov-1", now); err != nil {
		t.Fatalf("RecordProcessedEvent: %v", err)
	}
	if err := s.RecordProcessedEvent(ctx, "email", "prov-1", now); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	// Same provider id on another channel is a distinct event.
	if err := s.RecordProcessedEvent(ctx, "whatsapp", "prov-1", now); err != nil {
		t.Fatalf("RecordProcessedEvent other channel: %v", err)
	}

	purged, err := s.PurgeProcessedEvents(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("PurgeProcessedEvents: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged %d events, want 2", purged)
	}

	// After purge the pair can be admitted again.
	if err := s.RecordProcessedEvent(ctx, "email", "prov-1", time.Now()); err != nil {
		t.Fatalf("re-admit after purge: %v", err)
	}
}
