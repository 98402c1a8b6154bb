// ABOUTME: Tests for the outbound dispatcher and adapter registry
// ABOUTME: Covers delivery, retry with backoff, permanent failure, and status updates

package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/bus"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/store"
)

type statusStore struct {
	mu       sync.Mutex
	statuses map[string]string
}

func newStatusStore() *statusStore {
	return &statusStore{statuses: make(map[string]string)}
}

func (s *statusStore) UpdateDeliveryStatus(_ context.Context, messageID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[messageID] = status
	return nil
}

func (s *statusStore) status(messageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[messageID]
}

func publishOutbound(t *testing.T, b bus.Bus, ev bus.OutboundEvent) {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), bus.OutboundTopic(ev.Channel), ev.ConversationID, payload))
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

func newDispatcherHarness(t *testing.T) (*Loopback, *statusStore, bus.Bus) {
	t.Helper()

	b := bus.NewMemoryBus(nil)
	t.Cleanup(func() { b.Close() })

	lb := NewLoopback("email")
	reg := NewRegistry()
	require.NoError(t, reg.RegisterOutbound(lb))

	ss := newStatusStore()
	d := NewDispatcher(reg, ss, b, DispatcherConfig{MaxAttempts: 3, Backoff: time.Millisecond}, nil)
	require.NoError(t, d.Start())
	return lb, ss, b
}

func TestDispatcher_Delivers(t *testing.T) {
	lb, ss, b := newDispatcherHarness(t)

	publishOutbound(t, b, bus.OutboundEvent{
		MessageID: "m-1", ConversationID: "c-1", Channel: "email",
		SenderType: "email", SenderValue: "pat@example.com", Body: "hello",
	})

	waitFor(t, "delivery", func() bool { return len(lb.Delivered()) == 1 })
	assert.Equal(t, "hello", lb.Delivered()[0].Body)
	waitFor(t, "status update", func() bool { return ss.status("m-1") == store.DeliveryDelivered })
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	lb, ss, b := newDispatcherHarness(t)
	lb.FailNext(2)

	publishOutbound(t, b, bus.OutboundEvent{
		MessageID: "m-1", ConversationID: "c-1", Channel: "email", Body: "hello",
	})

	waitFor(t, "delivery after retries", func() bool { return len(lb.Delivered()) == 1 })
	waitFor(t, "status update", func() bool { return ss.status("m-1") == store.DeliveryDelivered })
}

func TestDispatcher_MarksFailedAfterExhaustion(t *testing.T) {
	lb, ss, b := newDispatcherHarness(t)
	lb.FailNext(10)

	publishOutbound(t, b, bus.OutboundEvent{
		MessageID: "m-1", ConversationID: "c-1", Channel: "email", Body: "hello",
	})

	waitFor(t, "failure status", func() bool { return ss.status("m-1") == store.DeliveryFailed })
	assert.Empty(t, lb.Delivered())
}

func TestDispatcher_PermanentFailureSkipsRetries(t *testing.T) {
	lb, ss, b := newDispatcherHarness(t)
	lb.FailPermanently()

	publishOutbound(t, b, bus.OutboundEvent{
		MessageID: "m-1", ConversationID: "c-1", Channel: "email", Body: "hello",
	})

	waitFor(t, "failure status", func() bool { return ss.status("m-1") == store.DeliveryFailed })
}

func TestRegistry_RejectsDuplicateChannel(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterOutbound(NewLoopback("email")))
	assert.Error(t, reg.RegisterOutbound(NewLoopback("email")))

	_, ok := reg.Outbound("email")
	assert.True(t, ok)
	_, ok = reg.Outbound("whatsapp")
	assert.False(t, ok)
}
