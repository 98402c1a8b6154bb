// ABOUTME: Loopback adapter delivering to memory instead of a provider
// ABOUTME: Used by tests and local runs where no real channel is configured

package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/bus"
)

// Loopback is an outbound adapter that records deliveries in memory. Failures
// can be injected to exercise the dispatcher's retry path.
type Loopback struct {
	channel string

	mu        sync.Mutex
	delivered []bus.OutboundEvent
	failures  int
	permanent bool
}

// NewLoopback creates a loopback adapter for a channel.
func NewLoopback(channel string) *Loopback {
	return &Loopback{channel: channel}
}

func (l *Loopback) Channel() string { return l.channel }

// Deliver implements OutboundAdapter.
func (l *Loopback) Deliver(_ context.Context, ev bus.OutboundEvent) (*DeliveryResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.permanent {
		return nil, &PermanentError{Err: fmt.Errorf("recipient rejected")}
	}
	if l.failures > 0 {
		l.failures--
		return nil, fmt.Errorf("provider timeout")
	}

	l.delivered = append(l.delivered, ev)
	return &DeliveryResult{
		ProviderMessageID: "loopback-" + uuid.New().String(),
		DeliveredAt:       time.Now().UTC(),
	}, nil
}

// FailNext makes the next n deliveries fail with a retriable error.
func (l *Loopback) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

// FailPermanently makes every delivery fail permanently.
func (l *Loopback) FailPermanently() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.permanent = true
}

// Delivered returns a copy of everything delivered so far.
func (l *Loopback) Delivered() []bus.OutboundEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bus.OutboundEvent(nil), l.delivered...)
}
