// ABOUTME: Channel adapter contracts and the registry that holds them
// ABOUTME: Adapters translate provider payloads to and from canonical messages

package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/bus"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/canonical"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/ingest"
)

// Sink is where inbound adapters hand canonical messages. Satisfied by
// *ingest.Service.
type Sink interface {
	Ingest(ctx context.Context, msg *canonical.Message) (*ingest.Result, error)
}

// InboundAdapter turns provider deliveries into canonical messages and pushes
// them into the sink. Payload authentication (webhook signatures, polling
// credentials) is the adapter's responsibility; the core never sees provider
// wire formats.
type InboundAdapter interface {
	Channel() string
	// Run blocks until ctx is cancelled, receiving provider deliveries.
	Run(ctx context.Context, sink Sink) error
}

// DeliveryResult reports a successful outbound delivery.
type DeliveryResult struct {
	ProviderMessageID string
	DeliveredAt       time.Time
}

// PermanentError marks a delivery failure retrying cannot fix, such as a
// provider rejecting the recipient address.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// OutboundAdapter delivers one reply to its provider. Errors other than
// *PermanentError are retried by the dispatcher.
type OutboundAdapter interface {
	Channel() string
	Deliver(ctx context.Context, ev bus.OutboundEvent) (*DeliveryResult, error)
}

// Registry holds the adapters for each configured channel.
type Registry struct {
	mu       sync.RWMutex
	inbound  map[string]InboundAdapter
	outbound map[string]OutboundAdapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		inbound:  make(map[string]InboundAdapter),
		outbound: make(map[string]OutboundAdapter),
	}
}

// RegisterInbound adds an inbound adapter. Registering a channel twice is a
// wiring bug and returns an error.
func (r *Registry) RegisterInbound(a InboundAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.inbound[a.Channel()]; dup {
		return fmt.Errorf("inbound adapter for %s already registered", a.Channel())
	}
	r.inbound[a.Channel()] = a
	return nil
}

// RegisterOutbound adds an outbound adapter.
func (r *Registry) RegisterOutbound(a OutboundAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.outbound[a.Channel()]; dup {
		return fmt.Errorf("outbound adapter for %s already registered", a.Channel())
	}
	r.outbound[a.Channel()] = a
	return nil
}

// Outbound returns the outbound adapter for a channel.
func (r *Registry) Outbound(channel string) (OutboundAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.outbound[channel]
	return a, ok
}

// InboundAdapters returns all registered inbound adapters.
func (r *Registry) InboundAdapters() []InboundAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InboundAdapter, 0, len(r.inbound))
	for _, a := range r.inbound {
		out = append(out, a)
	}
	return out
}

// OutboundChannels returns the channels with an outbound adapter.
func (r *Registry) OutboundChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.outbound))
	for ch := range r.outbound {
		out = append(out, ch)
	}
	return out
}
