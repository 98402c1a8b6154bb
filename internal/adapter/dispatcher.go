// ABOUTME: Outbound dispatcher delivering replies through channel adapters
// ABOUTME: Retries transient failures with backoff and records delivery status

package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/bus"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/store"
)

// DispatcherStore is what the dispatcher needs from storage.
type DispatcherStore interface {
	UpdateDeliveryStatus(ctx context.Context, messageID, status string) error
}

// DispatcherConfig tunes delivery retries.
type DispatcherConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Dispatcher subscribes to each channel's outbound topic and delivers replies
// through the registered adapter. Per-key ordering from the bus keeps one
// conversation's replies in order.
type Dispatcher struct {
	registry *Registry
	store    DispatcherStore
	bus      bus.Bus
	cfg      DispatcherConfig
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher, defaulting unset config.
func NewDispatcher(registry *Registry, s DispatcherStore, b bus.Bus, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		registry: registry,
		store:    s,
		bus:      b,
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Start subscribes to the outbound topic of every channel with a registered
// adapter.
func (d *Dispatcher) Start() error {
	for _, channel := range d.registry.OutboundChannels() {
		ch := channel
		if err := d.bus.Subscribe(bus.OutboundTopic(ch), func(ctx context.Context, key string, payload []byte) error {
			return d.handle(ctx, ch, payload)
		}); err != nil {
			return fmt.Errorf("subscribing outbound %s: %w", ch, err)
		}
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, channel string, payload []byte) error {
	var ev bus.OutboundEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		d.logger.Error("malformed outbound event", "channel", channel, "error", err)
		return nil
	}

	adapter, ok := d.registry.Outbound(channel)
	if !ok {
		d.logger.Error("no adapter for channel", "channel", channel)
		return nil
	}

	log := d.logger.With("message_id", ev.MessageID, "channel", channel)

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		result, err := adapter.Deliver(ctx, ev)
		if err == nil {
			if serr := d.store.UpdateDeliveryStatus(ctx, ev.MessageID, store.DeliveryDelivered); serr != nil {
				log.Error("recording delivery failed", "error", serr)
			}
			log.Debug("delivered", "provider_message_id", result.ProviderMessageID, "attempts", attempt)
			return nil
		}
		lastErr = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			log.Error("permanent delivery failure", "error", err)
			break
		}
		if attempt < d.cfg.MaxAttempts {
			log.Warn("delivery failed, retrying", "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * d.cfg.Backoff):
			}
		}
	}

	if serr := d.store.UpdateDeliveryStatus(ctx, ev.MessageID, store.DeliveryFailed); serr != nil {
		log.Error("recording delivery failure failed", "error", serr)
	}
	log.Error("giving up on delivery", "error", lastErr)
	return nil
}
