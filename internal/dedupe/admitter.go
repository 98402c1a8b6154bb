// ABOUTME: Idempotent ingestion gate keyed on (channel, provider_message_id)
// ABOUTME: Durable dedup with bounded retention; fails closed when the store is unreachable

package dedupe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/store"
)

// ErrDuplicate is returned by Admit for an event already seen within the
// retention window. Callers drop the event silently; this is not a failure.
var ErrDuplicate = errors.New("duplicate event")

// AdmitterStore defines what the admitter needs from storage.
type AdmitterStore interface {
	RecordProcessedEvent(ctx context.Context, channel, providerMessageID string, seenAt time.Time) error
	DeleteProcessedEvent(ctx context.Context, channel, providerMessageID string) error
	PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error)
}

// Admitter makes channel-adapter delivery idempotent: webhook retries and
// poller restarts redeliver the same provider message id, and without this
// gate the bus's at-least-once guarantee would mint duplicate tickets.
//
// An in-memory TTL cache answers repeat deliveries cheaply; the durable
// processed_events table is the authority and survives restarts. If the store
// is unreachable the admitter fails closed - the adapter retries later rather
// than risking a duplicate ticket.
type Admitter struct {
	store     AdmitterStore
	cache     *Cache
	retention time.Duration
	logger    *slog.Logger
}

// NewAdmitter creates an admitter with the given retention window.
func NewAdmitter(s AdmitterStore, retention time.Duration, logger *slog.Logger) *Admitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admitter{
		store:     s,
		cache:     NewCache(retention, 100_000),
		retention: retention,
		logger:    logger.With("component", "dedupe"),
	}
}

// Admit records the (channel, providerMessageID) pair. It returns nil for a
// first delivery, ErrDuplicate for a repeat within the retention window, and
// a wrapped store error when durability cannot be guaranteed (fail closed).
func (a *Admitter) Admit(ctx context.Context, channel, providerMessageID string) error {
	key := channel + "\x00" + providerMessageID

	if a.cache.Seen(key) {
		return ErrDuplicate
	}

	err := a.store.RecordProcessedEvent(ctx, channel, providerMessageID, time.Now().UTC())
	switch {
	case err == nil:
		a.cache.Mark(key)
		return nil
	case errors.Is(err, store.ErrDuplicateEvent):
		// Seen before this process started (or by another instance).
		a.cache.Mark(key)
		return ErrDuplicate
	default:
		return fmt.Errorf("dedup store unavailable: %w", err)
	}
}

// Revoke withdraws a prior admission. The ingestion path calls it when a
// message failed to produce a ticket after being admitted: without the
// withdrawal the adapter's retry would be classified a duplicate and the
// message would never create a ticket.
func (a *Admitter) Revoke(ctx context.Context, channel, providerMessageID string) error {
	key := channel + "\x00" + providerMessageID
	a.cache.Forget(key)

	if err := a.store.DeleteProcessedEvent(ctx, channel, providerMessageID); err != nil {
		return fmt.Errorf("revoking admission: %w", err)
	}
	return nil
}

// Run purges expired dedup records until the context is cancelled. Intended
// to be started once by the gateway.
func (a *Admitter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := a.store.PurgeProcessedEvents(ctx, time.Now().UTC().Add(-a.retention))
			if err != nil {
				a.logger.Warn("purging processed events failed", "error", err)
				continue
			}
			if purged > 0 {
				a.logger.Debug("purged processed events", "count", purged)
			}
		}
	}
}

// Close releases the in-memory cache.
func (a *Admitter) Close() {
	a.cache.Close()
}
