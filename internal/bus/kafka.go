// ABOUTME: Kafka-backed bus for multi-instance deployments
// ABOUTME: Hash-balanced writer plus one consumer group reader per subscription

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaBus implements Bus on top of Kafka. Per-key ordering comes from the
// Hash balancer: every event with the same key lands on the same partition,
// and a consumer group assigns each partition to one reader.
type KafkaBus struct {
	brokers []string
	prefix  string
	groupID string
	writer  *kafka.Writer
	logger  *slog.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewKafkaBus connects a bus to the given brokers. All topic names are
// prefixed (e.g. "fte.") so multiple environments can share a cluster.
func NewKafkaBus(brokers []string, prefix, groupID string, logger *slog.Logger) *KafkaBus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		brokers: brokers,
		prefix:  prefix,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger.With("component", "bus"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish writes one message keyed for partition affinity.
func (b *KafkaBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic: b.prefix + topic,
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer group reader for the topic. Offsets commit only
// after the handler succeeds or the event is parked on the dead-letter topic,
// so a crash mid-handling redelivers and a poisoned event cannot take later
// events on its partition down with it.
func (b *KafkaBus) Subscribe(topic string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.brokers,
		Topic:          b.prefix + topic,
		GroupID:        b.groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // synchronous commits
	})

	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(topic, reader, handler)
	return nil
}

func (b *KafkaBus) consume(topic string, reader *kafka.Reader, handler Handler) {
	defer b.wg.Done()
	for {
		msg, err := reader.FetchMessage(b.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			b.logger.Error("fetch failed", "topic", topic, "error", err)
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := b.deliver(topic, string(msg.Key), msg.Value, handler); err != nil {
			// The offset must not advance past an unhandled event: park it
			// on the dead-letter topic first, then commit.
			b.logger.Error("handler failed after retries, dead-lettering",
				"topic", topic, "key", string(msg.Key), "error", err)
			if !b.park(topic, string(msg.Key), msg.Value, err) {
				return
			}
		}
		if err := reader.CommitMessages(b.ctx, msg); err != nil {
			b.logger.Error("commit failed", "topic", topic, "error", err)
		}
	}
}

// deliver invokes the handler with bounded retries and linear backoff, same
// policy as the in-memory bus.
func (b *KafkaBus) deliver(topic, key string, payload []byte, handler Handler) error {
	var lastErr error
	for attempt := 1; attempt <= maxHandlerTries; attempt++ {
		if lastErr = handler(b.ctx, key, payload); lastErr == nil {
			return nil
		}
		b.logger.Warn("handler failed",
			"topic", topic, "key", key, "attempt", attempt, "error", lastErr)
		if attempt < maxHandlerTries {
			select {
			case <-b.ctx.Done():
				return lastErr
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
	}
	return lastErr
}

// park publishes an unhandleable event to the dead-letter topic, retrying
// until it lands or the bus shuts down. It returns false only on shutdown.
// Events already on the dead-letter topic are dropped rather than re-parked.
func (b *KafkaBus) park(topic, key string, payload []byte, cause error) bool {
	if topic == TopicDeadLetter {
		b.logger.Error("dropping unhandleable dead-letter event", "key", key, "error", cause)
		return true
	}

	dl, err := json.Marshal(DeadLetter{
		OriginalTopic: topic,
		Key:           key,
		Error:         cause.Error(),
		Payload:       payload,
	})
	if err != nil {
		b.logger.Error("encoding dead letter", "error", err)
		return true
	}
	for {
		err := b.Publish(b.ctx, TopicDeadLetter, key, dl)
		if err == nil {
			return true
		}
		b.logger.Error("publishing dead letter", "topic", topic, "key", key, "error", err)
		select {
		case <-b.ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

// Close stops consumers and flushes the writer.
func (b *KafkaBus) Close() error {
	b.cancel()

	b.mu.Lock()
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
