// ABOUTME: In-process bus for single-binary deployments and tests
// ABOUTME: Hash-partitioned per subscriber so events sharing a key stay ordered

package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const (
	memoryPartitions = 16
	partitionBuffer  = 256
	maxHandlerTries  = 3
)

type memoryEvent struct {
	key     string
	payload []byte
}

// subscription owns one set of partitions. Each partition is drained by a
// single goroutine, which gives per-key ordering as long as the same key
// always hashes to the same partition.
type subscription struct {
	handler    Handler
	partitions []chan memoryEvent
}

// MemoryBus is an in-process Bus. Events published to topics without a
// subscriber are dropped; durability across restarts comes from the store,
// not from this bus.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	logger *slog.Logger
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		subs:   make(map[string][]*subscription),
		logger: logger.With("component", "bus"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish delivers the event to every subscriber of the topic. It blocks when
// a subscriber's partition is full, propagating backpressure to the producer.
func (b *MemoryBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed")
	}
	subs := b.subs[topic]
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Debug("dropping event without subscriber", "topic", topic, "key", key)
		return nil
	}

	ev := memoryEvent{key: key, payload: payload}
	for _, sub := range subs {
		part := sub.partitions[partitionFor(key)]
		select {
		case part <- ev:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return fmt.Errorf("bus closed")
		}
	}
	return nil
}

// Subscribe registers a handler and starts one drain goroutine per partition.
func (b *MemoryBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}

	sub := &subscription{
		handler:    handler,
		partitions: make([]chan memoryEvent, memoryPartitions),
	}
	for i := range sub.partitions {
		sub.partitions[i] = make(chan memoryEvent, partitionBuffer)
		b.wg.Add(1)
		go b.drain(topic, sub, i)
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return nil
}

func (b *MemoryBus) drain(topic string, sub *subscription, partition int) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-sub.partitions[partition]:
			b.deliver(topic, sub.handler, ev)
		}
	}
}

// deliver invokes the handler with bounded retries. After the last attempt
// the event is dropped with a log line; callers needing stronger guarantees
// route failures to the dead letter topic themselves.
func (b *MemoryBus) deliver(topic string, handler Handler, ev memoryEvent) {
	var err error
	for attempt := 1; attempt <= maxHandlerTries; attempt++ {
		err = handler(b.ctx, ev.key, ev.payload)
		if err == nil {
			return
		}
		if b.ctx.Err() != nil {
			return
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	b.logger.Error("handler gave up on event", "topic", topic, "key", ev.key, "error", err)
}

// Close stops all drain goroutines. Buffered events are discarded.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

func partitionFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % memoryPartitions)
}
