package platform

import (
	"context"
	"sync"
)

const defaultBusBuffer = 64

// Publisher sends envelopes to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, envelope Envelope) error
}

// Subscriber receives envelopes from a channel until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan Envelope, error)
}

// Bus carries envelopes both ways.
type Bus interface {
	Publisher
	Subscriber
}

// LocalBus is an in-process Bus. A subscriber whose buffer is full misses the envelope.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*busSubscriber
	nextID      int64
	bufferSize  int
}

type busSubscriber struct {
	id     int64
	stream chan Envelope
}

// NewLocalBus returns an empty LocalBus. A non-positive buffer falls back to the default.
func NewLocalBus(bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = defaultBusBuffer
	}
	return &LocalBus{
		subscribers: make(map[string]map[int64]*busSubscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber that is dropped once ctx ends.
func (b *LocalBus) Subscribe(ctx context.Context, channel string) (<-chan Envelope, error) {
	subscriber := &busSubscriber{
		id:     b.nextSequence(),
		stream: make(chan Envelope, b.bufferSize),
	}
	b.registerSubscriber(channel, subscriber)
	go func() {
		<-ctx.Done()
		b.unregisterSubscriber(channel, subscriber.id)
	}()
	return subscriber.stream, nil
}

// Publish fans the envelope out to current subscribers without blocking.
func (b *LocalBus) Publish(_ context.Context, channel string, envelope Envelope) error {
	b.mu.RLock()
	subscribers := b.subscribers[channel]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return nil
	}
	copies := make([]*busSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- envelope:
		default:
		}
	}
	return nil
}

// Subscribers reports the subscriber count for channel.
func (b *LocalBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}

func (b *LocalBus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *LocalBus) registerSubscriber(channel string, subscriber *busSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[int64]*busSubscriber)
	}
	b.subscribers[channel][subscriber.id] = subscriber
}

func (b *LocalBus) unregisterSubscriber(channel string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[channel]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, channel)
		}
	}
	b.mu.Unlock()
}
