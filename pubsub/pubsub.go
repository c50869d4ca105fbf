// Package pubsub provides a topic-keyed fan-out registry. Each subscription
// owns its delivery channel and an explicit cancel handle, so unrelated
// topics never share an emitter.
package pubsub

import (
	"sync"

	"github.com/google/uuid"
)

const defaultBuffer = 16

// Registry routes published values to the subscriptions of one topic.
// It is safe for concurrent use.
type Registry[T any] struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscription[T]
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{topics: make(map[string]map[string]*Subscription[T])}
}

// Subscribe registers a new subscription on topic. Delivery is buffered;
// values published while the buffer is full are dropped for that
// subscription, never redelivered.
func (r *Registry[T]) Subscribe(topic string) *Subscription[T] {
	sub := &Subscription[T]{
		id:       uuid.NewString(),
		topic:    topic,
		registry: r,
		values:   make(chan T, defaultBuffer),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.close()
		return sub
	}
	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription[T])
		r.topics[topic] = subs
	}
	subs[sub.id] = sub
	r.mu.Unlock()
	return sub
}

// Publish delivers value to every live subscription of topic.
func (r *Registry[T]) Publish(topic string, value T) {
	r.mu.RLock()
	subs := r.topics[topic]
	snapshot := make([]*Subscription[T], 0, len(subs))
	for _, sub := range subs {
		snapshot = append(snapshot, sub)
	}
	r.mu.RUnlock()

	for _, sub := range snapshot {
		sub.publish(value)
	}
}

// SubscriberCount returns the number of live subscriptions on topic.
func (r *Registry[T]) SubscriberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Close cancels every subscription. Further subscribes return already
// cancelled subscriptions.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var all []*Subscription[T]
	for _, subs := range r.topics {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	r.topics = make(map[string]map[string]*Subscription[T])
	r.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}

// Subscription is one listener on one topic.
type Subscription[T any] struct {
	id       string
	topic    string
	registry *Registry[T]
	values   chan T

	mu     sync.Mutex
	closed bool
}

// Topic returns the topic this subscription listens on.
func (s *Subscription[T]) Topic() string { return s.topic }

// Values returns the delivery channel. It is closed when the subscription
// is cancelled.
func (s *Subscription[T]) Values() <-chan T { return s.values }

// Cancel removes the subscription from its registry and closes Values.
func (s *Subscription[T]) Cancel() {
	r := s.registry
	r.mu.Lock()
	if subs, ok := r.topics[s.topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(r.topics, s.topic)
		}
	}
	r.mu.Unlock()
	s.close()
}

func (s *Subscription[T]) publish(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.values <- value:
	default:
	}
}

func (s *Subscription[T]) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.values)
	}
	s.mu.Unlock()
}
