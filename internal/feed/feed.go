// Package feed implements live snapshot feeds: each subscription is a lazy,
// non-restartable sequence of full snapshots with an explicit cancel handle.
package feed

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("subscription closed")

// Hub fans snapshots out to the subscriptions of a topic.
type Hub[T any] struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription[T]]struct{}
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{topics: make(map[string]map[*Subscription[T]]struct{})}
}

// Subscribe registers a subscription on topic. The initial snapshot is the
// first value Next returns.
func (h *Hub[T]) Subscribe(topic string, initial T) *Subscription[T] {
	sub := &Subscription[T]{
		hub:     h,
		topic:   topic,
		mailbox: make(chan T, 1),
		done:    make(chan struct{}),
	}
	sub.mailbox <- initial

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription[T]]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Publish delivers snapshot to every live subscription of topic. A subscriber
// that has not consumed the previous snapshot only ever sees the newest one.
func (h *Hub[T]) Publish(topic string, snapshot T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.topics[topic] {
		sub.offer(snapshot)
	}
}

// Subscribers reports the number of live subscriptions on topic.
func (h *Hub[T]) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Close cancels every subscription on every topic.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	var all []*Subscription[T]
	for _, subs := range h.topics {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.Cancel()
	}
}

func (h *Hub[T]) remove(sub *Subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[sub.topic]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.topic)
	}
}

// Subscription is one consumer's view of a topic.
type Subscription[T any] struct {
	hub     *Hub[T]
	topic   string
	mailbox chan T
	done    chan struct{}
	once    sync.Once
}

// Topic returns the topic this subscription listens on.
func (s *Subscription[T]) Topic() string {
	return s.topic
}

// Next blocks until a snapshot is available, the subscription is cancelled
// or ctx is done. Once cancelled it always returns ErrClosed.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-s.done:
		return zero, ErrClosed
	default:
	}

	select {
	case <-s.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	case v := <-s.mailbox:
		return v, nil
	}
}

// Cancel stops delivery and releases the subscription. Safe to call more
// than once.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}

// offer replaces any unread snapshot with v. Callers hold the hub lock.
func (s *Subscription[T]) offer(v T) {
	for {
		select {
		case s.mailbox <- v:
			return
		default:
		}
		select {
		case <-s.mailbox:
		default:
		}
	}
}
