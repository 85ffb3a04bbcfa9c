// Package pubsub implements the single-process PubSub Bus (spec C5):
// typed topic fan-out with per-topic overflow policy, subscriber
// isolation, and a background drop-metrics sampler.
package pubsub

import (
	"sync"
	"time"

	"github.com/pili2026/talos/internal/obs/log"
	"github.com/pili2026/talos/internal/obs/metrics"
)

// OverflowPolicy governs what happens when a subscriber's buffer is full.
type OverflowPolicy int

const (
	DropOldest OverflowPolicy = iota
	DropNewest
	BlockProducer
)

// TopicPolicy configures one topic's buffering behavior.
type TopicPolicy struct {
	Capacity         int
	OnOverflow       OverflowPolicy
	MetricsWindowSec float64
}

// DefaultTopicPolicy is used for any topic without an explicit setTopicPolicy call.
var DefaultTopicPolicy = TopicPolicy{Capacity: 256, OnOverflow: DropOldest, MetricsWindowSec: 30}

// Message is a single published event.
type Message struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []Message
	notify chan struct{}
	closed bool
}

func newSubscriber(capacity int) *subscriber {
	s := &subscriber{buf: make([]Message, 0, capacity), notify: make(chan struct{}, 1)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bus is a typed, topic-scoped publish/subscribe fan-out.
type Bus struct {
	mu          sync.RWMutex
	policies    map[string]TopicPolicy
	subscribers map[string][]*subscriber
	drops       map[string]int64
	metrics     *metrics.Registry
	closed      bool
	stopDrop    chan struct{}
}

// New builds a Bus. reg may be nil, in which case drop counts are still
// tracked internally but not exported.
func New(reg *metrics.Registry) *Bus {
	b := &Bus{
		policies:    make(map[string]TopicPolicy),
		subscribers: make(map[string][]*subscriber),
		drops:       make(map[string]int64),
		metrics:     reg,
		stopDrop:    make(chan struct{}),
	}
	go b.dropMetricsLoop()
	return b
}

// SetTopicPolicy configures capacity and overflow behavior for a topic.
// Must be called before the topic's first Subscribe to take effect for
// that subscriber's buffer size.
func (b *Bus) SetTopicPolicy(topic string, p TopicPolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policies[topic] = p
}

func (b *Bus) policyFor(topic string) TopicPolicy {
	if p, ok := b.policies[topic]; ok {
		return p
	}
	return DefaultTopicPolicy
}

// Subscribe returns a Stream of messages for topic. The stream must be
// consumed by exactly one reader.
func (b *Bus) Subscribe(topic string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.policyFor(topic)
	sub := newSubscriber(p.Capacity)
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	return &Stream{bus: b, topic: topic, sub: sub}
}

// Publish enqueues msg to every active subscriber of topic, one after
// another. Never blocks except when the topic's policy is BlockProducer
// and a subscriber's buffer is full; Publish then waits until that
// subscriber has room, and delivery to the subscribers after it waits too.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := append([]*subscriber(nil), b.subscribers[topic]...)
	policy := b.policyFor(topic)
	b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload, Timestamp: time.Now()}
	for _, sub := range subs {
		b.deliver(topic, sub, msg, policy)
	}
	if b.metrics != nil {
		b.metrics.PubSubDelivered.WithLabelValues(topic).Inc()
	}
}

func (b *Bus) deliver(topic string, sub *subscriber, msg Message, policy TopicPolicy) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}

	if len(sub.buf) < policy.Capacity {
		sub.buf = append(sub.buf, msg)
		sub.mu.Unlock()
		sub.wake()
		return
	}

	switch policy.OnOverflow {
	case DropNewest:
		sub.mu.Unlock()
		b.recordDrop(topic)
	case BlockProducer:
		// Wait for Recv to dequeue and make room; cond is signaled on
		// every Recv and on Close.
		for len(sub.buf) >= policy.Capacity && !sub.closed {
			sub.cond.Wait()
		}
		if sub.closed {
			sub.mu.Unlock()
			return
		}
		sub.buf = append(sub.buf, msg)
		sub.mu.Unlock()
		sub.wake()
	default: // DropOldest
		sub.buf = append(sub.buf[1:], msg)
		sub.mu.Unlock()
		sub.wake()
		b.recordDrop(topic)
	}
}

func (b *Bus) recordDrop(topic string) {
	b.mu.Lock()
	b.drops[topic]++
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.PubSubDropped.WithLabelValues(topic).Inc()
	}
}

// dropMetricsLoop samples per-topic drop counters periodically and logs
// non-zero deltas. Operator visibility only; never affects delivery.
func (b *Bus) dropMetricsLoop() {
	ticker := time.NewTicker(time.Duration(DefaultTopicPolicy.MetricsWindowSec) * time.Second)
	defer ticker.Stop()
	last := make(map[string]int64)

	for {
		select {
		case <-b.stopDrop:
			return
		case <-ticker.C:
			b.mu.RLock()
			for topic, count := range b.drops {
				delta := count - last[topic]
				if delta > 0 {
					log.WithTopic(topic).Warnf("pubsub dropped %d messages", delta)
				}
				last[topic] = count
			}
			b.mu.RUnlock()
		}
	}
}

// Close shuts the bus down: every subscriber stream closes and further
// Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.stopDrop)
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.closed = true
			sub.wake()
			sub.cond.Broadcast()
			sub.mu.Unlock()
		}
	}
}

// Stream is a single subscriber's FIFO view of a topic.
type Stream struct {
	bus   *Bus
	topic string
	sub   *subscriber
}

// Recv blocks until a message is available, the stream is closed (ok ==
// false), or done fires.
func (s *Stream) Recv(done <-chan struct{}) (Message, bool) {
	for {
		s.sub.mu.Lock()
		if len(s.sub.buf) > 0 {
			msg := s.sub.buf[0]
			s.sub.buf = s.sub.buf[1:]
			s.sub.mu.Unlock()
			s.sub.cond.Broadcast()
			return msg, true
		}
		closed := s.sub.closed
		s.sub.mu.Unlock()
		if closed {
			return Message{}, false
		}

		select {
		case <-s.sub.notify:
		case <-done:
			return Message{}, false
		}
	}
}
