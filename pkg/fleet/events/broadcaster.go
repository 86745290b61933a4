// SPDX-FileCopyrightText: Copyright 2025 mcpfleet authors
// SPDX-License-Identifier: Apache-2.0

// Package events implements the fan-out broadcaster that pushes health and
// transition events to observers.
//
// Delivery guarantees: at-least-once per subscriber, in per-connection order.
// A slow observer never blocks the coordinator and never delays its peers;
// when a subscriber's buffer is full the event is dropped for that subscriber
// only.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfleet/mcpfleet/pkg/fleet"
	"github.com/mcpfleet/mcpfleet/pkg/logger"
)

const (
	// DefaultQueueSize bounds the broadcaster's internal dispatch queue.
	DefaultQueueSize = 256

	// DefaultSubscriberBuffer is the per-subscriber channel capacity.
	DefaultSubscriberBuffer = 64

	// DefaultKeepaliveInterval is how often ping events are emitted.
	DefaultKeepaliveInterval = 30 * time.Second

	// DefaultKeepaliveDeadline is how long a subscriber may go without
	// answering a ping before it is dropped.
	DefaultKeepaliveDeadline = 90 * time.Second
)

// Options tunes the broadcaster. Zero values fall back to the defaults.
type Options struct {
	QueueSize         int
	SubscriberBuffer  int
	KeepaliveInterval time.Duration
	KeepaliveDeadline time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.KeepaliveDeadline <= 0 {
		o.KeepaliveDeadline = DefaultKeepaliveDeadline
	}
	return o
}

// Filter restricts which events a subscriber receives. Nil slices mean no
// restriction on that axis.
type Filter struct {
	// Types limits delivery to the listed event types. Ping events are
	// always delivered regardless of the filter.
	Types []fleet.EventType

	// Connections limits delivery to events about the named connections.
	// Events without a connection name (system_metrics, ping) always pass.
	Connections []string
}

// Subscription is one observer's handle on the broadcaster.
type Subscription struct {
	id       string
	ch       chan fleet.Event
	types    map[fleet.EventType]bool
	conns    map[string]bool
	lastSeen time.Time
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Events is the channel events are delivered on. It is closed when the
// subscription ends, whether by Unsubscribe, keepalive timeout, or
// broadcaster shutdown.
func (s *Subscription) Events() <-chan fleet.Event { return s.ch }

func (s *Subscription) wants(ev fleet.Event) bool {
	if ev.Type == fleet.EventPing {
		return true
	}
	if s.types != nil && !s.types[ev.Type] {
		return false
	}
	if s.conns != nil && ev.ConnectionName != "" && !s.conns[ev.ConnectionName] {
		return false
	}
	return true
}

// Stats is a point-in-time snapshot of broadcaster health, exported for
// metrics collection.
type Stats struct {
	Subscribers   int
	QueueDepth    int
	DroppedEvents uint64
	QueueDrops    uint64
}

// Broadcaster fans events out to subscribers through a bounded queue.
type Broadcaster struct {
	opts  Options
	queue chan fleet.Event

	mu   sync.Mutex
	subs map[string]*Subscription

	dropped    atomic.Uint64 // per-subscriber buffer overflows
	queueDrops atomic.Uint64 // dispatch queue overflows

	stop chan struct{}
	done chan struct{}
}

// New creates a broadcaster and starts its dispatch loop.
func New(opts Options) *Broadcaster {
	opts = opts.withDefaults()
	b := &Broadcaster{
		opts:  opts,
		queue: make(chan fleet.Event, opts.QueueSize),
		subs:  make(map[string]*Subscription),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers a new observer. The returned subscription is already
// receiving; the caller is expected to drain Events promptly.
func (b *Broadcaster) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		id:       uuid.NewString(),
		ch:       make(chan fleet.Event, b.opts.SubscriberBuffer),
		lastSeen: time.Now(),
	}
	if len(filter.Types) > 0 {
		sub.types = make(map[fleet.EventType]bool, len(filter.Types))
		for _, t := range filter.Types {
			sub.types[t] = true
		}
	}
	if len(filter.Connections) > 0 {
		sub.conns = make(map[string]bool, len(filter.Connections))
		for _, c := range filter.Connections {
			sub.conns[c] = true
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// Pong records a keepalive answer from the named subscription.
func (b *Broadcaster) Pong(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		sub.lastSeen = time.Now()
	}
}

// Publish enqueues an event for fan-out. It never blocks: when the dispatch
// queue is full the event is dropped and counted, keeping the caller (the
// coordinator) off the hook for slow delivery.
func (b *Broadcaster) Publish(ev fleet.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case b.queue <- ev:
	default:
		b.queueDrops.Add(1)
		logger.Warnw("event dropped, dispatch queue full",
			"event_type", string(ev.Type),
			"connection", ev.ConnectionName)
	}
}

// CloseScopedTo tears down every subscription filtered exclusively to the
// named connection. Used when a connection is removed from the registry.
func (b *Broadcaster) CloseScopedTo(name string) {
	b.mu.Lock()
	var victims []*Subscription
	for id, sub := range b.subs {
		if len(sub.conns) == 1 && sub.conns[name] {
			victims = append(victims, sub)
			delete(b.subs, id)
		}
	}
	b.mu.Unlock()

	for _, sub := range victims {
		close(sub.ch)
	}
}

// Stats returns a snapshot of broadcaster counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	return Stats{
		Subscribers:   n,
		QueueDepth:    len(b.queue),
		DroppedEvents: b.dropped.Load(),
		QueueDrops:    b.queueDrops.Load(),
	}
}

// Close stops the dispatch loop and closes all subscriber channels.
func (b *Broadcaster) Close() {
	close(b.stop)
	<-b.done

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}

func (b *Broadcaster) run() {
	defer close(b.done)

	keepalive := time.NewTicker(b.opts.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-b.stop:
			return
		case ev := <-b.queue:
			b.dispatch(ev)
		case now := <-keepalive.C:
			b.sweep(now)
		}
	}
}

// dispatch fans one event out to every matching subscriber. Sends are
// non-blocking; a full subscriber buffer drops the event for that subscriber
// only.
func (b *Broadcaster) dispatch(ev fleet.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// sweep pings every subscriber and drops the ones that have not answered a
// keepalive within the deadline.
func (b *Broadcaster) sweep(now time.Time) {
	ping := fleet.Event{
		ID:        uuid.NewString(),
		Type:      fleet.EventPing,
		Timestamp: now,
	}

	b.mu.Lock()
	var expired []*Subscription
	for id, sub := range b.subs {
		if now.Sub(sub.lastSeen) > b.opts.KeepaliveDeadline {
			expired = append(expired, sub)
			delete(b.subs, id)
			continue
		}
		select {
		case sub.ch <- ping:
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.Unlock()

	for _, sub := range expired {
		logger.Infof("dropping observer %s: keepalive deadline exceeded", sub.id)
		close(sub.ch)
	}
}
