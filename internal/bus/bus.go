// Package bus fans sequenced envelopes out to the live subscribers of each
// session. It owns the session→subscriber membership table, nothing else: the
// channels themselves (websocket connections, test sinks) belong to their
// transports.
package bus

import (
	"context"
	"sync"

	"github.com/basket/relay/internal/event"
	"github.com/basket/relay/internal/otel"
)

// Subscriber is one live delivery channel, typically an open client
// connection. Deliver must not block: a slow subscriber drops envelopes
// rather than stalling the producer.
type Subscriber interface {
	// Writable reports whether the transport can currently accept a send.
	// The broadcaster checks it before each delivery and silently skips
	// subscribers that are no longer writable.
	Writable() bool
	// Deliver hands one envelope to the subscriber. Errors are swallowed by
	// the broadcaster; a failed delivery never reaches the producer.
	Deliver(env *event.Envelope) error
}

// Broadcaster maintains per-session subscriber sets and stamps each envelope
// with its sequence number at broadcast time. An envelope broadcast with zero
// subscribers still consumes a sequence number but is delivered to no one;
// there is no replay buffer.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[string]map[Subscriber]struct{}
	seq     *event.Sequencer
	metrics *otel.Metrics
}

func New(seq *event.Sequencer, metrics ...*otel.Metrics) *Broadcaster {
	b := &Broadcaster{
		subs: make(map[string]map[Subscriber]struct{}),
		seq:  seq,
	}
	if len(metrics) > 0 {
		b.metrics = metrics[0]
	}
	return b
}

// Subscribe adds sub to the session's subscriber set.
func (b *Broadcaster) Subscribe(sessionID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[Subscriber]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe removes sub from the session's set, dropping the set entirely
// when it empties so the table never accumulates dead sessions.
func (b *Broadcaster) Unsubscribe(sessionID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sessionID, sub)
}

// UnsubscribeAll removes sub from every session's set. Called when a client
// connection closes.
func (b *Broadcaster) UnsubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sessionID := range b.subs {
		b.removeLocked(sessionID, sub)
	}
}

func (b *Broadcaster) removeLocked(sessionID string, sub Subscriber) {
	set, ok := b.subs[sessionID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sessionID)
	}
}

// Broadcast stamps env with the session's next sequence number and delivers
// it to every writable subscriber of the session. Holding the lock across
// stamp and fan-out keeps the delivered order identical to the emission
// order for a session.
func (b *Broadcaster) Broadcast(sessionID string, env *event.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	env.Seq = b.seq.Next(sessionID)
	if b.metrics != nil {
		b.metrics.EventsBroadcast.Add(context.Background(), 1)
	}

	set, ok := b.subs[sessionID]
	if !ok || len(set) == 0 {
		return
	}
	for sub := range set {
		if !sub.Writable() {
			b.dropped()
			continue
		}
		if err := sub.Deliver(env); err != nil {
			b.dropped()
		}
	}
}

func (b *Broadcaster) dropped() {
	if b.metrics != nil {
		b.metrics.EventsDropped.Add(context.Background(), 1)
	}
}

// BroadcastToAll delivers env to every distinct subscriber of every session.
// Diagnostic fan-out, not the hot path; no sequence number is assigned.
func (b *Broadcaster) BroadcastToAll(env *event.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[Subscriber]struct{})
	for _, set := range b.subs {
		for sub := range set {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			if !sub.Writable() {
				continue
			}
			_ = sub.Deliver(env)
		}
	}
}

// SubscriberCount returns the number of subscribers of the session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// SessionCount returns the number of sessions with at least one subscriber.
func (b *Broadcaster) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// CurrentSeq returns the last sequence number issued for the session.
func (b *Broadcaster) CurrentSeq(sessionID string) int64 {
	return b.seq.Current(sessionID)
}
