// Package events is the per-session ordered event stream. The bus assigns
// strictly increasing sequence numbers and fans events out to subscribers
// over bounded channels. Publish and Subscribe are called from the owning
// session actor only; subscriber channels are drained concurrently by API
// connections.
package events

import (
	"time"

	"cosmossdk.io/log"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// Filter decides per-subscriber event visibility. A nil filter sees
// everything.
type Filter func(Event) bool

// Subscriber is one registered consumer. Events arrives in session order;
// the channel is closed when the subscriber is dropped, either explicitly
// or because it fell behind.
type Subscriber struct {
	ID     string
	UserID string
	Events chan Event
	filter Filter
	slow   bool
	closed bool
}

// Slow reports whether the subscriber was dropped for falling behind.
func (s *Subscriber) Slow() bool { return s.slow }

// Bus fans session events out to subscribers.
type Bus struct {
	sessionID string
	seq       uint64
	subs      map[string]*Subscriber
	buffer    int
	logger    log.Logger
	dropped   uint64
	onDrop    func(sub *Subscriber)
	onPublish func(ev Event)
}

// NewBus creates a bus for one session.
func NewBus(sessionID string, buffer int, logger log.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus{
		sessionID: sessionID,
		subs:      make(map[string]*Subscriber),
		buffer:    buffer,
		logger:    logger.With("component", "events", "session", sessionID),
	}
}

// OnDrop registers a callback invoked after a slow subscriber is
// disconnected, before its channel closes.
func (b *Bus) OnDrop(fn func(sub *Subscriber)) {
	b.onDrop = fn
}

// OnPublish registers a callback invoked for every published event, before
// fanout. Used for instrumentation.
func (b *Bus) OnPublish(fn func(ev Event)) {
	b.onPublish = fn
}

// Seq returns the sequence number of the most recently published event,
// zero before the first.
func (b *Bus) Seq() uint64 { return b.seq }

// Dropped returns the number of subscribers disconnected for falling
// behind.
func (b *Bus) Dropped() uint64 { return b.dropped }

// Subscribe registers a consumer. The returned subscriber's channel
// carries every subsequent event passing its filter, in publish order.
func (b *Bus) Subscribe(id, userID string, filter Filter) *Subscriber {
	sub := &Subscriber{
		ID:     id,
		UserID: userID,
		Events: make(chan Event, b.buffer),
		filter: filter,
	}
	b.subs[id] = sub
	return sub
}

// Unsubscribe drops a consumer and closes its channel. Unknown ids are
// ignored.
func (b *Bus) Unsubscribe(id string) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	if !sub.closed {
		sub.closed = true
		close(sub.Events)
	}
}

// Publish assigns the next sequence number and delivers the event to every
// subscriber whose filter accepts it. Delivery never blocks: a subscriber
// whose channel is full is disconnected rather than stalling the session.
func (b *Bus) Publish(typ Type, userID, symbol string, payload any, at time.Time) Event {
	b.seq++
	ev := Event{
		Seq:       b.seq,
		Type:      typ,
		SessionID: b.sessionID,
		UserID:    userID,
		Symbol:    symbol,
		Payload:   payload,
		Timestamp: at,
	}
	if b.onPublish != nil {
		b.onPublish(ev)
	}
	for id, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.Events <- ev:
		default:
			b.logger.Warn("dropping slow subscriber", "subscriber", id, "user", sub.UserID, "seq", ev.Seq)
			delete(b.subs, id)
			sub.slow = true
			b.dropped++
			if b.onDrop != nil {
				b.onDrop(sub)
			}
			// Best effort: the consumer may have drained a slot since the
			// failed send, in which case it sees why the stream ended.
			select {
			case sub.Events <- Event{
				Seq:       ev.Seq,
				Type:      TypeSubscriberSlow,
				SessionID: b.sessionID,
				UserID:    sub.UserID,
				Timestamp: at,
			}:
			default:
			}
			sub.closed = true
			close(sub.Events)
		}
	}
	return ev
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int { return len(b.subs) }

// Close disconnects every subscriber.
func (b *Bus) Close() {
	for id, sub := range b.subs {
		delete(b.subs, id)
		if !sub.closed {
			sub.closed = true
			close(sub.Events)
		}
	}
}
