// Package broadcast implements the output broadcaster: fan-out of the
// normalized chunk stream to any number of subscribers through small
// bounded per-subscriber queues. A subscriber that stops draining is
// disconnected rather than ever blocking the producer or its peers.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/LightspeedDMS/ssh-mcp/internal/history"
	"github.com/LightspeedDMS/ssh-mcp/internal/model"
)

// QueueCapacity is the bounded number of chunks held per subscriber before
// it is considered slow and disconnected.
const QueueCapacity = 64

// ControlMessage is a non-output message the Broadcaster can fan out to all
// attached subscribers (e.g. a lock-state change visible to every open tab).
type ControlMessage struct {
	Kind string
	Data any
}

// Subscriber is one attached consumer of the normalized stream (typically a
// WebSocket connection). Its outbound queue is drained by the owner of the
// Subscriber, not by this package.
type Subscriber struct {
	id      uint64
	chunks  chan model.Chunk
	control chan ControlMessage
	dead    int32

	b *Broadcaster
}

// Chunks returns the channel of normalized chunks destined for this
// subscriber, in strictly increasing sequence order.
func (s *Subscriber) Chunks() <-chan model.Chunk { return s.chunks }

// Control returns the channel of broadcast control messages for this
// subscriber.
func (s *Subscriber) Control() <-chan ControlMessage { return s.control }

// Dead reports whether the subscriber has been removed (queue overflow, or
// explicit Detach).
func (s *Subscriber) Dead() bool { return atomic.LoadInt32(&s.dead) != 0 }

// Detach removes the subscriber from its Broadcaster. Safe to call more than
// once, and safe to call from the subscriber's own outbound pump after its
// channel is closed.
func (s *Subscriber) Detach() {
	s.b.remove(s)
}

// Broadcaster fans out a session's normalized chunk stream to its attached
// Subscribers, backed by the session's History for replay onboarding.
type Broadcaster struct {
	mu      sync.Mutex
	history *history.Buffer
	subs    map[uint64]*Subscriber
	nextID  uint64
}

// New creates a Broadcaster backed by the given History buffer.
func New(h *history.Buffer) *Broadcaster {
	return &Broadcaster{history: h, subs: make(map[uint64]*Subscriber)}
}

// Subscribe attaches a new Subscriber and atomically returns the current
// history snapshot and its last sequence number. No chunk published after
// this call is missed, and no chunk included in the snapshot is repeated:
// the snapshot read and the subscriber's registration happen under the same
// lock that serializes Publish.
func (b *Broadcaster) Subscribe() (*Subscriber, []byte, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot, lastSeq := b.history.Snapshot()

	b.nextID++
	sub := &Subscriber{
		id:      b.nextID,
		chunks:  make(chan model.Chunk, QueueCapacity),
		control: make(chan ControlMessage, QueueCapacity),
		b:       b,
	}
	b.subs[sub.id] = sub
	return sub, snapshot, lastSeq
}

// Publish appends data (with sequence number seq) to the History and
// enqueues it to every attached Subscriber. A Subscriber whose queue is full
// is marked dead and dropped; it never blocks the Filter or any other
// Subscriber.
func (b *Broadcaster) Publish(seq uint64, data []byte) {
	b.mu.Lock()
	b.history.Append(seq, data)
	chunk := model.Chunk{Seq: seq, Data: data}
	var overflowed []*Subscriber
	for _, sub := range b.subs {
		select {
		case sub.chunks <- chunk:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		delete(b.subs, sub.id)
		atomic.StoreInt32(&sub.dead, 1)
		close(sub.chunks)
		close(sub.control)
	}
	b.mu.Unlock()
}

// PublishControl fans out a non-output control message to every attached
// subscriber. Unlike Publish, overflow here silently drops the message for
// that subscriber rather than disconnecting it; a missed lock-state update
// is recoverable via request_state_recovery; a missed output chunk is not.
func (b *Broadcaster) PublishControl(msg ControlMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.control <- msg:
		default:
		}
	}
}

// Count returns the number of currently attached subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// remove detaches sub if still present. Idempotent.
func (b *Broadcaster) remove(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	if ok && atomic.CompareAndSwapInt32(&sub.dead, 0, 1) {
		close(sub.chunks)
		close(sub.control)
	}
}

// CloseAll detaches and marks dead every attached subscriber, used during
// session shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		if atomic.CompareAndSwapInt32(&sub.dead, 0, 1) {
			close(sub.chunks)
			close(sub.control)
		}
	}
}
