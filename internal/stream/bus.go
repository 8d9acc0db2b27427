// Package stream implements the in-memory broadcast bus carrying partial
// tokens, step transitions, tool logs, and status events while a job runs.
// The bus has no persistence: subscribers joining late replay history from
// the durable store through the job manager instead.
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// DefaultSubscriberBuffer is the bounded queue size per subscriber.
const DefaultSubscriberBuffer = 256

// Topic identifies one broadcast stream.
type Topic struct {
	JobID   string
	Subtype models.StreamSubtype
}

// Subscription is a bounded event queue attached to a topic. Events past the
// high-water mark are dropped; back-pressure is the subscriber's problem.
type Subscription struct {
	C      <-chan models.StreamEvent
	ch     chan models.StreamEvent
	cancel func()

	dropped atomic.Uint64
}

// Dropped returns how many events were discarded because the subscriber fell
// behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription from its topic.
func (s *Subscription) Close() { s.cancel() }

// Bus is a topic-keyed broadcaster. Publish never blocks on subscribers.
type Bus struct {
	buffer int

	mu     sync.RWMutex
	topics map[Topic]map[int]*Subscription
	nextID int
	seq    atomic.Uint64
}

// NewBus creates a bus with the given per-subscriber buffer (0 uses the
// default).
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Bus{
		buffer: buffer,
		topics: make(map[Topic]map[int]*Subscription),
	}
}

// Subscribe attaches to a topic, creating it lazily. The returned
// subscription must be closed by the consumer; closing the last subscriber
// tears the topic down.
func (b *Bus) Subscribe(jobID string, subtype models.StreamSubtype) *Subscription {
	topic := Topic{JobID: jobID, Subtype: subtype}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan models.StreamEvent, b.buffer)
	sub := &Subscription{C: ch, ch: ch}
	sub.cancel = func() { b.unsubscribe(topic, id) }

	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[int]*Subscription)
		b.topics[topic] = subs
	}
	subs[id] = sub
	return sub
}

func (b *Bus) unsubscribe(topic Topic, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	close(sub.ch)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Publish broadcasts the event to the topic's subscribers. Fire-and-forget:
// a full subscriber queue drops the event and bumps the drop counter.
func (b *Bus) Publish(event models.StreamEvent) {
	event.Sequence = b.seq.Add(1)
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	// Sends happen under the read lock: unsubscribe closes the channel only
	// under the write lock, so a send can never race the close. The sends are
	// non-blocking, so nothing stalls while the lock is held.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.topics[Topic{JobID: event.JobID, Subtype: event.Subtype}] {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// SubscriberCount reports attached subscribers for a topic.
func (b *Bus) SubscriberCount(jobID string, subtype models.StreamSubtype) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[Topic{JobID: jobID, Subtype: subtype}])
}
