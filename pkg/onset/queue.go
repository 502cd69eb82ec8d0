package onset

import "github.com/MrWong99/pulsekit/pkg/audio"

// QueueCapacity is the number of events an [EventQueue] retains.
const QueueCapacity = 128

// EventQueue is a fixed-size FIFO of beat events. When full, pushing evicts
// the oldest entry. It never allocates and is not safe for concurrent use.
type EventQueue struct {
	buf   [QueueCapacity]audio.BeatEvent
	head  int
	count int
	drops uint64
}

// Push appends ev, evicting the oldest event if the queue is full.
func (q *EventQueue) Push(ev audio.BeatEvent) {
	tail := (q.head + q.count) % QueueCapacity
	q.buf[tail] = ev
	if q.count == QueueCapacity {
		q.head = (q.head + 1) % QueueCapacity
		q.drops++
		return
	}
	q.count++
}

// Drain appends all queued events to dst in FIFO order, empties the queue
// and returns the extended slice.
func (q *EventQueue) Drain(dst []audio.BeatEvent) []audio.BeatEvent {
	for i := range q.count {
		dst = append(dst, q.buf[(q.head+i)%QueueCapacity])
	}
	q.head, q.count = 0, 0
	return dst
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int { return q.count }

// Dropped returns how many events have been evicted since the last reset.
func (q *EventQueue) Dropped() uint64 { return q.drops }

// Reset empties the queue and clears the drop counter.
func (q *EventQueue) Reset() {
	*q = EventQueue{}
}
