package gateway

import "sync"

// msgClass ranks outbound messages for eviction. Control (handshake reply,
// subscriptions) and command messages are never evicted; state-class
// broadcasts are, because state is idempotent and re-derived on the next
// inbound event.
type msgClass int

const (
	classControl msgClass = iota
	classCommand
	classState
)

// DefaultSendQueueSize bounds the per-connection writer queue.
const DefaultSendQueueSize = 256

type queueItem struct {
	class msgClass
	wire  []byte
}

// sendQueue is the bounded single-writer queue feeding one socket. Push never
// blocks: when full, the oldest state-class entry is evicted first, and if
// nothing is evictable the incoming message is dropped and counted.
type sendQueue struct {
	mu      sync.Mutex
	items   []queueItem
	max     int
	closed  bool
	notify  chan struct{}
	dropped int
}

func newSendQueue(max int) *sendQueue {
	if max <= 0 {
		max = DefaultSendQueueSize
	}
	return &sendQueue{
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues a message, applying the eviction policy. Returns false when
// the message was dropped (queue full of non-evictable entries, or closed).
func (q *sendQueue) push(item queueItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if len(q.items) >= q.max {
		evicted := false
		for i, it := range q.items {
			if it.class == classState {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.dropped++
				evicted = true
				break
			}
		}
		if !evicted {
			q.dropped++
			return false
		}
	}

	q.items = append(q.items, item)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an item is available, the queue closes, or done fires.
func (q *sendQueue) pop(done <-chan struct{}) (queueItem, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return queueItem{}, false
		}
		select {
		case <-q.notify:
		case <-done:
			return queueItem{}, false
		}
	}
}

// close wakes the writer and rejects further pushes. Queued items are
// discarded; the socket is going away anyway.
func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// droppedCount reports how many messages the policy discarded.
func (q *sendQueue) droppedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
