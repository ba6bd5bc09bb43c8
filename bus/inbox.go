package bus

import (
	"container/heap"
	"sync"
)

// inbox is a bounded priority queue of messages. Higher priority dequeues
// first; within a priority class messages keep enqueue order. A condition
// variable wakes blocked receivers.
type inbox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    msgHeap
	capacity int
	seq      uint64
	closed   bool
}

func newInbox(capacity int) *inbox {
	in := &inbox{capacity: capacity}
	in.cond = sync.NewCond(&in.mu)
	return in
}

// push enqueues a message. On a full inbox it evicts the lowest-priority
// tail entry iff the incoming message strictly outranks it and allowDrop is
// set; otherwise it reports failure.
func (in *inbox) push(m *Message, allowDrop bool) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return false
	}

	if in.capacity > 0 && in.queue.Len() >= in.capacity {
		if !allowDrop {
			return false
		}
		victim := in.queue.lowestTail()
		if victim < 0 || in.queue[victim].msg.Priority >= m.Priority {
			return false
		}
		heap.Remove(&in.queue, victim)
	}

	in.seq++
	heap.Push(&in.queue, &queued{msg: m, seq: in.seq})
	in.cond.Signal()
	return true
}

// pop dequeues the highest-priority message, blocking until one is
// available or the inbox closes. The done channel aborts the wait.
func (in *inbox) pop(done <-chan struct{}) (*Message, bool) {
	// A closed done channel must interrupt the cond wait; a watcher
	// goroutine broadcasts on cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-done:
			in.mu.Lock()
			in.cond.Broadcast()
			in.mu.Unlock()
		case <-stop:
		}
	}()

	in.mu.Lock()
	defer in.mu.Unlock()

	for in.queue.Len() == 0 && !in.closed {
		select {
		case <-done:
			return nil, false
		default:
		}
		in.cond.Wait()
	}

	if in.queue.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&in.queue).(*queued)
	return item.msg, true
}

// tryPop dequeues without blocking.
func (in *inbox) tryPop() (*Message, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.queue.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&in.queue).(*queued)
	return item.msg, true
}

func (in *inbox) size() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.queue.Len()
}

// drain closes the inbox and discards pending messages, waking any blocked
// receivers.
func (in *inbox) drain() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.queue = nil
	in.cond.Broadcast()
}

type queued struct {
	msg *Message
	seq uint64
}

type msgHeap []*queued

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h msgHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *msgHeap) Push(x any) { *h = append(*h, x.(*queued)) }

func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// lowestTail returns the index of the entry with the lowest priority,
// preferring the most recently enqueued among equals. -1 when empty.
func (h msgHeap) lowestTail() int {
	idx := -1
	for i, q := range h {
		if idx < 0 ||
			q.msg.Priority < h[idx].msg.Priority ||
			(q.msg.Priority == h[idx].msg.Priority && q.seq > h[idx].seq) {
			idx = i
		}
	}
	return idx
}
