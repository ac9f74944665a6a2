package scheduler

import (
	"container/heap"
	"time"
)

// DeadlineKind tells the owner of the queue what to do when an entry expires.
type DeadlineKind int

const (
	KindTimeout DeadlineKind = iota // total operation timeout
	KindRetry                       // re-submit after the retry interval
	KindResend                      // re-send a connection request after a delivery miss
)

func (k DeadlineKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRetry:
		return "retry"
	case KindResend:
		return "resend"
	}
	return "unknown"
}

// Deadline is a lightweight entry in the priority queue.
// Gen lets the owner discard entries that were superseded after they were pushed;
// the heap never removes from the middle.
type Deadline struct {
	Key      string
	Kind     DeadlineKind
	Gen      uint64
	Deadline time.Time
}

// DeadlineQueue implements heap.Interface as a min-heap ordered by Deadline.
type DeadlineQueue []*Deadline

func (pq DeadlineQueue) Len() int { return len(pq) }

func (pq DeadlineQueue) Less(i, j int) bool {
	return pq[i].Deadline.Before(pq[j].Deadline)
}

func (pq DeadlineQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}

func (pq *DeadlineQueue) Push(x any) {
	*pq = append(*pq, x.(*Deadline))
}

func (pq *DeadlineQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	*pq = old[0 : n-1]
	return item
}

// Peek returns the item with minimum deadline without removing it.
// Returns nil if the queue is empty.
func (pq *DeadlineQueue) Peek() *Deadline {
	if len(*pq) == 0 {
		return nil
	}
	return (*pq)[0]
}

// PopExpired removes and returns all entries with deadline <= now.
// Returns entries in deadline order (earliest first).
func (pq *DeadlineQueue) PopExpired(now time.Time) []*Deadline {
	expired := make([]*Deadline, 0)
	for pq.Len() > 0 {
		item := pq.Peek()
		if item.Deadline.After(now) {
			break
		}
		expired = append(expired, heap.Pop(pq).(*Deadline))
	}
	return expired
}

// PushEntry adds a new entry to the queue.
func (pq *DeadlineQueue) PushEntry(key string, kind DeadlineKind, gen uint64, deadline time.Time) {
	heap.Push(pq, &Deadline{
		Key:      key,
		Kind:     kind,
		Gen:      gen,
		Deadline: deadline,
	})
}

// PushBatch adds multiple entries efficiently.
// Uses heap.Init() after appending all items - O(n) total instead of O(k log n) for k individual pushes.
func (pq *DeadlineQueue) PushBatch(entries []*Deadline) {
	*pq = append(*pq, entries...)
	heap.Init(pq)
}

// NextWait returns how long until the earliest entry expires, or max when empty.
func (pq *DeadlineQueue) NextWait(now time.Time, max time.Duration) time.Duration {
	next := pq.Peek()
	if next == nil {
		return max
	}
	wait := next.Deadline.Sub(now)
	if wait < 0 {
		return 0
	}
	if wait > max {
		return max
	}
	return wait
}
