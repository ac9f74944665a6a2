package session

import "errors"

// ErrOutstanding is returned by Next while a request awaits its answer.
var ErrOutstanding = errors.New("a request is already outstanding")

// RequestQueue is the FIFO of not-yet-sent requests plus the single
// outstanding slot. It is owned by one session goroutine.
type RequestQueue struct {
	pending     []*ProtocolRequest
	outstanding *ProtocolRequest
}

func (q *RequestQueue) Push(reqs ...*ProtocolRequest) {
	q.pending = append(q.pending, reqs...)
}

func (q *RequestQueue) Len() int { return len(q.pending) }

func (q *RequestQueue) Outstanding() *ProtocolRequest { return q.outstanding }

// Next moves the head of the queue into the outstanding slot and returns it.
// It returns nil, nil when the queue is empty.
func (q *RequestQueue) Next() (*ProtocolRequest, error) {
	if q.outstanding != nil {
		return nil, ErrOutstanding
	}
	if len(q.pending) == 0 {
		return nil, nil
	}
	req := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.outstanding = req
	return req, nil
}

// Resolve clears the outstanding slot and returns the request it held.
func (q *RequestQueue) Resolve() *ProtocolRequest {
	req := q.outstanding
	q.outstanding = nil
	return req
}

// Drain empties the queue and returns the unsent requests in order.
// The outstanding slot is left alone.
func (q *RequestQueue) Drain() []*ProtocolRequest {
	drained := q.pending
	q.pending = nil
	return drained
}

// DropFor removes unsent requests belonging to an operation.
func (q *RequestQueue) DropFor(correlationID string) int {
	kept := q.pending[:0]
	dropped := 0
	for _, req := range q.pending {
		if req.CorrelationID == correlationID {
			dropped++
			continue
		}
		kept = append(kept, req)
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	return dropped
}
