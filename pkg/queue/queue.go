// Package queue holds the External Operation Queue: a durable FIFO of operation
// records per device key, drained by whichever process next holds a session for
// the device.
package queue

import (
	"context"
	"errors"
	"sync"

	"acs/pkg/models"
)

// ErrEmpty is returned by Pop when the device has nothing queued.
var ErrEmpty = errors.New("queue is empty")

// Queue is a per-device FIFO of operation records.
type Queue interface {
	Push(ctx context.Context, rec *models.OperationRecord) error
	// Pop removes and returns the oldest record for the device.
	Pop(ctx context.Context, deviceKey string) (*models.OperationRecord, error)
	// Remove deletes the record with the correlation id, reporting whether it was queued.
	Remove(ctx context.Context, deviceKey, correlationID string) (bool, error)
	Len(ctx context.Context, deviceKey string) (int, error)
}

// MemoryQueue is a process-local Queue, used in tests and single-node setups.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string][]*models.OperationRecord
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string][]*models.OperationRecord)}
}

func (q *MemoryQueue) Push(_ context.Context, rec *models.OperationRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[rec.DeviceKey] = append(q.entries[rec.DeviceKey], rec.Clone())
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context, deviceKey string) (*models.OperationRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.entries[deviceKey]
	if len(list) == 0 {
		return nil, ErrEmpty
	}
	rec := list[0]
	list[0] = nil
	if len(list) == 1 {
		delete(q.entries, deviceKey)
	} else {
		q.entries[deviceKey] = list[1:]
	}
	return rec, nil
}

func (q *MemoryQueue) Remove(_ context.Context, deviceKey, correlationID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.entries[deviceKey]
	for i, rec := range list {
		if rec.CorrelationID != correlationID {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(q.entries, deviceKey)
		} else {
			q.entries[deviceKey] = list
		}
		return true, nil
	}
	return false, nil
}

func (q *MemoryQueue) Len(_ context.Context, deviceKey string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries[deviceKey]), nil
}
