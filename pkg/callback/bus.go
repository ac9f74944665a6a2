// Package callback delivers terminal operation results to the address the
// caller named at submission. Addresses are either in-process registrations
// or http(s) URLs that receive the payload as a JSON POST.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"acs/pkg/models"
)

var (
	ErrNoHandler    = errors.New("no handler registered for callback address")
	ErrReplyTimeout = errors.New("callback reply timed out")
)

// Delivery is one result handed to a local handler. The handler must call Ack
// once, optionally passing the next operation for the same device.
type Delivery struct {
	Payload models.CallbackPayload
	Record  *models.OperationRecord
	reply   chan *models.OperationRecord
}

// Ack acknowledges the delivery. Only the first call has an effect.
func (d Delivery) Ack(next *models.OperationRecord) {
	select {
	case d.reply <- next:
	default:
	}
}

// Bus is the address-keyed reply channel between the dispatcher and operation originators.
type Bus struct {
	mu           sync.RWMutex
	handlers     map[string]chan Delivery
	client       *http.Client
	replyTimeout time.Duration
}

func NewBus(replyTimeout time.Duration, client *http.Client) *Bus {
	if client == nil {
		client = &http.Client{Timeout: replyTimeout}
	}
	return &Bus{
		handlers:     make(map[string]chan Delivery),
		client:       client,
		replyTimeout: replyTimeout,
	}
}

// Register installs a local handler for addr and returns its delivery channel
// together with a function that removes the registration.
func (b *Bus) Register(addr string, buffer int) (<-chan Delivery, func()) {
	ch := make(chan Delivery, buffer)
	b.mu.Lock()
	b.handlers[addr] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if b.handlers[addr] == ch {
			delete(b.handlers, addr)
		}
		b.mu.Unlock()
	}
}

// Send delivers the terminal record to addr and waits for the acknowledgement.
// The returned record, if any, is the next operation the originator wants run
// on the same device. An empty address is a no-op.
func (b *Bus) Send(ctx context.Context, addr string, rec *models.OperationRecord) (*models.OperationRecord, error) {
	if addr == "" {
		return nil, nil
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return b.post(ctx, addr, rec)
	}

	b.mu.RLock()
	ch, ok := b.handlers[addr]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, addr)
	}

	timer := time.NewTimer(b.replyTimeout)
	defer timer.Stop()

	d := Delivery{Payload: rec.Callback(), Record: rec.Clone(), reply: make(chan *models.OperationRecord, 1)}
	select {
	case ch <- d:
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrReplyTimeout, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case next := <-d.reply:
		return next, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrReplyTimeout, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bus) post(ctx context.Context, addr string, rec *models.OperationRecord) (*models.OperationRecord, error) {
	body, err := json.Marshal(rec.Callback())
	if err != nil {
		return nil, fmt.Errorf("failed to encode callback: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.replyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid callback address %s: %w", addr, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrReplyTimeout, addr)
		}
		return nil, fmt.Errorf("callback to %s failed: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("callback to %s returned status %d", addr, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return nextFromReply(data, rec)
}

// nextFromReply decodes an optional follow-up operation from a callback reply body.
// The follow-up always targets the same device as the completed record.
func nextFromReply(data []byte, done *models.OperationRecord) (*models.OperationRecord, error) {
	var req models.OperationRequest
	if err := json.Unmarshal(data, &req); err != nil || req.OperationType == "" {
		return nil, nil
	}
	req.OrgID = done.OrgID
	req.DeviceKey = done.DeviceKey
	next, err := req.Record()
	if err != nil {
		slog.Warn("Ignoring follow-up operation in callback reply",
			"component", "CallbackBus",
			"correlation_id", done.CorrelationID,
			"error", err,
		)
		return nil, nil
	}
	return next, nil
}
