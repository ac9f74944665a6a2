// Package connreq wakes idle devices out of band and arbitrates access to a
// device through a shared per-device state: SESSION, SENDING, SENT, LOCKED or FAILED.
package connreq

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"acs/pkg/models"
	"acs/pkg/worker"

	"gorm.io/datatypes"
)

// Config holds the timing knobs of the subsystem.
type Config struct {
	Node        string        // owner name written into SESSION and SENDING rows
	Timeout     time.Duration // TTL of SENDING/SENT, also the wake HTTP timeout
	FailureSoak time.Duration // how long FAILED is reported before a new attempt
	RetryDelay  time.Duration // pause before re-reading a state that vanished mid-claim
	SessionTTL  time.Duration // TTL of SESSION rows, refreshed by the session
	Workers     int
	QueueSize   int
}

type wakeJob struct {
	Request models.ConnReqRequest
}

type wakeResult struct {
	DeviceKey string
	Err       error
	At        time.Time
}

// Wakeup sends the out-of-band signal.
type Wakeup interface {
	Wake(ctx context.Context, req models.ConnReqRequest) error
}

// Manager arbitrates connection requests. Request is safe for concurrent use;
// wake outcomes are applied by Run.
type Manager struct {
	store     StateStore
	waker     Wakeup
	cfg       Config
	pool      *worker.Pool[wakeJob, wakeResult]
	failureCh chan<- models.Event // Output: wake outcomes for the health monitor
	logCh     chan<- models.Event // Output: communication log
}

func NewManager(store StateStore, waker Wakeup, cfg Config, failureCh, logCh chan<- models.Event) *Manager {
	m := &Manager{
		store:     store,
		waker:     waker,
		cfg:       cfg,
		failureCh: failureCh,
		logCh:     logCh,
	}
	m.pool = worker.NewPool(cfg.Workers, "connreq", cfg.QueueSize, m.wake)
	return m
}

// Node returns the name this process writes as owner.
func (m *Manager) Node() string { return m.cfg.Node }

// Request claims the device for a wake-up or reports who holds it.
func (m *Manager) Request(ctx context.Context, req models.ConnReqRequest) models.ConnReqReply {
	if !validURL(req.URL) {
		return models.ConnReqReply{State: models.ConnReqFailed, Error: "malformed URL"}
	}
	return m.request(ctx, req, true)
}

func (m *Manager) request(ctx context.Context, req models.ConnReqRequest, retry bool) models.ConnReqReply {
	claim := models.ConnReqInfo{DeviceKey: req.DeviceKey, State: models.ConnReqSending, Owner: m.cfg.Node}
	won, err := m.store.SetIfAbsent(ctx, claim, m.cfg.Timeout)
	if err != nil {
		slog.Error("Conn-req claim failed", "component", "ConnReq", "device_key", req.DeviceKey, "error", err)
		return models.ConnReqReply{State: models.ConnReqFailed, Error: err.Error()}
	}

	if won {
		if err := m.pool.TrySubmit(wakeJob{Request: req}); err != nil {
			_, _ = m.store.DeleteIf(ctx, req.DeviceKey, models.ConnReqSending, m.cfg.Node)
			return models.ConnReqReply{State: models.ConnReqFailed, Error: err.Error()}
		}
		slog.Debug("Conn-req queued", "component", "ConnReq", "device_key", req.DeviceKey, "correlation_id", req.CorrelationID)
		return models.ConnReqReply{State: models.ConnReqSending}
	}

	current, err := m.store.Get(ctx, req.DeviceKey)
	if err != nil {
		return models.ConnReqReply{State: models.ConnReqFailed, Error: err.Error()}
	}
	if current != nil {
		return current.Reply()
	}

	// The row expired between the claim and the read.
	if !retry {
		return models.ConnReqReply{State: models.ConnReqFailed, Error: "connection request state unavailable"}
	}
	select {
	case <-time.After(m.cfg.RetryDelay):
	case <-ctx.Done():
		return models.ConnReqReply{State: models.ConnReqFailed, Error: ctx.Err().Error()}
	}
	return m.request(ctx, req, false)
}

// Run starts the wake workers and applies their outcomes until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	slog.Info("Starting connection request manager", "component", "ConnReq", "workers", m.cfg.Workers)
	m.pool.Start(ctx)

	for result := range m.pool.Results() {
		m.apply(ctx, result)
	}
	slog.Info("Stopping connection request manager", "component", "ConnReq")
}

func (m *Manager) wake(ctx context.Context, job wakeJob) wakeResult {
	wakeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	err := m.waker.Wake(wakeCtx, job.Request)
	return wakeResult{DeviceKey: job.Request.DeviceKey, Err: err, At: time.Now()}
}

// apply records a wake outcome unless the device checked in or got locked meanwhile.
func (m *Manager) apply(ctx context.Context, result wakeResult) {
	outcome := &models.ConnReqOutcome{DeviceKey: result.DeviceKey, State: models.ConnReqSent, Timestamp: result.At}
	ttl := m.cfg.Timeout
	if result.Err != nil {
		outcome.State = models.ConnReqFailed
		outcome.Error = result.Err.Error()
		ttl = m.cfg.FailureSoak
	}

	current, err := m.store.Get(ctx, result.DeviceKey)
	if err == nil && (current == nil || (current.State == models.ConnReqSending && current.Owner == m.cfg.Node)) {
		info := models.ConnReqInfo{DeviceKey: result.DeviceKey, State: outcome.State, Owner: m.cfg.Node, Error: outcome.Error}
		err = m.store.Set(ctx, info, ttl)
	}
	if err != nil {
		slog.Error("Failed to record conn-req outcome", "component", "ConnReq", "device_key", result.DeviceKey, "error", err)
	}

	if result.Err != nil {
		slog.Warn("Connection request failed", "component", "ConnReq", "device_key", result.DeviceKey, "error", result.Err)
		m.sendEvent(m.failureCh, models.Event{Type: models.EventConnReqFailed, Payload: outcome})
		m.sendEvent(m.logCh, models.Event{Type: models.EventConnReqFailed, Payload: outcome})
		return
	}
	slog.Info("Connection request sent", "component", "ConnReq", "device_key", result.DeviceKey)
	m.sendEvent(m.failureCh, models.Event{Type: models.EventConnReqSent, Payload: outcome})
	m.sendEvent(m.logCh, models.Event{Type: models.EventConnReqSent, Payload: outcome})
}

// Session presence

// ClaimSession marks the device as held by a session on this node. When the
// device is LOCKED by a multi-session operation the lock is kept and the
// operation returned so the session can read its continuation.
func (m *Manager) ClaimSession(ctx context.Context, deviceKey string) (*models.OperationRecord, error) {
	current, err := m.store.Get(ctx, deviceKey)
	if err != nil {
		return nil, err
	}
	if op := current.LockedOperation(); op != nil {
		return op, nil
	}
	info := models.ConnReqInfo{DeviceKey: deviceKey, State: models.ConnReqSession, Owner: m.cfg.Node}
	return nil, m.store.Set(ctx, info, m.cfg.SessionTTL)
}

// ReleaseSession clears the SESSION row if this node still owns it.
func (m *Manager) ReleaseSession(ctx context.Context, deviceKey string) error {
	_, err := m.store.DeleteIf(ctx, deviceKey, models.ConnReqSession, m.cfg.Node)
	return err
}

// Lock records that rec owns the device until it completes or ttl passes.
func (m *Manager) Lock(ctx context.Context, rec *models.OperationRecord, ttl time.Duration) error {
	info := models.ConnReqInfo{
		DeviceKey: rec.DeviceKey,
		State:     models.ConnReqLocked,
		Owner:     m.cfg.Node,
		Operation: datatypes.NewJSONType(rec.Clone()),
	}
	if err := m.store.Set(ctx, info, ttl); err != nil {
		return fmt.Errorf("failed to lock %s for %s: %w", rec.DeviceKey, rec.CorrelationID, err)
	}
	return nil
}

// Locked reports the LOCKED state of the device without claiming anything.
// It returns nil when no operation holds the device.
func (m *Manager) Locked(ctx context.Context, deviceKey string) (*models.ConnReqReply, error) {
	current, err := m.store.Get(ctx, deviceKey)
	if err != nil {
		return nil, err
	}
	if current.LockedOperation() == nil {
		return nil, nil
	}
	reply := current.Reply()
	return &reply, nil
}

// Unlock removes the lock if it is held by the given operation.
func (m *Manager) Unlock(ctx context.Context, deviceKey, correlationID string) (bool, error) {
	current, err := m.store.Get(ctx, deviceKey)
	if err != nil {
		return false, err
	}
	op := current.LockedOperation()
	if op == nil || op.CorrelationID != correlationID {
		return false, nil
	}
	return true, m.store.Delete(ctx, deviceKey)
}

func (m *Manager) sendEvent(ch chan<- models.Event, event models.Event) {
	if ch == nil {
		return
	}
	select {
	case ch <- event:
	default:
		slog.Warn("Event channel full, dropping event", "component", "ConnReq", "event", event.Type)
	}
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
