// Package deviceop accepts operations from north-bound callers, routes them to
// a live session or the External Queue, and settles them exactly once with
// retries and a total timeout.
package deviceop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"acs/pkg/database"
	"acs/pkg/models"
	"acs/pkg/queue"
	"acs/pkg/scheduler"
	"acs/pkg/session"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrNotReattachable  = errors.New("request cannot be rebuilt")
)

// OperationStore persists operation records.
type OperationStore interface {
	Create(ctx context.Context, rec *models.OperationRecord) error
	Get(ctx context.Context, correlationID string) (*models.OperationRecord, error)
	Claim(ctx context.Context, correlationID string) (bool, error)
	Finish(ctx context.Context, rec *models.OperationRecord) (bool, error)
	Requeue(ctx context.Context, correlationID string) error
}

type DeviceStore interface {
	FindByKey(ctx context.Context, deviceKey string) (*models.Device, error)
	MergeParameters(ctx context.Context, deviceKey string, values map[string]string) error
}

// Sessions is the local session engine.
type Sessions interface {
	Deliver(ctx context.Context, deviceKey string, rec *models.OperationRecord) error
	Expire(deviceKey, correlationID string)
}

type ConnReq interface {
	Request(ctx context.Context, req models.ConnReqRequest) models.ConnReqReply
	Locked(ctx context.Context, deviceKey string) (*models.ConnReqReply, error)
	Lock(ctx context.Context, rec *models.OperationRecord, ttl time.Duration) error
	Unlock(ctx context.Context, deviceKey, correlationID string) (bool, error)
}

type Callbacks interface {
	Send(ctx context.Context, addr string, rec *models.OperationRecord) (*models.OperationRecord, error)
}

type Config struct {
	DefaultPolicy   models.ExecPolicy
	DownloadTimeout time.Duration // default total timeout of download and upload
	ResendDelay     time.Duration // wait before the one re-attempt of a failed wake-up
	Tick            time.Duration
	StoreTimeout    time.Duration
	CallbackTimeout time.Duration
}

type Deps struct {
	Ops       OperationStore
	Devices   DeviceStore
	Queue     queue.Queue
	ConnReq   ConnReq
	Callbacks Callbacks
	LogCh     chan<- models.Event // Output: finished operations for the communication log
}

// tracked is the per-process view of an unfinished operation.
// Bumping gen invalidates every deadline scheduled before.
type tracked struct {
	deviceKey string
	gen       uint64
	deadline  time.Time
	failures  int
	resent    bool
}

// Dispatcher owns the lifecycle of operation records.
type Dispatcher struct {
	cfg      Config
	deps     Deps
	sessions Sessions
	validate *validator.Validate
	sched    *scheduler.Scheduler

	mu      sync.Mutex
	tracked map[string]*tracked
}

func NewDispatcher(cfg Config, deps Deps) *Dispatcher {
	v := validator.New()
	v.SetTagName("binding")
	d := &Dispatcher{
		cfg:      cfg,
		deps:     deps,
		validate: v,
		tracked:  make(map[string]*tracked),
	}
	d.sched = scheduler.NewScheduler(cfg.Tick, d.fire)
	return d
}

// AttachSessions wires the session engine, which in turn depends on the dispatcher.
func (d *Dispatcher) AttachSessions(s Sessions) {
	d.sessions = s
}

// Run drives the timeout, retry and resend deadlines until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Starting dispatcher", "component", "Dispatcher")
	d.sched.Run(ctx)
	slog.Info("Stopping dispatcher", "component", "Dispatcher", "tracked", d.Tracked())
}

// Tracked returns how many operations this process is timing.
func (d *Dispatcher) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tracked)
}

// Submit validates and stores rec, arms its total timeout and routes it to the
// device. The outcome is delivered on the callback address.
func (d *Dispatcher) Submit(ctx context.Context, rec *models.OperationRecord) error {
	if err := d.prepare(ctx, rec); err != nil {
		return err
	}
	slog.Info("Operation submitted", "component", "Dispatcher", "device_key", rec.DeviceKey,
		"correlation_id", rec.CorrelationID, "type", rec.Type)
	d.route(ctx, rec)
	return nil
}

// Cancel fails a pending or running operation. Cancelling a finished one
// reports false.
func (d *Dispatcher) Cancel(ctx context.Context, correlationID string) (bool, error) {
	rec, err := d.deps.Ops.Get(ctx, correlationID)
	if err != nil {
		return false, err
	}
	if rec.State.Terminal() {
		return false, nil
	}
	if _, err := d.deps.Queue.Remove(ctx, rec.DeviceKey, correlationID); err != nil {
		slog.Warn("Failed to remove cancelled operation from queue", "component", "Dispatcher", "correlation_id", correlationID, "error", err)
	}
	if d.sessions != nil {
		d.sessions.Expire(rec.DeviceKey, correlationID)
	}
	final := rec.Clone()
	final.Fail(models.NewOpError(models.ErrCancelled, "cancelled by request"), time.Now())
	ok, err := d.record(ctx, final)
	if err != nil || !ok {
		return false, err
	}
	d.background(func(ctx context.Context) {
		if next := d.notify(ctx, final); next != nil {
			d.route(ctx, next)
		}
	})
	return true, nil
}

func (d *Dispatcher) prepare(ctx context.Context, rec *models.OperationRecord) error {
	if !rec.Type.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, rec.Type)
	}
	if !rec.Identity().Valid() {
		return fmt.Errorf("%w: invalid device identity %q", ErrInvalidOperation, rec.DeviceKey)
	}
	if err := d.validate.Struct(rec.Policy); err != nil {
		return fmt.Errorf("%w: execution policy: %v", ErrInvalidOperation, err)
	}
	if _, err := d.decode(rec); err != nil {
		return err
	}

	d.applyDefaults(rec)
	if rec.CorrelationID == "" {
		rec.CorrelationID = uuid.NewString()
	}
	rec.State = models.OpStatePending
	rec.Attempts = 0
	if err := d.deps.Ops.Create(ctx, rec); err != nil {
		return err
	}
	d.track(rec)
	return nil
}

func (d *Dispatcher) applyDefaults(rec *models.OperationRecord) {
	def := d.cfg.DefaultPolicy
	if rec.Type == models.OpTypeDownload || rec.Type == models.OpTypeUpload {
		def.TimeoutSeconds = int(d.cfg.DownloadTimeout / time.Second)
	}
	if rec.Policy == (models.ExecPolicy{}) {
		rec.Policy = def
		return
	}
	if rec.Policy.TimeoutSeconds == 0 {
		rec.Policy.TimeoutSeconds = def.TimeoutSeconds
	}
	if rec.Policy.RetryIntervalSeconds == 0 {
		rec.Policy.RetryIntervalSeconds = def.RetryIntervalSeconds
	}
}

// decode validates the type-specific payload and returns it.
func (d *Dispatcher) decode(rec *models.OperationRecord) (any, error) {
	s, ok := strategies[rec.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, rec.Type)
	}
	if s.payload == nil {
		return nil, nil
	}
	if len(rec.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s requires a payload", ErrInvalidOperation, rec.Type)
	}
	p := s.payload()
	if err := rec.DecodePayload(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if err := d.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidOperation, rec.Type, err)
	}
	return p, nil
}

// Routing

func (d *Dispatcher) route(ctx context.Context, rec *models.OperationRecord) {
	if d.sessions != nil {
		if err := d.sessions.Deliver(ctx, rec.DeviceKey, rec); err == nil {
			slog.Debug("Operation handed to live session", "component", "Dispatcher", "correlation_id", rec.CorrelationID)
			return
		}
	}
	if busy := d.lockedBy(ctx, rec); busy != nil {
		d.reject(rec, busy)
		return
	}
	if err := d.deps.Queue.Push(ctx, rec); err != nil {
		d.reject(rec, models.NewOpError(models.ErrPersistenceFailure, "failed to queue operation: %v", err))
		return
	}
	d.wake(ctx, rec)
}

// lockedBy returns the Busy failure for a device held by another operation.
// Operations that wait for the lock never get one.
func (d *Dispatcher) lockedBy(ctx context.Context, rec *models.OperationRecord) *models.OpError {
	if rec.Policy.WaitWhenLocked {
		return nil
	}
	reply, err := d.deps.ConnReq.Locked(ctx, rec.DeviceKey)
	if err != nil {
		slog.Warn("Lock lookup failed", "component", "Dispatcher", "device_key", rec.DeviceKey, "error", err)
		return nil
	}
	if reply == nil || reply.LockedByID == rec.CorrelationID {
		return nil
	}
	return busyError(*reply)
}

func busyError(reply models.ConnReqReply) *models.OpError {
	msg := reply.Error
	if msg == "" {
		msg = "device is locked by another operation"
	}
	return models.NewOpError(models.ErrBusy, "%s", msg)
}

// reject fails rec that is not, or no longer, in the External Queue.
func (d *Dispatcher) reject(rec *models.OperationRecord, opErr *models.OpError) {
	final := rec.Clone()
	final.Fail(opErr, time.Now())
	d.background(func(ctx context.Context) { d.settle(ctx, final) })
}

// wake asks the device to open a session. Queued operations of unknown or
// unreachable devices wait for the next Inform.
func (d *Dispatcher) wake(ctx context.Context, rec *models.OperationRecord) {
	dev, err := d.deps.Devices.FindByKey(ctx, rec.DeviceKey)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			slog.Warn("Device lookup failed", "component", "Dispatcher", "device_key", rec.DeviceKey, "error", err)
		}
		slog.Debug("Operation queued for unknown device", "component", "Dispatcher", "device_key", rec.DeviceKey)
		return
	}
	if dev.ConnReqURL == "" {
		return
	}

	reply := d.deps.ConnReq.Request(ctx, models.ConnReqRequest{
		OrgID:         rec.OrgID,
		DeviceKey:     rec.DeviceKey,
		URL:           dev.ConnReqURL,
		Username:      dev.ConnReqUsername,
		Password:      dev.ConnReqPassword,
		Proxy:         dev.ConnReqProxy,
		CorrelationID: rec.CorrelationID,
	})
	slog.Debug("Connection request answered", "component", "Dispatcher", "device_key", rec.DeviceKey,
		"correlation_id", rec.CorrelationID, "state", reply.State)

	switch reply.State {
	case models.ConnReqLocked:
		// Locked after the check in route.
		if rec.Policy.WaitWhenLocked {
			return
		}
		d.withdraw(ctx, rec, busyError(reply))
	case models.ConnReqFailed:
		if d.markResent(rec.CorrelationID) {
			d.schedule(rec.CorrelationID, scheduler.KindResend, time.Now().Add(d.cfg.ResendDelay))
			return
		}
		d.withdraw(ctx, rec, models.NewOpError(models.ErrTimeout, "device unreachable: %s", reply.Error))
	}
}

// withdraw takes rec back from the External Queue and fails it. A record
// already popped by a session is left to that session.
func (d *Dispatcher) withdraw(ctx context.Context, rec *models.OperationRecord, opErr *models.OpError) {
	removed, err := d.deps.Queue.Remove(ctx, rec.DeviceKey, rec.CorrelationID)
	if err != nil {
		slog.Warn("Failed to withdraw operation", "component", "Dispatcher", "correlation_id", rec.CorrelationID, "error", err)
		return
	}
	if !removed {
		return
	}
	d.reject(rec, opErr)
}

// background runs fn on its own goroutine. The caller may itself be the
// consumer of the callback address.
func (d *Dispatcher) background(fn func(ctx context.Context)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StoreTimeout+d.cfg.CallbackTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// settle completes rec from the dispatcher's own goroutines, where a follow-up
// operation has no session to run in and is routed like a submission.
func (d *Dispatcher) settle(ctx context.Context, rec *models.OperationRecord) {
	next, err := d.Complete(ctx, rec)
	if err != nil {
		slog.Error("Failed to complete operation", "component", "Dispatcher", "correlation_id", rec.CorrelationID, "error", err)
		return
	}
	if next != nil {
		d.route(ctx, next)
	}
}

// session.Operations

// Start claims rec and builds its first protocol step.
func (d *Dispatcher) Start(ctx context.Context, rec *models.OperationRecord, dev *models.Device) (session.Outcome, error) {
	claimed, err := d.deps.Ops.Claim(ctx, rec.CorrelationID)
	if err != nil {
		return session.Outcome{}, err
	}
	if !claimed {
		return session.Outcome{}, nil
	}
	running := rec.Clone()
	running.State = models.OpStateInProgress
	running.Attempts++

	payload, err := d.decode(running)
	if err != nil {
		return fail(running, models.ErrInvalidRequest, "%v", err), nil
	}
	return strategies[running.Type].build(running, payload, dev), nil
}

// Resume interprets what the device reported for a locked in-progress operation.
func (d *Dispatcher) Resume(ctx context.Context, correlationID string, report session.Report) (session.Outcome, error) {
	rec, err := d.deps.Ops.Get(ctx, correlationID)
	if err != nil {
		return session.Outcome{}, err
	}
	if rec.State.Terminal() {
		return session.Outcome{}, nil
	}
	s := strategies[rec.Type]
	if s.resume == nil {
		return session.Outcome{}, nil
	}
	payload, err := d.decode(rec)
	if err != nil {
		return fail(rec, models.ErrInvalidRequest, "%v", err), nil
	}
	return s.resume(rec, payload, report), nil
}

// Reattach rebuilds the request with the given method for a session restored
// from the session store.
func (d *Dispatcher) Reattach(ctx context.Context, correlationID, method string, dev *models.Device) (*models.OperationRecord, *session.ProtocolRequest, error) {
	rec, err := d.deps.Ops.Get(ctx, correlationID)
	if err != nil {
		return nil, nil, err
	}
	if rec.State.Terminal() {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotReattachable, correlationID, rec.State)
	}
	payload, err := d.decode(rec)
	if err != nil {
		return nil, nil, err
	}

	s := strategies[rec.Type]
	candidates := s.build(rec, payload, dev).Requests
	if s.followUps != nil {
		candidates = append(candidates, s.followUps(rec, payload)...)
	}
	for _, req := range candidates {
		if req.Method == method {
			return rec, req, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s has no %s step", ErrNotReattachable, rec.Type, method)
}

// Complete settles a finished attempt. Busy and Timeout failures with retries
// left are rescheduled; everything else is written once and delivered to the
// callback address. The returned record is the follow-up the callback asked for.
func (d *Dispatcher) Complete(ctx context.Context, rec *models.OperationRecord) (*models.OperationRecord, error) {
	if rec.State == models.OpStateFailed && rec.ErrorKind.Retryable() && d.retry(ctx, rec) {
		return nil, nil
	}
	ok, err := d.record(ctx, rec)
	if err != nil || !ok {
		return nil, err
	}
	return d.notify(ctx, rec), nil
}

// record writes the terminal outcome. It reports false when the operation
// was already settled, which makes duplicate completions no-ops.
func (d *Dispatcher) record(ctx context.Context, rec *models.OperationRecord) (bool, error) {
	ok, err := d.deps.Ops.Finish(ctx, rec)
	if err != nil {
		return false, err
	}
	d.untrack(rec.CorrelationID)
	if _, err := d.deps.ConnReq.Unlock(ctx, rec.DeviceKey, rec.CorrelationID); err != nil {
		slog.Warn("Failed to release device lock", "component", "Dispatcher", "device_key", rec.DeviceKey, "error", err)
	}
	if !ok {
		slog.Debug("Operation already settled", "component", "Dispatcher", "correlation_id", rec.CorrelationID)
	}
	return ok, nil
}

// notify publishes a recorded outcome and delivers it to the callback
// address. It returns the prepared follow-up operation, if the callback named one.
func (d *Dispatcher) notify(ctx context.Context, rec *models.OperationRecord) *models.OperationRecord {
	slog.Info("Operation finished", "component", "Dispatcher", "device_key", rec.DeviceKey,
		"correlation_id", rec.CorrelationID, "type", rec.Type, "state", rec.State, "error", rec.Error)
	d.cacheValues(ctx, rec)
	d.sendEvent(models.Event{Type: models.EventOperationDone, Payload: rec.Clone()})

	cbCtx, cancel := context.WithTimeout(ctx, d.cfg.CallbackTimeout)
	defer cancel()
	next, err := d.deps.Callbacks.Send(cbCtx, rec.CallbackAddress, rec)
	if err != nil {
		slog.Warn("Callback delivery failed", "component", "Dispatcher", "correlation_id", rec.CorrelationID,
			"address", rec.CallbackAddress, "error", err)
		return nil
	}
	if next == nil {
		return nil
	}
	if err := d.prepare(ctx, next); err != nil {
		slog.Warn("Rejected follow-up operation", "component", "Dispatcher", "correlation_id", rec.CorrelationID, "error", err)
		return nil
	}
	return next
}

// retry reschedules rec when its policy allows another attempt.
func (d *Dispatcher) retry(ctx context.Context, rec *models.OperationRecord) bool {
	d.mu.Lock()
	t := d.tracked[rec.CorrelationID]
	if t == nil {
		t = &tracked{deviceKey: rec.DeviceKey, failures: rec.Attempts - 1}
		d.tracked[rec.CorrelationID] = t
	}
	t.failures++
	attempt := t.failures
	allowed := attempt <= rec.Policy.MaxRetries
	if allowed {
		t.gen++
		t.resent = false
	}
	d.mu.Unlock()
	if !allowed {
		return false
	}

	if err := d.deps.Ops.Requeue(ctx, rec.CorrelationID); err != nil {
		slog.Error("Failed to requeue operation for retry", "component", "Dispatcher", "correlation_id", rec.CorrelationID, "error", err)
		return false
	}
	if _, err := d.deps.ConnReq.Unlock(ctx, rec.DeviceKey, rec.CorrelationID); err != nil {
		slog.Warn("Failed to release device lock", "component", "Dispatcher", "device_key", rec.DeviceKey, "error", err)
	}
	d.schedule(rec.CorrelationID, scheduler.KindRetry, time.Now().Add(rec.Policy.RetryInterval()))
	slog.Info("Operation will be retried", "component", "Dispatcher", "correlation_id", rec.CorrelationID,
		"kind", rec.ErrorKind, "error", rec.Error, "retry", attempt, "max_retries", rec.Policy.MaxRetries)
	return true
}

// Lock records that an accepted multi-session operation holds the device
// until it completes or its total timeout passes.
func (d *Dispatcher) Lock(ctx context.Context, rec *models.OperationRecord) error {
	ttl := rec.Policy.Timeout()
	d.mu.Lock()
	if t := d.tracked[rec.CorrelationID]; t != nil && !t.deadline.IsZero() {
		ttl = time.Until(t.deadline)
	}
	d.mu.Unlock()
	if ttl < time.Second {
		ttl = time.Second
	}
	return d.deps.ConnReq.Lock(ctx, rec, ttl)
}

// Requeue returns an unfinished record to the External Queue.
func (d *Dispatcher) Requeue(ctx context.Context, rec *models.OperationRecord) error {
	if err := d.deps.Ops.Requeue(ctx, rec.CorrelationID); err != nil {
		return err
	}
	current, err := d.deps.Ops.Get(ctx, rec.CorrelationID)
	if err != nil {
		return err
	}
	if current.State.Terminal() {
		return nil
	}
	return d.deps.Queue.Push(ctx, current)
}

// Deadlines

func (d *Dispatcher) track(rec *models.OperationRecord) {
	d.mu.Lock()
	t := &tracked{deviceKey: rec.DeviceKey}
	d.tracked[rec.CorrelationID] = t
	d.mu.Unlock()
	d.schedule(rec.CorrelationID, scheduler.KindTimeout, time.Now().Add(rec.Policy.Timeout()))
}

func (d *Dispatcher) untrack(correlationID string) {
	d.mu.Lock()
	delete(d.tracked, correlationID)
	d.mu.Unlock()
}

func (d *Dispatcher) schedule(correlationID string, kind scheduler.DeadlineKind, at time.Time) {
	d.mu.Lock()
	t := d.tracked[correlationID]
	if t == nil {
		d.mu.Unlock()
		return
	}
	if kind == scheduler.KindTimeout {
		t.deadline = at
	}
	gen := t.gen
	d.mu.Unlock()
	d.sched.Schedule(correlationID, kind, gen, at)
}

func (d *Dispatcher) markResent(correlationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tracked[correlationID]
	if t == nil || t.resent {
		return false
	}
	t.resent = true
	return true
}

func (d *Dispatcher) live(dl *scheduler.Deadline) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tracked[dl.Key]
	return t != nil && t.gen == dl.Gen
}

func (d *Dispatcher) fire(ctx context.Context, due []*scheduler.Deadline) {
	for _, dl := range due {
		if !d.live(dl) {
			continue
		}
		go d.handle(ctx, dl)
	}
}

func (d *Dispatcher) handle(ctx context.Context, dl *scheduler.Deadline) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout+d.cfg.CallbackTimeout)
	defer cancel()

	rec, err := d.deps.Ops.Get(ctx, dl.Key)
	if err != nil {
		slog.Error("Failed to load operation", "component", "Dispatcher", "correlation_id", dl.Key, "deadline", dl.Kind.String(), "error", err)
		return
	}
	if rec.State.Terminal() {
		d.untrack(dl.Key)
		return
	}

	switch dl.Kind {
	case scheduler.KindTimeout:
		d.expire(ctx, rec)
	case scheduler.KindRetry:
		d.schedule(rec.CorrelationID, scheduler.KindTimeout, time.Now().Add(rec.Policy.Timeout()))
		d.route(ctx, rec)
	case scheduler.KindResend:
		if rec.State == models.OpStatePending {
			d.wake(ctx, rec)
		}
	}
}

// expire fails rec with Timeout, noting when the device has also stopped its
// periodic informs.
func (d *Dispatcher) expire(ctx context.Context, rec *models.OperationRecord) {
	now := time.Now()
	msg := fmt.Sprintf("no response from device within %s", rec.Policy.Timeout())
	if dev, err := d.deps.Devices.FindByKey(ctx, rec.DeviceKey); err == nil {
		if n := dev.MissedInforms(now); n > 0 {
			msg += fmt.Sprintf("; device missed %d scheduled periodic informs since %s", n, dev.LastInformAt.UTC().Format(time.RFC3339))
		}
	}

	if _, err := d.deps.Queue.Remove(ctx, rec.DeviceKey, rec.CorrelationID); err != nil {
		slog.Warn("Failed to remove expired operation from queue", "component", "Dispatcher", "correlation_id", rec.CorrelationID, "error", err)
	}
	if d.sessions != nil {
		d.sessions.Expire(rec.DeviceKey, rec.CorrelationID)
	}
	slog.Warn("Operation timed out", "component", "Dispatcher", "device_key", rec.DeviceKey, "correlation_id", rec.CorrelationID, "detail", msg)

	final := rec.Clone()
	final.Fail(models.NewOpError(models.ErrTimeout, "%s", msg), now)
	d.settle(ctx, final)
}

// cacheValues keeps the device's parameter cache in step with successful reads.
func (d *Dispatcher) cacheValues(ctx context.Context, rec *models.OperationRecord) {
	if rec.Type != models.OpTypeGetValues || rec.State != models.OpStateSucceeded || len(rec.Result) == 0 {
		return
	}
	var values []models.ParameterValue
	if err := json.Unmarshal(rec.Result, &values); err != nil {
		return
	}
	merged := make(map[string]string, len(values))
	for _, v := range values {
		merged[v.Name] = v.Value
	}
	if err := d.deps.Devices.MergeParameters(ctx, rec.DeviceKey, merged); err != nil {
		slog.Warn("Failed to cache parameter values", "component", "Dispatcher", "device_key", rec.DeviceKey, "error", err)
	}
}

func (d *Dispatcher) sendEvent(event models.Event) {
	if d.deps.LogCh == nil {
		return
	}
	select {
	case d.deps.LogCh <- event:
	default:
		slog.Warn("Log channel full, dropping event", "component", "Dispatcher", "type", event.Type)
	}
}
