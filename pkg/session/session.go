package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"acs/pkg/cwmp"
	"acs/pkg/models"
	"acs/pkg/queue"
)

// ErrSessionNotFound is returned when no live session holds the device.
var ErrSessionNotFound = errors.New("no live session for device")

// Exchange is one HTTP POST received from a device.
type Exchange struct {
	OrgID    string // from the endpoint path; empty means the default org
	Cookie   string
	Message  *cwmp.Envelope // nil for an empty POST
	Username string
	Password string
	HasAuth  bool
}

// Reply is what the HTTP layer writes back.
type Reply struct {
	Status    int
	Message   *cwmp.Envelope
	Cookie    string
	Challenge bool
}

var emptyReply = Reply{Status: http.StatusNoContent}

// Mailbox events. Everything that changes a session goes through its mailbox
// and is applied by the session goroutine.
type (
	evExchange struct {
		msg   *cwmp.Envelope
		reply chan Reply
	}
	evOperation struct {
		rec *models.OperationRecord
		ack chan error
	}
	evExpire struct{ correlationID string }
	evStop   struct{ reason string }
	evTimer  struct{ gen uint64 }
	evPoll   struct{ gen uint64 }

	evLoaded struct {
		dev     *models.Device
		locked  *models.OperationRecord
		pending int
		err     error
	}
	evStarted struct {
		rec *models.OperationRecord
		out Outcome
		err error
	}
	evPopped struct {
		rec *models.OperationRecord
		err error
	}
	evCompleted struct {
		next *models.OperationRecord
		err  error
	}
	evLocked  struct{ err error }
	evResumed struct {
		out Outcome
		err error
	}
)

// Session is the state machine of one CWMP session. All fields below are
// owned by the run goroutine.
type Session struct {
	m         *Manager
	id        models.DeviceIdentity
	cookie    string
	startedAt time.Time

	mailbox chan any
	done    chan struct{}
	info    atomic.Pointer[models.SessionInfo]

	state     State
	version   string
	nextID    uint64
	dev       *models.Device
	report    Report
	triggered bool
	resumed   bool
	replaced  bool

	rq      RequestQueue
	ops     []*models.OperationRecord // accepted, not started
	current *models.OperationRecord
	locked  *models.OperationRecord // multi-session operation holding the device

	held   chan Reply
	heldID string

	timer    *time.Timer
	timerGen uint64
	poll     *time.Timer
	pollGen  uint64
	polling  bool
	inflight int
}

func newSession(m *Manager, id models.DeviceIdentity, cookie string) *Session {
	s := &Session{
		m:         m,
		id:        id,
		cookie:    cookie,
		startedAt: time.Now(),
		mailbox:   make(chan any, 32),
		done:      make(chan struct{}),
		state:     StateStart,
		version:   cwmp.NsCwmp10,
	}
	s.refreshInfo()
	return s
}

// Info returns the latest snapshot of the session.
func (s *Session) Info() models.SessionInfo {
	return *s.info.Load()
}

func (s *Session) post(ev any) bool {
	select {
	case s.mailbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

// exchange hands a device message to the session and waits for the answer.
func (s *Session) exchange(ctx context.Context, msg *cwmp.Envelope) Reply {
	reply := make(chan Reply, 1)
	if !s.post(evExchange{msg: msg, reply: reply}) {
		return emptyReply
	}
	select {
	case r := <-reply:
		return r
	case <-s.done:
		select {
		case r := <-reply:
			return r
		default:
			return emptyReply
		}
	case <-ctx.Done():
		return emptyReply
	}
}

// deliver adds an operation to the session's queue.
func (s *Session) deliver(ctx context.Context, rec *models.OperationRecord) error {
	ack := make(chan error, 1)
	if !s.post(evOperation{rec: rec.Clone(), ack: ack}) {
		return ErrSessionNotFound
	}
	select {
	case err := <-ack:
		return err
	case <-s.done:
		select {
		case err := <-ack:
			return err
		default:
			return ErrSessionNotFound
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	defer s.exit()
	s.armTimer()

	for ev := range s.mailbox {
		s.handle(ev)
		if s.state.Terminal() && s.inflight == 0 {
			return
		}
	}
}

func (s *Session) exit() {
	s.stopTimers()
	close(s.done)
	s.m.unregister(s)
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case evExchange:
		s.onExchange(ev.msg, ev.reply)
	case evOperation:
		s.onOperation(ev.rec, ev.ack)
	case evExpire:
		s.onExpire(ev.correlationID)
	case evStop:
		s.terminate(ev.reason)
	case evReplace:
		s.replaced = true
		s.terminate("replaced by a new session")
	case evTimer:
		if ev.gen == s.timerGen && !s.state.Terminal() {
			s.onTimeout()
		}
	case evPoll:
		if ev.gen == s.pollGen && s.idle() {
			s.pollQueue()
		}
	case evLoaded:
		s.inflight--
		s.onLoaded(ev)
	case evStarted:
		s.inflight--
		s.onStarted(ev)
	case evPopped:
		s.inflight--
		s.polling = false
		s.onPopped(ev)
	case evCompleted:
		s.inflight--
		s.onCompleted(ev)
	case evLocked:
		s.inflight--
		s.onLocked(ev)
	case evResumed:
		s.inflight--
		s.onResumed(ev)
	}
}

// Device messages

func (s *Session) onExchange(msg *cwmp.Envelope, reply chan Reply) {
	if s.state.Terminal() {
		reply <- Reply{Status: http.StatusNoContent, Cookie: s.cookie}
		return
	}
	if s.held != nil {
		// The device gave up on the previous POST and started a new one.
		s.respondEmpty()
	}
	s.held = reply
	s.heldID = ""
	if msg != nil {
		s.heldID = msg.ID
		s.version = msg.Version
	}

	switch s.state {
	case StateStart:
		s.onInform(msg)
	case StateServer:
		s.onServerMessage(msg)
	case StatePendingDeviceResponse:
		s.onDeviceResponse(msg)
	default:
		// Holding states keep the new POST open until there is something to send.
		if msg != nil {
			s.onDeviceRequest(msg)
		}
	}
}

func (s *Session) onInform(msg *cwmp.Envelope) {
	inform, ok := msg.Body.(*cwmp.Inform)
	if !ok {
		s.respondFault(cwmp.FaultRequestDenied, "session must start with an Inform")
		s.end(models.ErrProtocolViolation, "no inform")
		return
	}
	if inform.Event == nil {
		s.respondFault(cwmp.FaultInvalidArguments, "Malformed Inform! No event list found!")
		s.end(models.ErrProtocolViolation, "inform without event list")
		return
	}

	s.report = newReport(inform)
	s.triggered = s.report.Has(cwmp.EventConnectionRequest)
	s.transition(StateQueryingDeviceStore)

	record := informRecord(s.id, inform)
	deps, key := s.m.deps, s.id.DeviceKey
	s.async(s.m.cfg.StoreTimeout, func(ctx context.Context) any {
		dev, err := deps.Devices.RecordInform(ctx, record)
		if err != nil {
			return evLoaded{err: err}
		}
		locked, err := deps.Presence.ClaimSession(ctx, key)
		if err != nil {
			return evLoaded{err: err}
		}
		pending, err := deps.Queue.Len(ctx, key)
		if err != nil {
			return evLoaded{err: err}
		}
		return evLoaded{dev: dev, locked: locked, pending: pending}
	})
}

func (s *Session) onLoaded(ev evLoaded) {
	if s.state.Terminal() {
		if ev.err == nil && !s.replaced {
			s.background(func(ctx context.Context) error { return s.m.deps.Presence.ReleaseSession(ctx, s.id.DeviceKey) })
		}
		return
	}
	if ev.err != nil {
		slog.Error("Failed to load device", "component", "Session", "device_key", s.id.DeviceKey, "error", ev.err)
		s.respondFault(cwmp.FaultInternalError, "")
		s.end(models.ErrPersistenceFailure, "device store: "+ev.err.Error())
		return
	}

	s.dev = ev.dev
	s.locked = ev.locked
	if ev.pending > 0 {
		s.triggered = true
	}
	s.transition(StateServer)
	s.respond(&cwmp.Envelope{ID: s.heldID, Version: s.version, Method: "InformResponse", Body: &cwmp.InformResponse{MaxEnvelopes: 1}})
	s.persist()
	s.publish(models.EventSessionStarted, strings.Join(s.report.Events, ","))
}

func (s *Session) onServerMessage(msg *cwmp.Envelope) {
	if msg == nil {
		s.onEmptyPoll()
		return
	}
	if cwmp.IsResponse(msg.Method) || msg.Method == cwmp.MethodFault {
		s.violation(fmt.Sprintf("%s received with no request outstanding", msg.Method))
		return
	}
	s.onDeviceRequest(msg)
	s.armTimer()
}

// onDeviceRequest answers the RPCs a device may call on the server.
func (s *Session) onDeviceRequest(msg *cwmp.Envelope) {
	switch msg.Method {
	case cwmp.MethodTransferComplete:
		tc, _ := msg.Body.(*cwmp.TransferComplete)
		s.report.Transfer = tc
		s.respond(&cwmp.Envelope{ID: msg.ID, Version: s.version, Method: "TransferCompleteResponse", Body: &cwmp.TransferCompleteResponse{}})
	case cwmp.MethodGetRPCMethods:
		s.respond(&cwmp.Envelope{ID: msg.ID, Version: s.version, Method: "GetRPCMethodsResponse", Body: &cwmp.GetRPCMethodsResponse{
			MethodList: cwmp.NewStringList(cwmp.ServerMethods),
		}})
	case cwmp.MethodInform:
		s.respondFault(cwmp.FaultRequestDenied, "Inform is only valid at the start of a session")
	default:
		slog.Warn("Unsupported device RPC", "component", "Session", "device_key", s.id.DeviceKey, "method", msg.Method)
		s.respondFault(cwmp.FaultMethodNotSupported, "")
	}
}

func (s *Session) onEmptyPoll() {
	if s.locked != nil && !s.resumed && s.report.Continuation() {
		s.resumed = true
		s.transition(StateReadingInProgressOperation)
		ops, correlationID, report := s.m.deps.Ops, s.locked.CorrelationID, s.report
		s.async(s.m.cfg.StoreTimeout, func(ctx context.Context) any {
			out, err := ops.Resume(ctx, correlationID, report)
			return evResumed{out: out, err: err}
		})
		return
	}
	s.advance()
}

func (s *Session) onDeviceResponse(msg *cwmp.Envelope) {
	out := s.rq.Outstanding()
	if msg == nil {
		s.violation("empty message while " + out.Method + " is outstanding")
		return
	}

	switch {
	case msg.Method == cwmp.MethodFault || msg.Method == cwmp.ResponseTo(out.Method):
		if msg.ID != out.messageID {
			s.violation(fmt.Sprintf("%s carries id %q, expected %q", msg.Method, msg.ID, out.messageID))
			return
		}
		s.rq.Resolve()
		var o Outcome
		if fault, ok := msg.Body.(*cwmp.Fault); ok {
			o = out.Handlers.OnFault(fault)
		} else {
			o = out.Handlers.OnResponse(msg)
		}
		if o.empty() && s.rq.Len() == 0 {
			s.current = nil
		}
		s.apply(o)
	case cwmp.IsResponse(msg.Method):
		s.violation(fmt.Sprintf("%s received while %s is outstanding", msg.Method, out.Method))
	default:
		s.respondFault(cwmp.FaultRequestDenied, out.Method+" is outstanding")
	}
}

// Operations

func (s *Session) onOperation(rec *models.OperationRecord, ack chan error) {
	if s.state.Terminal() || s.locked != nil {
		ack <- ErrSessionNotFound
		return
	}
	s.ops = append(s.ops, rec)
	ack <- nil
	s.refreshInfo()
	if s.idle() {
		s.startNext()
	}
}

// idle reports whether the session is holding the device open with nothing to do.
func (s *Session) idle() bool {
	return s.state == StateAwaitingNewOperation && s.current == nil
}

// advance picks the next step once the device is waiting for the server.
func (s *Session) advance() {
	if s.rq.Outstanding() == nil && s.rq.Len() > 0 {
		s.sendNext()
		return
	}
	if s.locked != nil {
		s.end(models.ErrBusy, "device busy with "+string(s.locked.Type)+" "+s.locked.CorrelationID)
		return
	}
	if s.current == nil && len(s.ops) > 0 {
		s.startNext()
		return
	}
	if s.triggered {
		s.transition(StateAwaitingNewOperation)
		s.pollQueue()
		return
	}
	s.terminate("no more work")
}

func (s *Session) startNext() {
	rec := s.ops[0]
	s.ops[0] = nil
	s.ops = s.ops[1:]
	s.current = rec
	s.transition(StateAwaitingNewOperation)

	ops, dev := s.m.deps.Ops, s.dev
	s.async(s.m.cfg.StoreTimeout, func(ctx context.Context) any {
		out, err := ops.Start(ctx, rec, dev)
		return evStarted{rec: rec, out: out, err: err}
	})
}

func (s *Session) onStarted(ev evStarted) {
	if s.state.Terminal() || s.current == nil || s.current.CorrelationID != ev.rec.CorrelationID {
		s.abandon(ev.rec, ev.out)
		return
	}
	if ev.err != nil {
		slog.Error("Failed to start operation", "component", "Session", "device_key", s.id.DeviceKey,
			"correlation_id", ev.rec.CorrelationID, "error", ev.err)
		s.current = nil
		s.background(func(ctx context.Context) error { return s.m.deps.Ops.Requeue(ctx, ev.rec) })
		s.respondFault(cwmp.FaultInternalError, "")
		s.end(models.ErrPersistenceFailure, "operation store: "+ev.err.Error())
		return
	}
	if ev.out.empty() {
		// Claimed by another session.
		s.current = nil
		s.advance()
		return
	}
	s.apply(ev.out)
}

// abandon settles the result of a start that no longer has a session to run in.
func (s *Session) abandon(rec *models.OperationRecord, out Outcome) {
	switch {
	case out.Final != nil:
		s.deliverFinal(out.Final)
	case len(out.Requests) > 0:
		s.background(func(ctx context.Context) error { return s.m.deps.Ops.Requeue(ctx, rec) })
	}
}

func (s *Session) apply(out Outcome) {
	switch {
	case out.Final != nil:
		s.complete(out.Final)
	case out.InProgress != nil:
		s.lock(out.InProgress)
	default:
		s.rq.Push(out.Requests...)
		s.advance()
	}
}

func (s *Session) sendNext() {
	req, err := s.rq.Next()
	if err != nil || req == nil {
		return
	}
	s.nextID++
	req.messageID = strconv.FormatUint(s.nextID, 10)
	s.transition(StatePendingDeviceResponse)
	s.respond(&cwmp.Envelope{ID: req.messageID, Version: s.version, Method: req.Method, Body: req.Body})
	s.persist()
	slog.Debug("Request sent", "component", "Session", "device_key", s.id.DeviceKey,
		"method", req.Method, "message_id", req.messageID, "correlation_id", req.CorrelationID)
}

func (s *Session) complete(final *models.OperationRecord) {
	wasLocked := s.locked != nil && s.locked.CorrelationID == final.CorrelationID
	if wasLocked {
		s.locked = nil
	}
	s.current = nil
	s.rq.DropFor(final.CorrelationID)
	s.transition(StatePendingCallback)

	deps, key := s.m.deps, s.id.DeviceKey
	s.async(s.m.cfg.CallbackTimeout+s.m.cfg.StoreTimeout, func(ctx context.Context) any {
		next, err := deps.Ops.Complete(ctx, final)
		if err == nil && wasLocked {
			if _, claimErr := deps.Presence.ClaimSession(ctx, key); claimErr != nil {
				slog.Warn("Failed to reclaim session presence", "component", "Session", "device_key", key, "error", claimErr)
			}
		}
		return evCompleted{next: next, err: err}
	})
}

func (s *Session) onCompleted(ev evCompleted) {
	if ev.next != nil {
		if s.state.Terminal() {
			next := ev.next
			s.background(func(ctx context.Context) error { return s.m.deps.Ops.Requeue(ctx, next) })
		} else {
			s.ops = append([]*models.OperationRecord{ev.next}, s.ops...)
		}
	}
	if s.state.Terminal() {
		return
	}
	if ev.err != nil {
		slog.Error("Failed to complete operation", "component", "Session", "device_key", s.id.DeviceKey, "error", ev.err)
		if s.state == StatePendingCallback {
			s.respondFault(cwmp.FaultInternalError, "")
		}
		s.end(models.ErrPersistenceFailure, "operation store: "+ev.err.Error())
		return
	}
	switch {
	case s.state == StatePendingCallback:
		s.advance()
	case s.idle() && len(s.ops) > 0:
		s.startNext()
	}
}

func (s *Session) lock(rec *models.OperationRecord) {
	s.current = nil
	s.locked = rec
	s.rq.DropFor(rec.CorrelationID)
	s.transition(StatePendingCallback)

	ops := s.m.deps.Ops
	s.async(s.m.cfg.StoreTimeout, func(ctx context.Context) any {
		return evLocked{err: ops.Lock(ctx, rec)}
	})
}

func (s *Session) onLocked(ev evLocked) {
	if s.state.Terminal() {
		return
	}
	if ev.err != nil {
		slog.Error("Failed to lock device", "component", "Session", "device_key", s.id.DeviceKey, "error", ev.err)
		s.respondFault(cwmp.FaultInternalError, "")
		s.end(models.ErrPersistenceFailure, "lock: "+ev.err.Error())
		return
	}
	// The outcome arrives in a later session; let the device act now.
	s.terminate(string(s.locked.Type) + " accepted, awaiting completion")
}

func (s *Session) onResumed(ev evResumed) {
	if s.state.Terminal() {
		if ev.out.Final != nil {
			s.deliverFinal(ev.out.Final)
		}
		return
	}
	if ev.err != nil {
		slog.Error("Failed to read in-progress operation", "component", "Session", "device_key", s.id.DeviceKey, "error", ev.err)
		s.respondFault(cwmp.FaultInternalError, "")
		s.end(models.ErrPersistenceFailure, "in-progress read: "+ev.err.Error())
		return
	}
	if len(ev.out.Requests) > 0 {
		s.current = s.locked
	}
	if ev.out.empty() {
		s.advance()
		return
	}
	s.apply(ev.out)
}

func (s *Session) onExpire(correlationID string) {
	s.ops = slices.DeleteFunc(s.ops, func(rec *models.OperationRecord) bool {
		return rec.CorrelationID == correlationID
	})
	if s.locked != nil && s.locked.CorrelationID == correlationID {
		s.locked = nil
	}
	if s.state.Terminal() || s.current == nil || s.current.CorrelationID != correlationID {
		s.refreshInfo()
		return
	}

	s.current = nil
	s.rq.DropFor(correlationID)
	if out := s.rq.Outstanding(); out != nil && out.CorrelationID == correlationID {
		s.rq.Resolve()
		s.terminate("operation " + correlationID + " timed out")
		return
	}
	if s.state == StateAwaitingNewOperation {
		s.advance()
	}
}

// External queue polling

func (s *Session) pollQueue() {
	if s.polling {
		return
	}
	s.polling = true
	q, key := s.m.deps.Queue, s.id.DeviceKey
	s.async(s.m.cfg.StoreTimeout, func(ctx context.Context) any {
		rec, err := q.Pop(ctx, key)
		return evPopped{rec: rec, err: err}
	})
}

func (s *Session) onPopped(ev evPopped) {
	if ev.err != nil && !errors.Is(ev.err, queue.ErrEmpty) {
		slog.Warn("External queue read failed", "component", "Session", "device_key", s.id.DeviceKey, "error", ev.err)
	}
	if ev.rec != nil {
		if s.state.Terminal() {
			rec := ev.rec
			s.background(func(ctx context.Context) error { return s.m.deps.Queue.Push(ctx, rec) })
			return
		}
		s.ops = append(s.ops, ev.rec)
	}
	if !s.idle() {
		return
	}
	if len(s.ops) > 0 {
		s.startNext()
		return
	}
	s.schedulePoll()
}

func (s *Session) schedulePoll() {
	if s.poll != nil {
		s.poll.Stop()
	}
	s.pollGen++
	gen := s.pollGen
	s.poll = time.AfterFunc(s.m.cfg.PollInterval, func() { s.post(evPoll{gen: gen}) })
}

// Timers and transitions

func (s *Session) timeoutFor(state State) time.Duration {
	if state == StateAwaitingNewOperation {
		return s.m.cfg.NbiTimeout
	}
	return s.m.cfg.SessionTimeout
}

// armTimer restarts the inactivity timer. Events from earlier timers carry a
// stale generation and are ignored.
func (s *Session) armTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(s.timeoutFor(s.state), func() { s.post(evTimer{gen: gen}) })
}

func (s *Session) stopTimers() {
	s.timerGen++
	s.pollGen++
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.poll != nil {
		s.poll.Stop()
	}
}

func (s *Session) onTimeout() {
	switch s.state {
	case StatePendingDeviceResponse:
		out := s.rq.Resolve()
		slog.Warn("Device did not answer", "component", "Session", "device_key", s.id.DeviceKey,
			"method", out.Method, "message_id", out.messageID)
		s.rq.DropFor(out.CorrelationID)
		if o := out.Handlers.OnTimeout(); o.Final != nil {
			s.deliverFinal(o.Final)
		}
		s.current = nil
		s.terminate("no response to " + out.Method)
	case StatePendingCallback:
		slog.Warn("Callback still pending, moving on", "component", "Session", "device_key", s.id.DeviceKey)
		s.advance()
	case StateQueryingDeviceStore:
		s.respondFault(cwmp.FaultInternalError, "")
		s.terminate("device store timed out")
	default:
		s.terminate("inactive in " + s.state.String())
	}
}

func (s *Session) transition(to State) {
	from := s.state
	s.state = to
	if from != to {
		slog.Debug("Session transition", "component", "Session", "device_key", s.id.DeviceKey, "from", from.String(), "to", to.String())
	}
	if to.Terminal() {
		s.stopTimers()
	} else {
		s.armTimer()
		if to != StateAwaitingNewOperation && s.poll != nil {
			s.pollGen++
			s.poll.Stop()
		}
	}
	s.refreshInfo()
}

// violation fails what is in flight and ends the session.
func (s *Session) violation(detail string) {
	slog.Warn("Protocol violation", "component", "Session", "device_key", s.id.DeviceKey, "detail", detail)
	s.drain(models.NewOpError(models.ErrProtocolViolation, "%s", detail))
	s.terminate("protocol violation: " + detail)
}

// drain discards the outstanding and queued requests, delivering what their
// handlers report.
func (s *Session) drain(reason *models.OpError) {
	reqs := s.rq.Drain()
	if out := s.rq.Resolve(); out != nil {
		reqs = append([]*ProtocolRequest{out}, reqs...)
	}
	delivered := make(map[string]bool)
	for _, req := range reqs {
		if req.Handlers.OnDrain == nil || delivered[req.CorrelationID] {
			continue
		}
		if o := req.Handlers.OnDrain(reason); o.Final != nil {
			delivered[req.CorrelationID] = true
			s.deliverFinal(o.Final)
		}
	}
	if len(reqs) > 0 {
		s.current = nil
	}
}

func (s *Session) terminate(reason string) {
	s.end(models.ErrTimeout, reason)
}

// end closes the session. Requests still queued fail with kind.
func (s *Session) end(kind models.ErrorKind, reason string) {
	if s.state.Terminal() {
		return
	}
	s.drain(models.NewOpError(kind, "session ended: %s", reason))
	s.transition(StateTerminated)
	s.respondEmpty()

	for _, rec := range s.ops {
		s.background(func(ctx context.Context) error { return s.m.deps.Ops.Requeue(ctx, rec) })
	}
	s.ops = nil
	s.refreshInfo()

	deps, key, cookie, replaced := s.m.deps, s.id.DeviceKey, s.cookie, s.replaced
	s.background(func(ctx context.Context) error {
		if !replaced {
			if err := deps.Presence.ReleaseSession(ctx, key); err != nil {
				return err
			}
		}
		return deps.Sessions.Delete(ctx, cookie)
	})

	slog.Info("Session ended", "component", "Session", "device_key", key, "reason", reason)
	s.publish(models.EventSessionEnded, reason)
}

// Replies

func (s *Session) respond(env *cwmp.Envelope) {
	if s.held == nil {
		return
	}
	s.held <- Reply{Status: http.StatusOK, Message: env, Cookie: s.cookie}
	s.held = nil
}

func (s *Session) respondEmpty() {
	if s.held == nil {
		return
	}
	s.held <- Reply{Status: http.StatusNoContent, Cookie: s.cookie}
	s.held = nil
}

func (s *Session) respondFault(code int, detail string) {
	fault := cwmp.NewFault(s.heldID, code, detail)
	fault.Version = s.version
	s.respond(fault)
}

// Side effects

// async runs a store call off the session goroutine and posts its result back.
func (s *Session) async(timeout time.Duration, fn func(ctx context.Context) any) {
	s.inflight++
	go func() {
		ctx, cancel := context.WithTimeout(s.m.ctx, timeout)
		defer cancel()
		s.post(fn(ctx))
	}()
}

// background runs a fire-and-forget call whose result the session does not need.
func (s *Session) background(fn func(ctx context.Context) error) {
	timeout := s.m.cfg.StoreTimeout
	go func() {
		ctx, cancel := context.WithTimeout(s.m.ctx, timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Error("Session side effect failed", "component", "Session", "device_key", s.id.DeviceKey, "error", err)
		}
	}()
}

func (s *Session) deliverFinal(rec *models.OperationRecord) {
	ops := s.m.deps.Ops
	timeout := s.m.cfg.CallbackTimeout + s.m.cfg.StoreTimeout
	go func() {
		ctx, cancel := context.WithTimeout(s.m.ctx, timeout)
		defer cancel()
		next, err := ops.Complete(ctx, rec)
		if err != nil {
			slog.Error("Failed to complete operation", "component", "Session", "correlation_id", rec.CorrelationID, "error", err)
			return
		}
		if next != nil {
			if err := ops.Requeue(ctx, next); err != nil {
				slog.Error("Failed to queue follow-up operation", "component", "Session", "correlation_id", next.CorrelationID, "error", err)
			}
		}
	}()
}

func (s *Session) persist() {
	rec := s.record()
	store := s.m.deps.Sessions
	s.background(func(ctx context.Context) error { return store.Save(ctx, rec) })
}

func (s *Session) record() *models.SessionRecord {
	rec := &models.SessionRecord{
		Cookie:        s.cookie,
		OrgID:         s.id.OrgID,
		DeviceKey:     s.id.DeviceKey,
		Owner:         s.m.cfg.Node,
		CwmpVersion:   s.version,
		NextMessageID: s.nextID,
		State:         s.state.String(),
		Triggered:     s.triggered,
		Continuation:  s.locked != nil,
		Events:        strings.Join(s.report.Events, ","),
		ExpiresAt:     time.Now().Add(s.m.cfg.RecordTTL),
	}
	if s.current != nil {
		rec.CurrentOpID = s.current.CorrelationID
	}
	if out := s.rq.Outstanding(); out != nil {
		rec.OutstandingID = out.messageID
		rec.OutstandingRPC = out.Method
	}
	return rec
}

func (s *Session) refreshInfo() {
	info := &models.SessionInfo{
		DeviceKey: s.id.DeviceKey,
		Cookie:    s.cookie,
		State:     s.state.String(),
		Triggered: s.triggered,
		QueuedOps: len(s.ops),
		StartedAt: s.startedAt,
	}
	if s.current != nil {
		info.CurrentOpID = s.current.CorrelationID
	}
	s.info.Store(info)
}

func (s *Session) publish(kind models.EventType, detail string) {
	s.m.publish(models.Event{Type: kind, Payload: &models.SessionMilestone{
		DeviceKey: s.id.DeviceKey,
		Cookie:    s.cookie,
		State:     s.state.String(),
		Detail:    detail,
		Timestamp: time.Now(),
	}})
}

// informRecord extracts what the device reported about itself.
func informRecord(id models.DeviceIdentity, inform *cwmp.Inform) models.InformRecord {
	rec := models.InformRecord{
		Identity:     id,
		Manufacturer: inform.DeviceID.Manufacturer,
		OUI:          inform.DeviceID.OUI,
		ProductClass: inform.DeviceID.ProductClass,
		SerialNumber: inform.DeviceID.SerialNumber,
		Parameters:   make(map[string]string, len(inform.ParameterList)),
		At:           time.Now(),
	}
	for _, p := range inform.ParameterList {
		rec.Parameters[p.Name] = p.Value.Value
	}
	rec.SoftwareVersion, _ = inform.Parameter("DeviceInfo.SoftwareVersion")
	rec.ConnReqURL, _ = inform.Parameter("ManagementServer.ConnectionRequestURL")
	if v, ok := inform.Parameter("ManagementServer.PeriodicInformEnable"); ok {
		enabled := v == "1" || strings.EqualFold(v, "true")
		rec.PeriodicInformEnabled = &enabled
	}
	if v, ok := inform.Parameter("ManagementServer.PeriodicInformInterval"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			rec.PeriodicInformIntervalSeconds = &n
		}
	}
	return rec
}
