// Package session runs the server side of CWMP sessions. Each live session is
// a goroutine that owns its state; HTTP handlers, the dispatcher and timers
// talk to it through its mailbox. Sessions are grouped into shards by device
// key, and the cookie names the shard so that any exchange can be routed
// without a global lock.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"acs/pkg/cwmp"
	"acs/pkg/models"
	"acs/pkg/queue"
)

// DeviceStore persists what devices report about themselves.
type DeviceStore interface {
	RecordInform(ctx context.Context, inf models.InformRecord) (*models.Device, error)
	FindByKey(ctx context.Context, deviceKey string) (*models.Device, error)
}

// SessionStore keeps the durable side of sessions.
type SessionStore interface {
	Save(ctx context.Context, rec *models.SessionRecord) error
	Get(ctx context.Context, cookie string) (*models.SessionRecord, error)
	Delete(ctx context.Context, cookie string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Presence records that a session holds a device. ClaimSession returns the
// multi-session operation that holds the device lock, if any.
type Presence interface {
	ClaimSession(ctx context.Context, deviceKey string) (*models.OperationRecord, error)
	ReleaseSession(ctx context.Context, deviceKey string) error
}

// Operations turns operation records into protocol requests and settles their outcomes.
type Operations interface {
	// Start claims a pending record and builds its first step. An empty
	// Outcome means the record was claimed elsewhere or is already finished.
	Start(ctx context.Context, rec *models.OperationRecord, dev *models.Device) (Outcome, error)
	// Resume matches a locked in-progress operation against what the device reported.
	Resume(ctx context.Context, correlationID string, report Report) (Outcome, error)
	// Reattach rebuilds the request a lost session had outstanding.
	Reattach(ctx context.Context, correlationID, method string, dev *models.Device) (*models.OperationRecord, *ProtocolRequest, error)
	// Complete records a terminal record, or schedules a retry, and returns
	// the follow-up operation named by the callback reply.
	Complete(ctx context.Context, rec *models.OperationRecord) (*models.OperationRecord, error)
	// Lock marks an accepted multi-session operation as holding the device.
	Lock(ctx context.Context, rec *models.OperationRecord) error
	// Requeue puts an unfinished record back on the External Queue.
	Requeue(ctx context.Context, rec *models.OperationRecord) error
}

// Config holds the timing knobs of the engine.
type Config struct {
	Node            string
	DefaultOrgID    string
	Shards          int
	SessionTimeout  time.Duration // inactivity timeout of every state but AwaitingNewOperation
	NbiTimeout      time.Duration // how long a triggered session waits for new operations
	PollInterval    time.Duration
	StoreTimeout    time.Duration
	CallbackTimeout time.Duration
	RecordTTL       time.Duration
}

// Deps are the collaborators of the engine.
type Deps struct {
	Devices  DeviceStore
	Sessions SessionStore
	Presence Presence
	Queue    queue.Queue
	Ops      Operations
	Auth     Authenticator
	LogCh    chan<- models.Event // Output: session milestones for the communication log
}

type shard struct {
	mu       sync.Mutex
	byKey    map[string]*Session
	byCookie map[string]*Session
}

// Manager routes device exchanges to sessions.
type Manager struct {
	cfg    Config
	deps   Deps
	shards []*shard
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if deps.Auth == nil {
		deps.Auth = AllowAll{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{cfg: cfg, deps: deps, ctx: ctx, cancel: cancel}
	m.shards = make([]*shard, cfg.Shards)
	for i := range m.shards {
		m.shards[i] = &shard{byKey: make(map[string]*Session), byCookie: make(map[string]*Session)}
	}
	return m
}

// Run purges expired session records until ctx is done, then ends every
// live session.
func (m *Manager) Run(ctx context.Context) {
	slog.Info("Starting session manager", "component", "SessionManager", "shards", len(m.shards), "node", m.cfg.Node)
	ticker := time.NewTicker(m.cfg.RecordTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case now := <-ticker.C:
			purgeCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
			n, err := m.deps.Sessions.PurgeExpired(purgeCtx, now)
			cancel()
			if err != nil {
				slog.Error("Failed to purge session records", "component", "SessionManager", "error", err)
			} else if n > 0 {
				slog.Debug("Purged session records", "component", "SessionManager", "count", n)
			}
		}
	}
}

func (m *Manager) shutdown() {
	slog.Info("Stopping session manager", "component", "SessionManager")
	for _, s := range m.all() {
		s.post(evStop{reason: "server shutting down"})
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.StoreTimeout):
		slog.Warn("Sessions still running at shutdown", "component", "SessionManager")
	}
	m.cancel()
}

// Handle processes one device POST and returns what to write back.
func (m *Manager) Handle(ctx context.Context, ex Exchange) Reply {
	msg := ex.Message
	if msg != nil && msg.Method == cwmp.MethodInform {
		return m.open(ctx, ex)
	}

	s, err := m.lookup(ctx, ex.Cookie)
	if err != nil {
		slog.Warn("Exchange outside a session", "component", "SessionManager", "cookie", ex.Cookie, "error", err)
		if msg == nil {
			return emptyReply
		}
		return Reply{Status: http.StatusOK, Message: cwmp.NewFault(msg.ID, cwmp.FaultRequestDenied, "no session")}
	}
	return s.exchange(ctx, msg)
}

// open starts a session for an Inform, replacing any live session of the device.
func (m *Manager) open(ctx context.Context, ex Exchange) Reply {
	inform := ex.Message.Body.(*cwmp.Inform)
	org := ex.OrgID
	if org == "" {
		org = m.cfg.DefaultOrgID
	}
	id := models.NewDeviceIdentity(org, inform.DeviceID.OUI, inform.DeviceID.SerialNumber)

	if !m.deps.Auth.Authenticate(ex.Username, ex.Password, ex.HasAuth) {
		slog.Warn("Device authentication failed", "component", "SessionManager", "device_key", id.DeviceKey)
		m.publish(models.Event{Type: models.EventSessionEnded, Payload: &models.SessionMilestone{
			DeviceKey: id.DeviceKey,
			State:     StateAuthFailure.String(),
			Detail:    "authentication failed",
			Timestamp: time.Now(),
		}})
		return Reply{Status: http.StatusUnauthorized, Challenge: true}
	}
	if !id.Valid() {
		fault := cwmp.NewFault(ex.Message.ID, cwmp.FaultInvalidArguments, "invalid device identity")
		return Reply{Status: http.StatusOK, Message: fault}
	}

	cookie := newCookie(id.DeviceKey, len(m.shards))
	s := newSession(m, id, cookie.String())
	if old := m.register(cookie.Shard, s); old != nil {
		old.post(evReplace{})
	}
	m.start(s)
	return s.exchange(ctx, ex.Message)
}

// evReplace ends a session whose device opened a new one.
type evReplace struct{}

func (m *Manager) register(idx int, s *Session) *Session {
	sh := m.shards[idx]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	old := sh.byKey[s.id.DeviceKey]
	if old != nil {
		delete(sh.byCookie, old.cookie)
	}
	sh.byKey[s.id.DeviceKey] = s
	sh.byCookie[s.cookie] = s
	return old
}

func (m *Manager) unregister(s *Session) {
	sh := m.shards[ShardOf(s.id.DeviceKey, len(m.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.byKey[s.id.DeviceKey] == s {
		delete(sh.byKey, s.id.DeviceKey)
	}
	if sh.byCookie[s.cookie] == s {
		delete(sh.byCookie, s.cookie)
	}
}

func (m *Manager) start(s *Session) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run()
	}()
}

func (m *Manager) lookup(ctx context.Context, value string) (*Session, error) {
	if value == "" {
		return nil, ErrBadCookie
	}
	c, err := ParseCookie(value, len(m.shards))
	if err != nil {
		return nil, err
	}
	sh := m.shards[c.Shard]
	sh.mu.Lock()
	s := sh.byCookie[value]
	sh.mu.Unlock()
	if s != nil {
		return s, nil
	}
	return m.restore(ctx, value, c)
}

// restore rebuilds a session that was live on another worker or before a restart.
func (m *Manager) restore(ctx context.Context, value string, c Cookie) (*Session, error) {
	if m.byKey(c.DeviceKey) != nil {
		return nil, fmt.Errorf("%w: %s has a newer session", ErrBadCookie, c.DeviceKey)
	}
	rec, err := m.deps.Sessions.Get(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("unknown session: %w", err)
	}
	if rec.DeviceKey != c.DeviceKey {
		return nil, fmt.Errorf("%w: cookie names %s, record %s", ErrBadCookie, c.DeviceKey, rec.DeviceKey)
	}
	dev, err := m.deps.Devices.FindByKey(ctx, rec.DeviceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", rec.DeviceKey, err)
	}
	locked, err := m.deps.Presence.ClaimSession(ctx, rec.DeviceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s: %w", rec.DeviceKey, err)
	}

	s := newSession(m, models.DeviceIdentity{OrgID: rec.OrgID, DeviceKey: rec.DeviceKey}, value)
	s.version = rec.CwmpVersion
	s.nextID = rec.NextMessageID
	s.triggered = rec.Triggered
	s.dev = dev
	s.locked = locked
	s.report = Report{Events: splitEvents(rec.Events)}
	s.state = StateServer

	if rec.OutstandingID != "" && rec.CurrentOpID != "" {
		op, req, err := m.deps.Ops.Reattach(ctx, rec.CurrentOpID, rec.OutstandingRPC, dev)
		if err != nil {
			slog.Warn("Outstanding request lost with its session", "component", "SessionManager",
				"device_key", rec.DeviceKey, "correlation_id", rec.CurrentOpID, "error", err)
		} else {
			req.messageID = rec.OutstandingID
			s.rq.outstanding = req
			s.current = op
			s.state = StatePendingDeviceResponse
		}
	}
	s.refreshInfo()

	sh := m.shards[c.Shard]
	sh.mu.Lock()
	if live := sh.byCookie[value]; live != nil {
		sh.mu.Unlock()
		return live, nil
	}
	if newer := sh.byKey[rec.DeviceKey]; newer != nil {
		sh.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has a newer session", ErrBadCookie, rec.DeviceKey)
	}
	sh.byKey[rec.DeviceKey] = s
	sh.byCookie[value] = s
	sh.mu.Unlock()

	slog.Info("Session restored", "component", "SessionManager", "device_key", rec.DeviceKey,
		"state", s.state.String(), "previous_owner", rec.Owner)
	m.start(s)
	return s, nil
}

// Deliver hands an operation to the live session of its device.
func (m *Manager) Deliver(ctx context.Context, deviceKey string, rec *models.OperationRecord) error {
	s := m.byKey(deviceKey)
	if s == nil {
		return ErrSessionNotFound
	}
	return s.deliver(ctx, rec)
}

// Expire tells the live session that an operation was settled without it.
func (m *Manager) Expire(deviceKey, correlationID string) {
	if s := m.byKey(deviceKey); s != nil {
		go s.post(evExpire{correlationID: correlationID})
	}
}

// Lookup returns the live session of a device.
func (m *Manager) Lookup(deviceKey string) (models.SessionInfo, bool) {
	s := m.byKey(deviceKey)
	if s == nil {
		return models.SessionInfo{}, false
	}
	return s.Info(), true
}

// Snapshot lists every live session.
func (m *Manager) Snapshot() []models.SessionInfo {
	sessions := m.all()
	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

func (m *Manager) byKey(deviceKey string) *Session {
	sh := m.shards[ShardOf(deviceKey, len(m.shards))]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.byKey[deviceKey]
}

func (m *Manager) all() []*Session {
	var sessions []*Session
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, s := range sh.byKey {
			sessions = append(sessions, s)
		}
		sh.mu.Unlock()
	}
	return sessions
}

func (m *Manager) publish(event models.Event) {
	if m.deps.LogCh == nil {
		return
	}
	select {
	case m.deps.LogCh <- event:
	default:
		slog.Warn("Event channel full, dropping event", "component", "SessionManager", "event", event.Type)
	}
}

func splitEvents(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
