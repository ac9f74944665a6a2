package connreq

import (
	"context"
	"sync"
	"time"

	"acs/pkg/models"
)

// StateStore holds the per-device connection-request state shared by all
// processes. Rows expire after their TTL and are then treated as absent.
type StateStore interface {
	// SetIfAbsent stores info unless a live row exists and reports whether it did.
	SetIfAbsent(ctx context.Context, info models.ConnReqInfo, ttl time.Duration) (bool, error)
	// Get returns nil when there is no live row.
	Get(ctx context.Context, deviceKey string) (*models.ConnReqInfo, error)
	Set(ctx context.Context, info models.ConnReqInfo, ttl time.Duration) error
	Delete(ctx context.Context, deviceKey string) error
	DeleteIf(ctx context.Context, deviceKey string, state models.ConnReqState, owner string) (bool, error)
}

// MemoryStore is a process-local StateStore.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]models.ConnReqInfo
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]models.ConnReqInfo), now: time.Now}
}

func (s *MemoryStore) live(deviceKey string) (models.ConnReqInfo, bool) {
	info, ok := s.rows[deviceKey]
	if !ok {
		return info, false
	}
	if info.Expired(s.now()) {
		delete(s.rows, deviceKey)
		return info, false
	}
	return info, true
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, info models.ConnReqInfo, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(info.DeviceKey); ok {
		return false, nil
	}
	s.put(info, ttl)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, deviceKey string) (*models.ConnReqInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.live(deviceKey)
	if !ok {
		return nil, nil
	}
	return &info, nil
}

func (s *MemoryStore) Set(_ context.Context, info models.ConnReqInfo, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(info, ttl)
	return nil
}

func (s *MemoryStore) put(info models.ConnReqInfo, ttl time.Duration) {
	now := s.now()
	info.ExpiresAt = now.Add(ttl)
	info.UpdatedAt = now
	s.rows[info.DeviceKey] = info
}

func (s *MemoryStore) Delete(_ context.Context, deviceKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, deviceKey)
	return nil
}

func (s *MemoryStore) DeleteIf(_ context.Context, deviceKey string, state models.ConnReqState, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.live(deviceKey)
	if !ok || info.State != state || info.Owner != owner {
		return false, nil
	}
	delete(s.rows, deviceKey)
	return true, nil
}
