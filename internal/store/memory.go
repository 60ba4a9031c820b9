package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Ning0612/xferd/internal/domain"
)

// MemoryStore keeps sessions in memory only. Terminal sessions are evicted
// lazily once they have been finished for longer than the TTL.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]domain.TransferSession
	ttl      time.Duration
	now      func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithTTL sets how long terminal sessions are retained. Zero keeps them forever.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.ttl = ttl }
}

// WithClock overrides the time source used for eviction
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[string]domain.TransferSession),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// evictLocked drops expired terminal sessions. Caller holds mu.
func (m *MemoryStore) evictLocked() {
	if m.ttl <= 0 {
		return
	}
	m.pruneLocked(m.now().Add(-m.ttl))
}

func (m *MemoryStore) pruneLocked(before time.Time) int {
	removed := 0
	for id, s := range m.sessions {
		if s.Status.IsTerminal() && s.EndTime != nil && s.EndTime.Before(before) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Upsert inserts or replaces a session
func (m *MemoryStore) Upsert(s domain.TransferSession) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID] = copySession(s)
	return nil
}

// Get retrieves one session by id
func (m *MemoryStore) Get(id string) (domain.TransferSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictLocked()
	s, ok := m.sessions[id]
	if !ok {
		return domain.TransferSession{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return copySession(s), nil
}

// LoadAll retrieves every live session
func (m *MemoryStore) LoadAll() ([]domain.TransferSession, error) {
	return m.filter(func(domain.TransferSession) bool { return true }), nil
}

// ListByConnection retrieves the live sessions of one connection
func (m *MemoryStore) ListByConnection(connectionID string) ([]domain.TransferSession, error) {
	return m.filter(func(s domain.TransferSession) bool { return s.ConnectionID == connectionID }), nil
}

func (m *MemoryStore) filter(keep func(domain.TransferSession) bool) []domain.TransferSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictLocked()
	var result []domain.TransferSession
	for _, s := range m.sessions {
		if keep(s) {
			result = append(result, copySession(s))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

// Delete removes a session
func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, id)
	return nil
}

// PruneTerminal removes terminal sessions that ended before the cutoff
func (m *MemoryStore) PruneTerminal(before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pruneLocked(before), nil
}

// Close implements Store
func (m *MemoryStore) Close() error {
	return nil
}

// copySession detaches the EndTime pointer from the stored value
func copySession(s domain.TransferSession) domain.TransferSession {
	if s.EndTime != nil {
		end := *s.EndTime
		s.EndTime = &end
	}
	return s
}

var _ Store = (*MemoryStore)(nil)
