package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemManager is an in-process lease Manager for tests and single-process
// deployments. Expiry is evaluated lazily on access.
type MemManager struct {
	mu    sync.Mutex
	held  map[string]memLease
	clock func() time.Time
}

type memLease struct {
	token   string
	expires time.Time
}

// NewMemManager creates an empty in-memory lease manager.
func NewMemManager() *MemManager {
	return &MemManager{held: make(map[string]memLease), clock: time.Now}
}

// WithClock overrides the time source. Test hook.
func (m *MemManager) WithClock(clock func() time.Time) *MemManager {
	m.clock = clock
	return m
}

// Acquire implements Manager.
func (m *MemManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if cur, ok := m.held[key]; ok && cur.expires.After(now) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	m.held[key] = memLease{token: token, expires: now.Add(ttl)}
	return &Lease{Key: key, Token: token, TTL: ttl}, nil
}

// Renew implements Manager.
func (m *MemManager) Renew(ctx context.Context, l *Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	cur, ok := m.held[l.Key]
	if !ok || cur.token != l.Token || !cur.expires.After(now) {
		return ErrLost
	}
	cur.expires = now.Add(l.TTL)
	m.held[l.Key] = cur
	return nil
}

// Release implements Manager.
func (m *MemManager) Release(ctx context.Context, l *Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.held[l.Key]
	if !ok || cur.token != l.Token || !cur.expires.After(m.clock()) {
		return ErrLost
	}
	delete(m.held, l.Key)
	return nil
}
