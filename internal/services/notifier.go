package services

import (
	"context"
	"sync"
	"time"

	"buildflow/backend/pkg/models"
)

// Notifier publishes engine side-effect events onto the notification bus.
// Delivery failures are logged by callers, never allowed to fail a
// transition.
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// Claimer provides short-lived claims so overlapping deadline sweeps don't
// double-notify the same instance.
type Claimer interface {
	// Claim returns true when the caller won the claim for key.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryNotifier buffers notifications in memory. Used by tests and by dev
// setups without redis; it also serves as its own Claimer.
type MemoryNotifier struct {
	mu     sync.Mutex
	events []*models.Notification
	claims map[string]time.Time
}

// NewMemoryNotifier creates an empty MemoryNotifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{claims: make(map[string]time.Time)}
}

func (m *MemoryNotifier) Notify(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, n)
	return nil
}

func (m *MemoryNotifier) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if until, held := m.claims[key]; held && now.Before(until) {
		return false, nil
	}
	m.claims[key] = now.Add(ttl)
	return true, nil
}

// Events returns a copy of everything notified so far.
func (m *MemoryNotifier) Events() []*models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Notification(nil), m.events...)
}
