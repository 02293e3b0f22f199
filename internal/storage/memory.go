package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is a process-local Store. Participants sharing one Memory observe
// each other's writes the way browser tabs observe shared storage.
type Memory struct {
	mu         sync.Mutex
	kv         map[string]string
	dedup      map[string]time.Time
	deliveries []DeliveryRecord
	closed     bool

	watchers fanout
}

func NewMemory() *Memory {
	return &Memory{kv: map[string]string{}, dedup: map[string]time.Time{}}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.kv[key] = value
	m.mu.Unlock()
	m.watchers.publish(Change{Key: key, Value: value})
	return nil
}

func (m *Memory) Remove(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	_, had := m.kv[key]
	delete(m.kv, key)
	m.mu.Unlock()
	if had {
		m.watchers.publish(Change{Key: key, Removed: true})
	}
	return nil
}

func (m *Memory) Watch(buffer int) (<-chan Change, func()) {
	return m.watchers.subscribe(buffer)
}

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	t, ok := m.dedup[strings.TrimSpace(key)]
	return t, ok, nil
}

func (m *Memory) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for k, until := range m.dedup {
		if until.Before(now) {
			delete(m.dedup, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.deliveries = append(m.deliveries, r)
	return nil
}

// Deliveries returns a copy of the delivery log.
func (m *Memory) Deliveries() []DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeliveryRecord(nil), m.deliveries...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.watchers.close()
	return nil
}
