package store

import (
	"context"
	"sync"
	"time"
)

type memoryValue struct {
	entry   Entry
	expires time.Time // zero = never
}

// Memory is a mutex-guarded in-process Store. It mirrors the Redis tier's
// sliding-TTL behavior so it can stand in as the ephemeral tier in tests
// and in deployments without a Redis instance. Lost on process restart.
type Memory struct {
	ctx       context.Context
	cancel    context.CancelFunc
	entries   map[string]*memoryValue
	mutex     sync.Mutex
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Store = (*Memory)(nil)

// NewMemory returns a new in-memory Store with background expiry cleanup.
func NewMemory(parent context.Context, opts ...Option) *Memory {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	m := &Memory{
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*memoryValue),
		cfg:     cfg,
	}
	m.waitGroup.Add(1)
	go m.sweep()
	return m
}

func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	v, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	if !v.expires.IsZero() && v.expires.Before(now) {
		delete(m.entries, key)
		return nil, nil
	}
	if !v.expires.IsZero() {
		v.expires = now.Add(m.cfg.defaultTTL)
	}
	e := v.entry
	return &e, nil
}

func (m *Memory) Set(_ context.Context, e *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.cfg.defaultTTL
	}
	m.mutex.Lock()
	m.entries[e.Key] = &memoryValue{entry: *e, expires: time.Now().Add(ttl)}
	m.mutex.Unlock()
	return nil
}

func (m *Memory) IncrementHits(_ context.Context, key string) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	v, ok := m.entries[key]
	if !ok {
		return 0, nil
	}
	v.entry.HitCount++
	v.entry.LastAccessed = time.Now()
	if !v.expires.IsZero() {
		v.expires = time.Now().Add(m.cfg.defaultTTL)
	}
	return v.entry.HitCount, nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *Memory) ClearAll(_ context.Context) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	removed := len(m.entries)
	m.entries = make(map[string]*memoryValue)
	return removed, nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.entries), nil
}

func (m *Memory) Close() error {
	m.once.Do(func() {
		m.cancel()
		m.waitGroup.Wait()
	})
	return nil
}

func (m *Memory) sweep() {
	defer m.waitGroup.Done()
	ticker := time.NewTicker(m.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.mutex.Lock()
			for key, v := range m.entries {
				if !v.expires.IsZero() && v.expires.Before(now) {
					delete(m.entries, key)
				}
			}
			m.mutex.Unlock()
		}
	}
}

// MemoryCounter is an in-process Counter for tests and Redis-less
// deployments.
type MemoryCounter struct {
	mutex  sync.Mutex
	counts map[string]int64
}

var _ Counter = (*MemoryCounter)(nil)

// NewMemoryCounter returns a new in-memory Counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

func (c *MemoryCounter) Increment(_ context.Context, key string) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

func (c *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.counts[key], nil
}

func (c *MemoryCounter) Reset(_ context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.counts, key)
	return nil
}

func (c *MemoryCounter) ResetAll(_ context.Context) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	removed := len(c.counts)
	c.counts = make(map[string]int64)
	return removed, nil
}
