package storage

import (
	"context"
	"sync"
)

// Memory is the in-process driver. It is also the fake used by package tests
// elsewhere in the module; FailWith makes every call return err.
type Memory struct {
	mu     sync.Mutex
	kv     map[string]string
	hashes map[string]map[string]string
	closed bool
	fail   error
}

func NewMemory() *Memory {
	return &Memory{kv: map[string]string{}, hashes: map[string]map[string]string{}}
}

// FailWith makes subsequent calls return err (nil restores normal behavior).
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *Memory) check() error {
	if m.closed {
		return ErrClosed
	}
	return m.fail
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", false, err
	}
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.kv[key] = value
	return nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.kv, key)
	delete(m.hashes, key)
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", false, err
	}
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	h := m.hashes[key]
	if h == nil {
		h = map[string]string{}
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HDel(_ context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if h := m.hashes[key]; h != nil {
		delete(h, field)
		if len(h) == 0 {
			delete(m.hashes, key)
		}
	}
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
