// Package localcache implements the durable local mirror of every entity
// collection and the current session. Each collection is stored as one JSON
// document under a fixed key in a pluggable key-value Backend.
package localcache

import (
	"context"
	"errors"
	"sync"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrMiss is returned by a Backend when the key has never been stored.
	ErrMiss = errors.New("localcache: key not found")

	// ErrKeyEmpty is returned when an empty key is provided.
	ErrKeyEmpty = errors.New("localcache: key cannot be empty")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("localcache: backend closed")
)

// ══════════════════════════════════════════════════════════════════════════════
// BACKEND
// ══════════════════════════════════════════════════════════════════════════════

// Backend is a durable key-value store holding raw JSON documents.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Load returns the stored bytes or ErrMiss.
	Load(ctx context.Context, key string) ([]byte, error)
	// Store overwrites the value under key.
	Store(ctx context.Context, key string, data []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Name identifies the backend in logs and health output.
	Name() string
	Close() error
}

// MemoryBackend keeps documents in process memory. It is not durable and is
// used for tests and ephemeral development runs.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// Load implements Backend.
func (m *MemoryBackend) Load(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrKeyEmpty
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Store implements Backend.
func (m *MemoryBackend) Store(_ context.Context, key string, data []byte) error {
	if key == "" {
		return ErrKeyEmpty
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	v := make([]byte, len(data))
	copy(v, data)
	m.data[key] = v
	return nil
}

// Remove implements Backend.
func (m *MemoryBackend) Remove(_ context.Context, key string) error {
	if key == "" {
		return ErrKeyEmpty
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// Name implements Backend.
func (m *MemoryBackend) Name() string { return "memory" }

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
