// Package messaging implements the in-process notification bus that tells
// observers "something changed, re-read". Notifications carry no payload.
package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/ryzugai/wbl-sub000/internal/infrastructure/metrics"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

// Listener is invoked on every broadcast.
type Listener func()

// ListenerPanicError describes a listener that panicked during a broadcast.
type ListenerPanicError struct {
	ListenerID uint64
	Value      any
	Stack      []byte
}

func (e *ListenerPanicError) Error() string {
	return fmt.Sprintf("listener %d panicked: %v", e.ListenerID, e.Value)
}

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATION BUS
// ══════════════════════════════════════════════════════════════════════════════

type registration struct {
	id      uint64
	fn      Listener
	removed atomic.Bool
}

// Bus is a synchronous, ordered broadcast list.
type Bus struct {
	mu        sync.RWMutex
	listeners []*registration
	nextID    uint64
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Config contains configuration for Bus.
type Config struct {
	// Logger for structured logging
	Logger *slog.Logger

	// Metrics is optional
	Metrics *metrics.Metrics
}

// NewBus creates a new notification bus.
func NewBus(config Config) *Bus {
	return &Bus{
		listeners: make([]*registration, 0),
		logger:    logger.OrDefault(config.Logger).With(logger.Component("notification_bus")),
		metrics:   config.Metrics,
	}
}

// Subscribe registers fn and returns a function that removes exactly this
// registration. Registering the same function twice yields two entries.
// The returned function is idempotent.
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, &registration{id: id, fn: fn})
	count := len(b.listeners)
	b.mu.Unlock()

	b.metrics.SetListeners(count)
	b.logger.Debug("listener subscribed", "listener_id", id, "listeners", count)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	for i, r := range b.listeners {
		if r.id == id {
			r.removed.Store(true)
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			break
		}
	}
	count := len(b.listeners)
	b.mu.Unlock()

	b.metrics.SetListeners(count)
	b.logger.Debug("listener unsubscribed", "listener_id", id, "listeners", count)
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Broadcast invokes every listener synchronously in registration order.
// A listener removed by an earlier one during the same broadcast is not
// invoked. A panicking listener does not stop delivery to the rest; every
// recovered panic is returned joined into one error.
func (b *Bus) Broadcast() error {
	b.mu.RLock()
	snapshot := make([]*registration, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	b.metrics.IncBroadcast()

	var errs []error
	for _, r := range snapshot {
		if r.removed.Load() {
			continue
		}
		if err := b.invoke(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) invoke(r *registration) (err error) {
	defer func() {
		if v := recover(); v != nil {
			perr := &ListenerPanicError{ListenerID: r.id, Value: v, Stack: debug.Stack()}
			b.metrics.IncListenerPanic()
			b.logger.Error("listener panicked", "listener_id", r.id, "panic", v)
			err = perr
		}
	}()
	r.fn()
	return nil
}
