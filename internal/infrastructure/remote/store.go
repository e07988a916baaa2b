// Package remote defines the remote document store used as the
// authoritative copy of every collection when it is configured, together
// with the helpers shared by its implementations.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
)

// MaxBatchWrites is the hard limit of writes in one atomic commit.
const MaxBatchWrites = 500

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrPermissionDenied is returned when the store rejects a write under
	// its access rules.
	ErrPermissionDenied = shared.NewDomainError("remote", "Write", shared.ErrForbidden, "permission denied by remote store")

	// ErrUnavailable is returned on connectivity failures.
	ErrUnavailable = shared.NewDomainError("remote", "Call", shared.ErrServiceUnavailable, "remote store unavailable")

	// ErrBatchTooLarge is returned by Commit for more than MaxBatchWrites writes.
	ErrBatchTooLarge = shared.NewDomainError("remote", "Commit", shared.ErrInvalidInput, fmt.Sprintf("batch exceeds %d writes", MaxBatchWrites))

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("remote: store closed")
)

// IsTransient reports whether err is a connectivity failure worth one retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || shared.IsRetryable(err)
}

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// Document is a sanitized record ready to be written.
type Document = map[string]any

// WriteMode selects how Set combines the document with a stored one.
type WriteMode int

const (
	// Replace overwrites the stored document.
	Replace WriteMode = iota
	// Merge overwrites only the top-level keys present in the new document.
	Merge
)

// String returns the string representation.
func (m WriteMode) String() string {
	if m == Merge {
		return "merge"
	}
	return "replace"
}

// Write is one element of a batch commit.
type Write struct {
	Collection shared.Collection
	ID         string
	Doc        Document // nil with Delete set
	Mode       WriteMode
	Delete     bool
}

// SnapshotHandler receives the complete ordered contents of a collection.
type SnapshotHandler func(docs []json.RawMessage)

// ErrorHandler receives a terminal subscription error. No further
// snapshots are delivered for that subscription.
type ErrorHandler func(err error)

// Subscription is a live change feed on one collection.
type Subscription interface {
	Cancel()
}

// Store is the remote document store.
type Store interface {
	// Name identifies the implementation in logs.
	Name() string
	// Watch delivers the current contents of collection and then a new
	// snapshot after every committed change.
	Watch(ctx context.Context, collection shared.Collection, onSnapshot SnapshotHandler, onError ErrorHandler) (Subscription, error)
	// Set writes one document.
	Set(ctx context.Context, collection shared.Collection, id string, doc Document, mode WriteMode) error
	// Delete removes one document. Deleting a missing document succeeds.
	Delete(ctx context.Context, collection shared.Collection, id string) error
	// Commit applies up to MaxBatchWrites writes atomically.
	Commit(ctx context.Context, writes []Write) error
	Close() error
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// Batches splits writes into consecutive chunks of at most size writes.
// A size outside (0, MaxBatchWrites] is clamped to MaxBatchWrites.
func Batches(writes []Write, size int) [][]Write {
	if size <= 0 || size > MaxBatchWrites {
		size = MaxBatchWrites
	}
	out := make([][]Write, 0, (len(writes)+size-1)/size)
	for start := 0; start < len(writes); start += size {
		end := start + size
		if end > len(writes) {
			end = len(writes)
		}
		out = append(out, writes[start:end])
	}
	return out
}

// Decode converts raw snapshot documents into records. Documents that fail
// to decode are skipped and reported in the joined error.
func Decode[T any](docs []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(docs))
	var errs []error
	for i, raw := range docs {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			errs = append(errs, fmt.Errorf("document %d: %w", i, err))
			continue
		}
		out = append(out, v)
	}
	return out, errors.Join(errs...)
}
