package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

const (
	sqlSnapshot = `SELECT body FROM remote_documents WHERE collection = $1 ORDER BY seq`

	sqlReplace = `
		INSERT INTO remote_documents (collection, id, body) VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`

	sqlMerge = `
		INSERT INTO remote_documents (collection, id, body) VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET body = remote_documents.body || EXCLUDED.body, updated_at = NOW()`

	sqlDelete = `DELETE FROM remote_documents WHERE collection = $1 AND id = $2`
)

// Store is the PostgreSQL implementation of remote.Store.
type Store struct {
	conn   *Connection
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ remote.Store = (*Store)(nil)

// Open connects, applies migrations and returns a ready Store.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	conn, err := NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := NewMigrator(conn).Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return NewStore(conn, log), nil
}

// NewStore wraps an open connection.
func NewStore(conn *Connection, log *slog.Logger) *Store {
	return &Store{
		conn:   conn,
		logger: logger.OrDefault(log).With(logger.Component("remote_postgres")),
		subs:   make(map[*subscription]struct{}),
	}
}

// Name implements remote.Store.
func (s *Store) Name() string { return "postgres" }

// Set implements remote.Store.
func (s *Store) Set(ctx context.Context, collection shared.Collection, id string, doc remote.Document, mode remote.WriteMode) error {
	query, args, err := writeArgs(remote.Write{Collection: collection, ID: id, Doc: doc, Mode: mode})
	if err != nil {
		return err
	}
	_, err = s.conn.Pool().Exec(ctx, query, args...)
	return mapError("set "+collection.String(), err)
}

// Delete implements remote.Store.
func (s *Store) Delete(ctx context.Context, collection shared.Collection, id string) error {
	_, err := s.conn.Pool().Exec(ctx, sqlDelete, collection.String(), id)
	return mapError("delete "+collection.String(), err)
}

// Commit implements remote.Store. All writes run in one transaction.
func (s *Store) Commit(ctx context.Context, writes []remote.Write) error {
	if len(writes) > remote.MaxBatchWrites {
		return remote.ErrBatchTooLarge
	}
	if len(writes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, w := range writes {
		query, args, err := writeArgs(w)
		if err != nil {
			return err
		}
		batch.Queue(query, args...)
	}

	err := s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	return mapError("commit", err)
}

func writeArgs(w remote.Write) (string, []any, error) {
	if w.Delete {
		return sqlDelete, []any{w.Collection.String(), w.ID}, nil
	}

	doc := make(remote.Document, len(w.Doc)+1)
	for k, v := range w.Doc {
		doc[k] = v
	}
	doc["id"] = w.ID

	body, err := json.Marshal(doc)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s/%s: %w", w.Collection, w.ID, err)
	}

	query := sqlReplace
	if w.Mode == remote.Merge {
		query = sqlMerge
	}
	return query, []any{w.Collection.String(), w.ID, body}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SUBSCRIPTIONS
// ══════════════════════════════════════════════════════════════════════════════

type subscription struct {
	cancel context.CancelFunc
	store  *Store
	once   sync.Once
}

func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
	})
}

// Watch implements remote.Store. The subscription holds one pooled
// connection with LISTEN on the collection channel until cancelled.
func (s *Store) Watch(ctx context.Context, collection shared.Collection, onSnapshot remote.SnapshotHandler, onError remote.ErrorHandler) (remote.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, remote.ErrClosed
	}
	s.mu.Unlock()

	conn, err := s.conn.Pool().Acquire(ctx)
	if err != nil {
		return nil, mapError("watch "+collection.String(), err)
	}

	channel := pgx.Identifier{ChannelPrefix + collection.String()}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, mapError("listen "+collection.String(), err)
	}

	docs, err := snapshot(ctx, conn, collection)
	if err != nil {
		releaseListener(conn)
		return nil, mapError("snapshot "+collection.String(), err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, store: s}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	onSnapshot(docs)

	go s.listen(listenCtx, conn, collection, onSnapshot, onError)
	return sub, nil
}

func (s *Store) listen(ctx context.Context, conn *pgxpool.Conn, collection shared.Collection, onSnapshot remote.SnapshotHandler, onError remote.ErrorHandler) {
	defer releaseListener(conn)
	log := s.logger.With(logger.Collection(collection.String()))

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				log.Debug("subscription cancelled")
				return
			}
			s.fail(log, onError, mapError("wait "+collection.String(), err))
			return
		}

		docs, err := snapshot(ctx, conn, collection)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(log, onError, mapError("snapshot "+collection.String(), err))
			return
		}
		onSnapshot(docs)
	}
}

func (s *Store) fail(log *slog.Logger, onError remote.ErrorHandler, err error) {
	log.Warn("subscription terminated", logger.Err(err))
	if onError != nil {
		onError(err)
	}
}

func snapshot(ctx context.Context, q Querier, collection shared.Collection) ([]json.RawMessage, error) {
	rows, err := q.Query(ctx, sqlSnapshot, collection.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]json.RawMessage, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		docs = append(docs, json.RawMessage(body))
	}
	return docs, rows.Err()
}

// releaseListener drops the LISTEN registration before returning the
// connection to the pool.
func releaseListener(conn *pgxpool.Conn) {
	if !conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
			_ = conn.Conn().Close(ctx)
		}
		cancel()
	}
	conn.Release()
}

// Close cancels every subscription and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	s.conn.Close()
	return nil
}
