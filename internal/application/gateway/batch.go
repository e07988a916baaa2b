package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

// BatchReport описывает результат последовательной пакетной отправки.
type BatchReport struct {
	Batches          int `json:"batches"`
	CommittedBatches int `json:"committed_batches"`
	Records          int `json:"records"`
	CommittedRecords int `json:"committed_records"`
}

// BatchError - отправка остановилась на одном из пакетов. Пакеты до него
// подтверждены, начиная с него - нет.
type BatchError struct {
	Report BatchReport
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d of %d failed, %d of %d records committed: %v",
		e.Report.CommittedBatches+1, e.Report.Batches, e.Report.CommittedRecords, e.Report.Records, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// CommitBatches отправляет записи в удалённое хранилище пакетами не больше
// BatchSize. Права вызывающего проверяет вызывающий код.
func (g *Gateway) CommitBatches(ctx context.Context, writes []remote.Write) (BatchReport, error) {
	store, ok := g.remoteStore()
	if !ok {
		return BatchReport{}, shared.NewDomainError("gateway", "CommitBatches", shared.ErrRemoteDisabled, "remote store is not configured")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commit(ctx, store, writes)
}

// commit отправляет пакеты по очереди до первой ошибки. Пакеты разбиваются
// внутри каждой коллекции. Снимки, пришедшие за время отправки, дают одно
// оповещение на весь вызов.
func (g *Gateway) commit(ctx context.Context, store remote.Store, writes []remote.Write) (BatchReport, error) {
	collections, batches := partition(writes, g.batchSize)
	report := BatchReport{Batches: len(batches), Records: len(writes)}

	release := g.remote.Hold(collections...)
	defer release()

	for i, batch := range batches {
		err := g.call(ctx, func(ctx context.Context) error {
			return store.Commit(ctx, batch)
		})
		g.metrics.ObserveBatch(batch[0].Collection.String(), err)
		if err != nil {
			g.logger.Error("batch commit failed, later batches skipped",
				slog.Int("batch", i+1),
				slog.Int("batches", report.Batches),
				slog.Int("committed_records", report.CommittedRecords),
				logger.Err(err),
			)
			return report, &BatchError{Report: report, Err: err}
		}
		report.CommittedBatches++
		report.CommittedRecords += len(batch)
	}

	g.logger.Info("batches committed",
		slog.Int("batches", report.CommittedBatches),
		slog.Int("records", report.CommittedRecords),
	)
	return report, nil
}

// partition группирует записи по коллекциям в порядке первого появления и
// режет каждую группу на пакеты.
func partition(writes []remote.Write, size int) ([]shared.Collection, [][]remote.Write) {
	var order []shared.Collection
	groups := make(map[shared.Collection][]remote.Write)
	for _, w := range writes {
		if _, ok := groups[w.Collection]; !ok {
			order = append(order, w.Collection)
		}
		groups[w.Collection] = append(groups[w.Collection], w)
	}

	var batches [][]remote.Write
	for _, c := range order {
		batches = append(batches, remote.Batches(groups[c], size)...)
	}
	return order, batches
}
