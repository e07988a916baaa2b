// Package jobs contains the background maintenance jobs run by the
// scheduler.
package jobs

import (
	"context"
	"log/slog"

	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

// Resubscriber reopens failed remote subscriptions.
type Resubscriber interface {
	Resubscribe(ctx context.Context) (bool, error)
}

// ResubscribeJob brings collections that lost their subscription back in
// sync with the remote store.
type ResubscribeJob struct {
	engine Resubscriber
	logger *slog.Logger
}

// NewResubscribeJob creates the job.
func NewResubscribeJob(engine Resubscriber, log *slog.Logger) *ResubscribeJob {
	return &ResubscribeJob{
		engine: engine,
		logger: logger.OrDefault(log).With(logger.Component("resubscribe_job")),
	}
}

func (j *ResubscribeJob) Name() string { return "resubscribe" }

func (j *ResubscribeJob) Run(ctx context.Context) error {
	restarted, err := j.engine.Resubscribe(ctx)
	if restarted && err == nil {
		j.logger.Info("remote subscriptions restored")
	}
	return err
}
