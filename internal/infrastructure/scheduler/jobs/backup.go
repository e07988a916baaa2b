package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ryzugai/wbl-sub000/internal/application/backup"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

const (
	backupPrefix = "wbl-backup-"
	backupSuffix = ".json"
)

// Snapshotter produces a full backup of the local cache.
type Snapshotter interface {
	FullSystemBackup(ctx context.Context) backup.Document
}

// BackupConfig configures BackupJob.
type BackupConfig struct {
	Source Snapshotter
	Dir    string

	// Keep is how many backup files survive pruning. 0 keeps all.
	Keep int

	Now    func() time.Time
	Logger *slog.Logger
}

// BackupJob writes a timestamped backup file and prunes old ones.
type BackupJob struct {
	source Snapshotter
	dir    string
	keep   int
	now    func() time.Time
	logger *slog.Logger
}

// NewBackupJob creates the job.
func NewBackupJob(cfg BackupConfig) *BackupJob {
	j := &BackupJob{
		source: cfg.Source,
		dir:    cfg.Dir,
		keep:   cfg.Keep,
		now:    cfg.Now,
		logger: logger.OrDefault(cfg.Logger).With(logger.Component("backup_job")),
	}
	if j.now == nil {
		j.now = time.Now
	}
	return j
}

func (j *BackupJob) Name() string { return "backup" }

func (j *BackupJob) Run(ctx context.Context) error {
	if err := os.MkdirAll(j.dir, 0o750); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	doc := j.source.FullSystemBackup(ctx)
	name := backupPrefix + j.now().UTC().Format("20060102T150405Z") + backupSuffix
	path := filepath.Join(j.dir, name)

	// Written under a temporary name and renamed once complete.
	tmp, err := os.CreateTemp(j.dir, ".wbl-backup-*")
	if err != nil {
		return fmt.Errorf("create temp backup: %w", err)
	}
	if err := doc.Encode(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename backup: %w", err)
	}

	j.logger.Info("backup written",
		slog.String("path", path),
		slog.Int("users", len(doc.Users)),
		slog.Int("companies", len(doc.Companies)),
		slog.Int("applications", len(doc.Applications)),
	)
	return j.prune()
}

// prune removes the oldest backups beyond keep. Names sort by time.
func (j *BackupJob) prune() error {
	if j.keep <= 0 {
		return nil
	}
	files, err := j.Files()
	if err != nil {
		return err
	}
	if len(files) <= j.keep {
		return nil
	}
	for _, name := range files[:len(files)-j.keep] {
		if err := os.Remove(filepath.Join(j.dir, name)); err != nil {
			return fmt.Errorf("prune backup %s: %w", name, err)
		}
		j.logger.Debug("old backup removed", slog.String("file", name))
	}
	return nil
}

// Files lists backup files in the directory, oldest first.
func (j *BackupJob) Files() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), backupSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
