package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryzugai/wbl-sub000/internal/application/backup"
	"github.com/ryzugai/wbl-sub000/internal/domain/adconfig"
	"github.com/ryzugai/wbl-sub000/internal/domain/application"
	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

type fakeEngine struct {
	restarted bool
	err       error
	calls     int
}

func (f *fakeEngine) Resubscribe(context.Context) (bool, error) {
	f.calls++
	return f.restarted, f.err
}

func TestResubscribeJob(t *testing.T) {
	engine := &fakeEngine{restarted: true}
	job := NewResubscribeJob(engine, logger.Discard())

	assert.Equal(t, "resubscribe", job.Name())
	require.NoError(t, job.Run(context.Background()))

	engine.err = errors.New("connection refused")
	assert.Error(t, job.Run(context.Background()))
	assert.Equal(t, 2, engine.calls)
}

type staticSource struct{ doc backup.Document }

func (s staticSource) FullSystemBackup(context.Context) backup.Document { return s.doc }

func TestBackupJob_WritesAndPrunes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	source := staticSource{doc: backup.Document{
		Users:        []user.User{{ID: "u1", Username: "coord", Role: user.RoleCoordinator}},
		Companies:    []company.Company{{ID: "c1", Name: "Acme Sdn Bhd"}},
		Applications: []application.Application{},
		AdConfig:     adconfig.Empty(),
		Timestamp:    now.Format(time.RFC3339),
		Version:      backup.FormatVersion,
	}}
	job := NewBackupJob(BackupConfig{
		Source: source,
		Dir:    dir,
		Keep:   2,
		Now:    func() time.Time { return now },
		Logger: logger.Discard(),
	})
	assert.Equal(t, "backup", job.Name())

	for i := 0; i < 3; i++ {
		require.NoError(t, job.Run(context.Background()))
		now = now.Add(time.Hour)
	}

	files, err := job.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"wbl-backup-20250314T103000Z.json",
		"wbl-backup-20250314T113000Z.json",
	}, files)

	f, err := os.Open(filepath.Join(dir, files[1]))
	require.NoError(t, err)
	defer f.Close()
	doc, err := backup.Parse(f)
	require.NoError(t, err)
	require.Len(t, doc.Companies, 1)
	assert.Equal(t, "Acme Sdn Bhd", doc.Companies[0].Name)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporary files left behind")
}

func TestBackupJob_KeepZeroKeepsAll(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	job := NewBackupJob(BackupConfig{
		Source: staticSource{doc: backup.Document{
			Users: []user.User{}, Companies: []company.Company{}, Applications: []application.Application{},
		}},
		Dir:    dir,
		Now:    func() time.Time { now = now.Add(time.Minute); return now },
		Logger: logger.Discard(),
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, job.Run(context.Background()))
	}
	files, err := job.Files()
	require.NoError(t, err)
	assert.Len(t, files, 3)
}
