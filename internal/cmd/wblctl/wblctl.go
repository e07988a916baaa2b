// Package wblctl implements the backup command line tool: export the local
// cache to a backup file, restore it from one, or push it to the remote
// store.
package wblctl

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ryzugai/wbl-sub000/internal/application/backup"
	"github.com/ryzugai/wbl-sub000/internal/application/gateway"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
)

// Commands.
const (
	CmdExport = "export"
	CmdImport = "import"
	CmdPush   = "push"
)

// Config holds wblctl command configuration.
type Config struct {
	Command  string
	File     string
	Username string
	Password string
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// Service is the part of the core the tool drives.
type Service interface {
	Login(ctx context.Context, username, password string) (user.User, error)
	Logout(ctx context.Context) error
	FullSystemBackup(ctx context.Context) backup.Document
	RestoreFullSystem(ctx context.Context, doc backup.Document) error
	UploadLocalToCloud(ctx context.Context) (gateway.BatchReport, error)
}

// ParseConfig parses flags into a Config. The first positional argument is
// the command.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		Username: envOrDefault(lookup, "WBL_USER", ""),
		Password: envOrDefault(lookup, "WBL_PASSWORD", ""),
	}
	fs.StringVar(&cfg.Username, "user", cfg.Username, "coordinator or committee username (env WBL_USER)")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "password (env WBL_PASSWORD)")
	fs.StringVar(&cfg.File, "file", "-", "backup file for export/import, - for stdout/stdin")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if fs.NArg() != 1 {
		return Config{}, fmt.Errorf("expected exactly one command: %s, %s or %s", CmdExport, CmdImport, CmdPush)
	}
	cfg.Command = fs.Arg(0)
	switch cfg.Command {
	case CmdExport, CmdImport, CmdPush:
	default:
		return Config{}, fmt.Errorf("unknown command %q", cfg.Command)
	}
	if cfg.Username == "" || cfg.Password == "" {
		return Config{}, errors.New("-user and -password are required")
	}
	return cfg, nil
}

// Run executes the command. in is read by import when File is "-", out
// receives the export when File is "-" and every status line.
func Run(ctx context.Context, cfg Config, svc Service, in io.Reader, out io.Writer) (err error) {
	if _, err := svc.Login(ctx, cfg.Username, cfg.Password); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	defer func() {
		if logoutErr := svc.Logout(ctx); logoutErr != nil && err == nil {
			err = fmt.Errorf("sign out: %w", logoutErr)
		}
	}()

	switch cfg.Command {
	case CmdExport:
		return export(ctx, cfg, svc, out)
	case CmdImport:
		return restore(ctx, cfg, svc, in, out)
	case CmdPush:
		return push(ctx, svc, out)
	}
	return fmt.Errorf("unknown command %q", cfg.Command)
}

func export(ctx context.Context, cfg Config, svc Service, out io.Writer) error {
	doc := svc.FullSystemBackup(ctx)
	if cfg.File == "-" {
		return doc.Encode(out)
	}

	f, err := os.Create(cfg.File)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	if err := doc.Encode(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close backup file: %w", err)
	}
	fmt.Fprintf(out, "exported %d users, %d companies, %d applications to %s\n",
		len(doc.Users), len(doc.Companies), len(doc.Applications), cfg.File)
	return nil
}

func restore(ctx context.Context, cfg Config, svc Service, in io.Reader, out io.Writer) error {
	src := in
	if cfg.File != "-" {
		f, err := os.Open(cfg.File)
		if err != nil {
			return fmt.Errorf("open backup file: %w", err)
		}
		defer f.Close()
		src = f
	}

	doc, err := backup.Parse(src)
	if err != nil {
		return err
	}
	if err := svc.RestoreFullSystem(ctx, doc); err != nil {
		return err
	}
	fmt.Fprintf(out, "restored %d users, %d companies, %d applications (backup version %s)\n",
		len(doc.Users), len(doc.Companies), len(doc.Applications), doc.Version)
	return nil
}

func push(ctx context.Context, svc Service, out io.Writer) error {
	report, err := svc.UploadLocalToCloud(ctx)
	fmt.Fprintf(out, "committed %d/%d batches, %d/%d records\n",
		report.CommittedBatches, report.Batches, report.CommittedRecords, report.Records)
	return err
}

func envOrDefault(lookup EnvLookup, key, def string) string {
	if lookup == nil {
		return def
	}
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}
