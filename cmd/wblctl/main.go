// Package main - утилита резервного копирования: выгрузка кеша в файл,
// восстановление из файла и перенос в удалённое хранилище.
//
//	wblctl -user coord -password ... -file backup.json export
//	wblctl -user coord -password ... -file backup.json import
//	wblctl -user coord -password ... push
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ryzugai/wbl-sub000/config"
	"github.com/ryzugai/wbl-sub000/internal/bootstrap"
	"github.com/ryzugai/wbl-sub000/internal/cmd/wblctl"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "wblctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cliCfg, err := wblctl.ParseConfig(flag.CommandLine, os.Args[1:], os.LookupEnv)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := bootstrap.NewLogger(cfg)

	svc, err := bootstrap.NewCore(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Shutdown(context.Background()); err != nil {
			log.Error("shutdown failed", logger.Err(err))
		}
	}()

	// Подписки не нужны: утилита работает с кешем и пишет в хранилище
	// пакетами.
	return wblctl.Run(ctx, cliCfg, svc, os.Stdin, os.Stdout)
}
