package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gentoomaniac/fsguard/pkg/config"
	"github.com/gentoomaniac/fsguard/pkg/daemon"
	"github.com/rs/zerolog/log"
)

func loadConfig(path string) (*config.Holder, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Strs("protected_paths", cfg.ProtectedPaths).Msg("configuration loaded")
	return config.NewHolder(path, cfg), nil
}

func runDaemon(configPath string) error {
	holder, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(holder)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// runInit builds a fresh baseline without a running daemon. The storage lock
// makes it fail while a daemon holds the store.
func runInit(configPath string) error {
	holder, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := daemon.OpenStore(holder)
	if err != nil {
		return err
	}
	defer store.Close()

	gen, err := store.Baseline.CreateBaseline(ctx, holder.Current().ProtectedPaths)
	if err != nil {
		return err
	}
	status, err := store.Baseline.Status()
	if err != nil {
		return err
	}
	log.Info().
		Int64("generation", gen).
		Int("files", status.Files).
		Int("blocks", status.Blocks).
		Msg("baseline built")
	return nil
}
