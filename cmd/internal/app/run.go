package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve is the `pulse serve` entrypoint. It returns an error instead of calling
// os.Exit so defers stay effective.
func Serve(parent context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("app.init.fail", "err", err)
		return err
	}

	return a.Run(ctx)
}

// Migrate is the `pulse migrate` entrypoint: it opens the configured store,
// applies its schema and exits.
func Migrate(ctx context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	backend, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	if !backend.durable() {
		log.Warn("migrate.skip", "reason", "inmemory_store")
		return nil
	}
	if err := backend.Migrate(ctx); err != nil {
		log.Error("migrate.fail", "store", backend.kind, "err", err)
		return err
	}
	log.Info("migrate.done", "store", backend.kind)
	return nil
}
