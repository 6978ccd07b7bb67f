package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve is the entrypoint for `sessiond serve`.
// It returns an error instead of calling os.Exit to keep defers effective.
func Serve(cfg Config, log Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
