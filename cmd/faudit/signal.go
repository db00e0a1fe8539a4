package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	fileaudit "github.com/mattkeenan/fileaudit/pkg"
)

// setupSignalContext returns a context cancelled on the first SIGINT or SIGTERM.
// SIGPIPE is swallowed so a closed output pipe does not kill the observer mid-drain.
func setupSignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGPIPE)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case sig := <-sigChan:
				if sig == syscall.SIGPIPE {
					continue
				}
				fileaudit.Logger().Warn().Str("signal", sig.String()).Msg("received signal, draining session")
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return ctx, cancel
}
