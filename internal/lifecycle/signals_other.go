//go:build windows

package lifecycle

import "context"

// WatchSignals is a no-op on platforms without SIGUSR1/SIGUSR2; use the
// state server's lifecycle endpoint instead.
func WatchSignals(ctx context.Context, o *Observer) {
	<-ctx.Done()
}
