//go:build !windows

package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WatchSignals feeds the observer from process signals until ctx is done:
// SIGUSR1 reports background, SIGUSR2 reports foreground. A host supervisor
// uses these to forward application state to a headless agent.
func WatchSignals(ctx context.Context, o *Observer) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				o.Report(Background)
			case syscall.SIGUSR2:
				o.Report(Foreground)
			}
		}
	}
}
