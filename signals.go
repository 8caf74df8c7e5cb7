package duty

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// signals returns a context that is canceled when the process should quit
func signals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGQUIT, syscall.SIGTERM, os.Interrupt)
}
