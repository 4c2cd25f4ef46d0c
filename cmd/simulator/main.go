// Command simulator runs swarm scenarios and streams their telemetry.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/signalsfoundry/swarm-simulator/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.NewFromEnv()
	c, err := newCommand()
	if err == nil {
		err = c.root.ExecuteContext(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error(ctx, "simulator failed", logging.Err(err))
		stop()
		os.Exit(1)
	}
}
