// Command cleanup removes files that have been idle for longer than the
// retention window, either once or on a cron schedule.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/radif/fileservice/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand(ctx, config.Load).Execute(); err != nil {
		log.Error("cleanup failed", "error", err)
		stop()
		os.Exit(1)
	}
}
