// Command migrate applies the embedded Postgres schema with goose.
//
//	migrate [up|down|status|version|redo|up-to N] (default up)
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"commhub/internal/config"
	"commhub/internal/logging"
	"commhub/internal/store/pg"
)

func main() {
	cfg := config.LoadMigrate()
	logging.Init("migrate", cfg.LogFormat, cfg.LogLevel)

	command, args := "up", []string(nil)
	if len(os.Args) > 1 {
		command, args = os.Args[1], os.Args[2:]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := pg.Migrate(ctx, cfg.DBDSN, command, args...); err != nil {
		slog.Error("migrate failed", "command", command, "err", err)
		os.Exit(1)
	}
	slog.Info("migrate done", "command", command)
}
