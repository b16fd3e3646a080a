// Command factsheetd runs the fact sheet engine as a standalone server.
//
// The schema below is an example subject profile for a conversational
// assistant: name, role, company, plan tier, and an open "preferences"
// extras map. Deployments with a different domain should fork this file —
// the schema is a caller concern (see factsheet.Schema), not something a
// generic binary can discover on its own.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lumenic/factsheet"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	level := parseLogLevel(os.Getenv("FACTSHEET_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := factsheet.New(exampleSchema(), factsheet.DefaultPolicy(),
		factsheet.WithLogger(logger),
		factsheet.WithVersion(version),
	)
	if err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func exampleSchema() factsheet.Schema {
	return factsheet.Schema{
		Fields: map[string]factsheet.Field{
			"name":    factsheet.Nullable(factsheet.String()),
			"role":    factsheet.Nullable(factsheet.String()),
			"company": factsheet.Nullable(factsheet.String()),
			"plan":    factsheet.Nullable(factsheet.Enum("free", "pro", "enterprise")),
			"locale":  factsheet.Optional(factsheet.String()),
		},
		HasExtras: true,
	}
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
