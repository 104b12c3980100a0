package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"signalgw/internal/database"
	"signalgw/internal/export"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dumps the archived sync task history to an XLSX workbook. It reads the
// SQLite archive directly, so it works while the gateway is down.
func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		dbPath       = flag.String("db", "./data/signalgw.db", "path to sqlite db")
		controllerID = flag.String("controller", "", "only tasks of this controller")
		limit        = flag.Int("limit", 5000, "maximum number of tasks")
		outDir       = flag.String("out", "exports", "output directory")
	)
	flag.Parse()

	if *limit <= 0 {
		return fmt.Errorf("limit must be positive")
	}

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tasks, err := db.GetTaskHistory(ctx, *controllerID, *limit)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(tasks) == 0 {
		return fmt.Errorf("no archived tasks")
	}

	path, err := export.SaveTasks(*outDir, tasks, time.Now())
	if err != nil {
		return fmt.Errorf("save export: %w", err)
	}

	logger.Info().Int("tasks", len(tasks)).Str("path", path).Msg("history exported")
	return nil
}
