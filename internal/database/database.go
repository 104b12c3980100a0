package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the sqlite store for sync task history.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_tasks (
            task_id TEXT PRIMARY KEY,
            controller_id TEXT NOT NULL,
            sync_type TEXT NOT NULL,
            payload_type TEXT,
            payload TEXT,
            priority INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            progress INTEGER NOT NULL DEFAULT 0,
            message TEXT,
            timeout_seconds INTEGER NOT NULL,
            max_retry_count INTEGER NOT NULL DEFAULT 0,
            retry_count INTEGER NOT NULL DEFAULT 0,
            create_time DATETIME NOT NULL,
            start_time DATETIME,
            end_time DATETIME
        )`,
		`CREATE INDEX IF NOT EXISTS idx_sync_tasks_controller ON sync_tasks(controller_id, create_time)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_tasks_end_time ON sync_tasks(end_time)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// RunRetention deletes history older than keep every interval until ctx ends.
func (db *DB) RunRetention(ctx context.Context, interval, keep time.Duration) {
	if interval <= 0 || keep <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeTasksBefore(ctx, time.Now().Add(-keep))
			if err != nil {
				db.logger.Error().Err(err).Msg("Failed to purge task history")
				continue
			}
			if n > 0 {
				db.logger.Info().Int64("deleted", n).Msg("Purged task history")
			}
		}
	}
}
