package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"signalgw/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupService(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "source.db")
	storagePath := filepath.Join(tempDir, "backups")

	db := newTestDB(t, dbPath)
	require.NoError(t, db.SaveTask(context.Background(), sampleTask("t-1", "c-1", time.Now())))

	logger := zerolog.Nop()
	s := NewBackupService(dbPath, config.BackupConfig{
		Enabled:       true,
		StoragePath:   storagePath,
		RetentionDays: 1,
	}, &logger)

	t.Run("PerformBackup", func(t *testing.T) {
		path, err := s.PerformBackup()
		require.NoError(t, err)

		restored, err := NewDB(path, &logger)
		require.NoError(t, err)
		defer restored.Close()

		task, err := restored.GetTask(context.Background(), "t-1")
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Equal(t, "c-1", task.ControllerID)
	})

	t.Run("CleanupOldBackups", func(t *testing.T) {
		oldFile := filepath.Join(storagePath, "tasks_old.db")
		require.NoError(t, os.WriteFile(oldFile, []byte("old"), 0o644))

		oldTime := time.Now().AddDate(0, 0, -2)
		require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

		assert.Equal(t, 1, s.CleanupOldBackups())

		files, err := os.ReadDir(storagePath)
		require.NoError(t, err)
		assert.Len(t, files, 1)
		assert.NotEqual(t, "tasks_old.db", files[0].Name())
	})
}

func TestBackupService_Disabled(t *testing.T) {
	logger := zerolog.Nop()
	dir := filepath.Join(t.TempDir(), "never")
	s := NewBackupService("any", config.BackupConfig{Enabled: false, StoragePath: dir}, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
