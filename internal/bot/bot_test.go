package bot

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"signalgw/internal/config"
	"signalgw/internal/domain"
	"signalgw/internal/events"
	"signalgw/internal/gwerrors"
	"signalgw/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type mockTelegramService struct {
	domain.TelegramService
	updatesChan chan tgbotapi.Update

	mu           sync.Mutex
	sentMessages []tgbotapi.Chattable
	stopped      bool
}

func (m *mockTelegramService) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updatesChan
}

func (m *mockTelegramService) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMessages = append(m.sentMessages, c)
	return tgbotapi.Message{}, nil
}

func (m *mockTelegramService) GetSelf() tgbotapi.User {
	return tgbotapi.User{UserName: "signalgw_bot"}
}

func (m *mockTelegramService) StopReceivingUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *mockTelegramService) sent() []tgbotapi.Chattable {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), m.sentMessages...)
}

func (m *mockTelegramService) texts() []string {
	var out []string
	for _, c := range m.sent() {
		if msg, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, msg.Text)
		}
	}
	return out
}

type fakeScheduler struct {
	tasks     map[string]models.SyncTask
	cancelled []string
	paused    bool
}

func (f *fakeScheduler) GetStats() models.SyncStats {
	return models.SyncStats{Total: len(f.tasks), Completed: 1, Failed: 1, Workers: 4, Paused: f.paused}
}

func (f *fakeScheduler) GetActiveTasks() []models.SyncTask {
	var out []models.SyncTask
	for _, t := range f.tasks {
		if !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeScheduler) GetHistory(controllerID string, limit int) []models.SyncTask {
	var out []models.SyncTask
	for _, t := range f.tasks {
		if controllerID == "" || t.ControllerID == controllerID {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeScheduler) GetStatus(taskID string) (*models.SyncTask, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, gwerrors.NotFound("task %s not found", taskID)
	}
	return &t, nil
}

func (f *fakeScheduler) Cancel(taskID string) bool {
	t, ok := f.tasks[taskID]
	if !ok || t.Status != models.SyncPending {
		return false
	}
	f.cancelled = append(f.cancelled, taskID)
	return true
}

func (f *fakeScheduler) Pause()  { f.paused = true }
func (f *fakeScheduler) Resume() { f.paused = false }

type fakeSystem struct{}

func (fakeSystem) SysInfo(context.Context) *models.SysInfo {
	return &models.SysInfo{SysName: "signalgw", SysVersion: "1.0", SignalControllerIDs: []string{"SC-001", "SC-002"}}
}

const (
	operatorID = int64(100)
	strangerID = int64(200)
	alertChat  = int64(-500)
)

func setupTestBot() (*Bot, *mockTelegramService, *fakeScheduler) {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	sched := &fakeScheduler{tasks: map[string]models.SyncTask{
		"task-pending": {TaskID: "task-pending", ControllerID: "SC-001", SyncType: models.SyncTypePlan, Status: models.SyncPending, CreateTime: created},
		"task-done": {TaskID: "task-done", ControllerID: "SC-002", SyncType: models.SyncTypeStatus, Status: models.SyncCompleted,
			Progress: 100, CreateTime: created, Message: "applied"},
	}}
	tg := &mockTelegramService{updatesChan: make(chan tgbotapi.Update, 4)}
	logger := zerolog.New(io.Discard)
	cfg := config.TelegramConfig{
		Operators:     []int64{operatorID},
		AlertChats:    []int64{alertChat},
		AlertStatuses: []string{"FAILED", "timeout"},
	}
	b := NewBot(tg, cfg, sched, fakeSystem{}, &logger)
	b.now = func() time.Time { return created.Add(time.Hour) }
	return b, tg, sched
}

func command(from int64, text string) tgbotapi.Update {
	cmd := strings.Fields(text)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: from},
		Chat:     &tgbotapi.Chat{ID: from},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}}
}

func TestOperatorCommands(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected string
	}{
		{"Help", "/help", "/cancel <id>"},
		{"Stats", "/stats", "Workers: 4"},
		{"Active", "/active", "Active tasks (1)"},
		{"History", "/history SC-002", "Latest tasks (1)"},
		{"Task", "/task task-done", "Message: applied"},
		{"Task Missing", "/task nope", "Task nope not found."},
		{"Task Usage", "/task", "Usage: /task <id>"},
		{"Controllers", "/controllers", "Controllers (2): SC-001, SC-002"},
		{"Unknown", "/reboot", "Unknown command."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, tg, _ := setupTestBot()
			b.processUpdate(context.Background(), command(operatorID, tt.text))

			texts := tg.texts()
			require.Len(t, texts, 1)
			assert.Contains(t, texts[0], tt.expected)
		})
	}
}

func TestNonOperatorDenied(t *testing.T) {
	b, tg, sched := setupTestBot()

	b.processUpdate(context.Background(), command(strangerID, "/pause"))

	assert.Equal(t, []string{"Access denied."}, tg.texts())
	assert.False(t, sched.paused)
}

func TestPlainTextIgnored(t *testing.T) {
	b, tg, _ := setupTestBot()

	b.processUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: operatorID},
		Chat: &tgbotapi.Chat{ID: operatorID},
		Text: "hello",
	}})

	assert.Empty(t, tg.sent())
}

func TestPauseResume(t *testing.T) {
	b, tg, sched := setupTestBot()
	ctx := context.Background()

	b.processUpdate(ctx, command(operatorID, "/pause"))
	assert.True(t, sched.paused)
	b.processUpdate(ctx, command(operatorID, "/stats"))
	b.processUpdate(ctx, command(operatorID, "/resume"))
	assert.False(t, sched.paused)

	texts := tg.texts()
	require.Len(t, texts, 3)
	assert.Equal(t, "Scheduler paused.", texts[0])
	assert.Contains(t, texts[1], "State: PAUSED")
	assert.Equal(t, "Scheduler resumed.", texts[2])
}

func TestCancel(t *testing.T) {
	b, tg, sched := setupTestBot()
	ctx := context.Background()

	b.processUpdate(ctx, command(operatorID, "/cancel task-pending"))
	b.processUpdate(ctx, command(operatorID, "/cancel task-done"))

	assert.Equal(t, []string{"task-pending"}, sched.cancelled)
	assert.Equal(t, []string{
		"Task task-pending cancelled.",
		"Task task-done cannot be cancelled.",
	}, tg.texts())
}

func TestExportSendsWorkbook(t *testing.T) {
	b, tg, _ := setupTestBot()

	b.processUpdate(context.Background(), command(operatorID, "/export"))

	sent := tg.sent()
	require.Len(t, sent, 1)
	doc, ok := sent[0].(tgbotapi.DocumentConfig)
	require.True(t, ok, "expected a document, got %T", sent[0])
	assert.Equal(t, operatorID, doc.ChatID)
	assert.Equal(t, "2 tasks", doc.Caption)

	file, ok := doc.File.(tgbotapi.FileBytes)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(file.Name, ".xlsx"))

	f, err := excelize.OpenReader(bytes.NewReader(file.Bytes))
	require.NoError(t, err)
	defer f.Close()
	assert.NotEmpty(t, f.GetSheetList())
}

func TestAlertsDeliveredFromStartLoop(t *testing.T) {
	b, tg, _ := setupTestBot()
	bus := events.NewEventBus()
	b.Listen(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()

	require.NoError(t, bus.PublishJSON(events.EventSyncTaskFinished, events.TaskEventPayload{
		TaskID: "t-ok", ControllerID: "SC-001", Status: models.SyncCompleted,
	}))
	require.NoError(t, bus.PublishJSON(events.EventSyncTaskFinished, events.TaskEventPayload{
		TaskID: "t-late", ControllerID: "SC-002", SyncType: models.SyncTypePlan, Status: models.SyncTimeout,
	}))

	require.Eventually(t, func() bool { return len(tg.sent()) == 1 }, time.Second, 10*time.Millisecond)

	msg, ok := tg.sent()[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, alertChat, msg.ChatID)
	assert.Contains(t, msg.Text, "Sync task TIMEOUT")
	assert.Contains(t, msg.Text, "t-late")

	cancel()
	<-done
	tg.mu.Lock()
	assert.True(t, tg.stopped)
	tg.mu.Unlock()
}
