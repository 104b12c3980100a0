package bot

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"signalgw/internal/export"
	"signalgw/internal/metrics"
	"signalgw/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const (
	listLimit   = 20
	exportLimit = 500
)

const helpText = `Commands:
/stats - scheduler statistics
/active - queued and running tasks
/history [controller] - latest tasks
/task <id> - task details
/cancel <id> - cancel a task that has not started
/pause, /resume - stop or restart task pickup
/export [controller] - task history as XLSX
/controllers - gateway inventory`

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())
	result := "ok"

	switch msg.Command() {
	case "start", "help":
		b.sendMessage(chatID, helpText)
	case "stats":
		b.sendMessage(chatID, formatStats(b.scheduler.GetStats()))
	case "active":
		b.sendMessage(chatID, formatTaskList("Active tasks", b.scheduler.GetActiveTasks()))
	case "history":
		b.sendMessage(chatID, formatTaskList("Latest tasks", b.scheduler.GetHistory(args, listLimit)))
	case "task":
		result = b.handleTask(chatID, args)
	case "cancel":
		result = b.handleCancel(chatID, args)
	case "pause":
		b.scheduler.Pause()
		b.sendMessage(chatID, "Scheduler paused.")
	case "resume":
		b.scheduler.Resume()
		b.sendMessage(chatID, "Scheduler resumed.")
	case "export":
		result = b.handleExport(ctx, chatID, args)
	case "controllers":
		b.sendMessage(chatID, formatSysInfo(b.system.SysInfo(ctx)))
	default:
		result = "unknown"
		b.sendMessage(chatID, "Unknown command. "+helpText)
	}
	metrics.IncBotCommand(msg.Command(), result)
}

func (b *Bot) handleTask(chatID int64, taskID string) string {
	if taskID == "" {
		b.sendMessage(chatID, "Usage: /task <id>")
		return "invalid"
	}
	task, err := b.scheduler.GetStatus(taskID)
	if err != nil {
		b.sendMessage(chatID, fmt.Sprintf("Task %s not found.", taskID))
		return "not_found"
	}
	b.sendMessage(chatID, formatTask(*task))
	return "ok"
}

func (b *Bot) handleCancel(chatID int64, taskID string) string {
	if taskID == "" {
		b.sendMessage(chatID, "Usage: /cancel <id>")
		return "invalid"
	}
	if !b.scheduler.Cancel(taskID) {
		b.sendMessage(chatID, fmt.Sprintf("Task %s cannot be cancelled.", taskID))
		return "rejected"
	}
	b.sendMessage(chatID, fmt.Sprintf("Task %s cancelled.", taskID))
	return "ok"
}

func (b *Bot) handleExport(ctx context.Context, chatID int64, controllerID string) string {
	tasks := b.scheduler.GetHistory(controllerID, exportLimit)
	now := b.now()

	var buf bytes.Buffer
	if err := export.WriteTasks(&buf, tasks, now); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("export tasks")
		b.sendMessage(chatID, "Export failed.")
		return "error"
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: export.FileName(now), Bytes: buf.Bytes()})
	doc.Caption = fmt.Sprintf("%d tasks", len(tasks))
	if _, err := b.tg.Send(doc); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("send export")
		return "error"
	}
	return "ok"
}

func formatStats(s models.SyncStats) string {
	var sb strings.Builder
	sb.WriteString("Scheduler\n")
	if s.Paused {
		sb.WriteString("State: PAUSED\n")
	} else {
		sb.WriteString("State: running\n")
	}
	fmt.Fprintf(&sb, "Workers: %d\nQueue depth: %d\n\n", s.Workers, s.QueueDepth)
	fmt.Fprintf(&sb, "Total: %d\n", s.Total)
	fmt.Fprintf(&sb, "Created: %d\nPending: %d\nRunning: %d\n", s.Created, s.Pending, s.Running)
	fmt.Fprintf(&sb, "Completed: %d\nFailed: %d\nCancelled: %d\nTimed out: %d", s.Completed, s.Failed, s.Cancelled, s.TimedOut)
	return sb.String()
}

func formatTaskList(title string, tasks []models.SyncTask) string {
	if len(tasks) == 0 {
		return title + ": none"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%d)\n", title, len(tasks))
	for i, t := range tasks {
		if i == listLimit {
			fmt.Fprintf(&sb, "... and %d more", len(tasks)-listLimit)
			break
		}
		fmt.Fprintf(&sb, "%s %s %s %s %d%%\n", shortID(t.TaskID), t.ControllerID, t.SyncType, t.Status, t.Progress)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatTask(t models.SyncTask) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s\n", t.TaskID)
	fmt.Fprintf(&sb, "Controller: %s\nType: %s\n", t.ControllerID, t.SyncType)
	if t.PayloadType != "" {
		fmt.Fprintf(&sb, "Payload: %s\n", t.PayloadType)
	}
	fmt.Fprintf(&sb, "Status: %s (%d%%)\nPriority: %d\nRetries: %d/%d\n", t.Status, t.Progress, t.Priority, t.RetryCount, t.MaxRetryCount)
	fmt.Fprintf(&sb, "Created: %s", t.CreateTime.Format("2006-01-02 15:04:05"))
	if t.EndTime != nil {
		fmt.Fprintf(&sb, "\nFinished: %s", t.EndTime.Format("2006-01-02 15:04:05"))
	}
	if t.Message != "" {
		fmt.Fprintf(&sb, "\nMessage: %s", t.Message)
	}
	return sb.String()
}

func formatSysInfo(info *models.SysInfo) string {
	if info == nil {
		return "No system info."
	}
	return fmt.Sprintf("%s %s\nControllers (%d): %s",
		info.SysName, info.SysVersion, len(info.SignalControllerIDs), strings.Join(info.SignalControllerIDs, ", "))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
