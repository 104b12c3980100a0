package bot

import (
	"fmt"

	"signalgw/internal/events"
	"signalgw/internal/models"
)

type alert struct {
	task events.TaskEventPayload
}

// Listen queues an alert for every task that finishes in an alerting status.
// Delivery happens on the Start loop so publishers never wait on Telegram.
func (b *Bot) Listen(bus *events.EventBus) {
	bus.Subscribe(events.EventSyncTaskFinished, func(ev *events.Event) error {
		var p events.TaskEventPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if !b.alertOn[p.Status] || len(b.cfg.AlertChats) == 0 {
			return nil
		}
		select {
		case b.alerts <- alert{task: p}:
		default:
			b.logger.Warn().Str("task_id", p.TaskID).Msg("alert queue full, alert dropped")
		}
		return nil
	})
}

func (b *Bot) deliverAlert(a alert) {
	text := formatAlert(a.task)
	for _, chatID := range b.cfg.AlertChats {
		b.sendMessage(chatID, text)
	}
}

func formatAlert(p events.TaskEventPayload) string {
	text := fmt.Sprintf("Sync task %s\nController: %s\nType: %s\nTask: %s", p.Status, p.ControllerID, p.SyncType, p.TaskID)
	if p.Message != "" {
		text += "\n" + p.Message
	}
	if p.Status == models.SyncTimeout {
		text += "\nCheck controller connectivity."
	}
	return text
}
