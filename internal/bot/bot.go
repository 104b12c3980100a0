// Package bot is the operator console: a Telegram bot that reports scheduler
// state, drives pause/resume and cancel, and alerts on failed sync tasks.
package bot

import (
	"context"
	"strings"
	"time"

	"signalgw/internal/config"
	"signalgw/internal/domain"
	"signalgw/internal/logging"
	"signalgw/internal/metrics"
	"signalgw/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OperatorScheduler is the scheduler surface exposed to operators.
type OperatorScheduler interface {
	GetStats() models.SyncStats
	GetActiveTasks() []models.SyncTask
	GetHistory(controllerID string, limit int) []models.SyncTask
	GetStatus(taskID string) (*models.SyncTask, error)
	Cancel(taskID string) bool
	Pause()
	Resume()
}

// SystemInfo describes the gateway and its controllers.
type SystemInfo interface {
	SysInfo(ctx context.Context) *models.SysInfo
}

type Bot struct {
	tg        domain.TelegramService
	cfg       config.TelegramConfig
	scheduler OperatorScheduler
	system    SystemInfo
	operators map[int64]bool
	alertOn   map[models.SyncStatus]bool
	alerts    chan alert
	logger    zerolog.Logger
	now       func() time.Time
}

func NewBot(
	tg domain.TelegramService,
	cfg config.TelegramConfig,
	scheduler OperatorScheduler,
	system SystemInfo,
	logger *zerolog.Logger,
) *Bot {
	b := &Bot{
		tg:        tg,
		cfg:       cfg,
		scheduler: scheduler,
		system:    system,
		operators: make(map[int64]bool, len(cfg.Operators)),
		alertOn:   make(map[models.SyncStatus]bool, len(cfg.AlertStatuses)),
		alerts:    make(chan alert, 64),
		logger:    logging.Component(logger, "bot"),
		now:       time.Now,
	}
	for _, id := range cfg.Operators {
		b.operators[id] = true
	}
	for _, st := range cfg.AlertStatuses {
		b.alertOn[models.SyncStatus(strings.ToUpper(strings.TrimSpace(st)))] = true
	}
	return b
}

// Start polls for updates and delivers alerts until ctx ends.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.tg.GetUpdatesChan(u)

	b.logger.Info().Str("username", b.tg.GetSelf().UserName).Msg("authorized on account")

	for {
		select {
		case <-ctx.Done():
			b.tg.StopReceivingUpdates()
			b.logger.Info().Msg("bot stopping")
			return
		case a := <-b.alerts:
			b.deliverAlert(a)
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.processUpdate(ctx, update)
		}
	}
}

func (b *Bot) processUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}

	updateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	l := b.logger.With().
		Str("request_id", uuid.NewString()).
		Int64("user_id", msg.From.ID).
		Str("command", msg.Command()).
		Logger()
	updateCtx = l.WithContext(updateCtx)

	b.withRecovery(msg.Command(), func() {
		if !b.operators[msg.From.ID] {
			l.Warn().Msg("command from non-operator")
			metrics.IncBotCommand(msg.Command(), "denied")
			b.sendMessage(msg.Chat.ID, "Access denied.")
			return
		}
		b.handleCommand(updateCtx, msg)
	})
}

func (b *Bot) withRecovery(command string, handler func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncBotCommand(command, "panic")
			b.logger.Error().Interface("panic", r).Str("command", command).Msg("recovered from panic in update handler")
		}
	}()
	handler()
}

func (b *Bot) sendMessage(chatID int64, text string) {
	if _, err := b.tg.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("send message")
	}
}
