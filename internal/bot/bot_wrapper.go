package bot

import (
	"net/http"
	"time"

	"signalgw/internal/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BotWrapper adapts *tgbotapi.BotAPI to domain.TelegramService.
type BotWrapper struct {
	*tgbotapi.BotAPI
}

func (w *BotWrapper) GetSelf() tgbotapi.User {
	return w.Self
}

// NewTelegramClient logs in with the configured token. APIEndpoint overrides
// the public Bot API, e.g. for a local bot API server.
func NewTelegramClient(cfg config.TelegramConfig) (*BotWrapper, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, &http.Client{Timeout: 75 * time.Second})
	if err != nil {
		return nil, err
	}
	return &BotWrapper{BotAPI: api}, nil
}
