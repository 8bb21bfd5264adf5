package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"mm-control-plane/config"
)

// TelegramNotifier delivers notifications through a Telegram bot. The
// chat id may be a numeric id or an @channel username.
type TelegramNotifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	channel string
	enabled bool
}

func NewTelegramNotifier(cfg config.TelegramConfig) (*TelegramNotifier, error) {
	t := &TelegramNotifier{}
	if !cfg.Enabled || cfg.BotToken == "" || cfg.ChatID == "" {
		return t, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	if strings.HasPrefix(cfg.ChatID, "@") {
		t.channel = cfg.ChatID
	} else {
		id, err := strconv.ParseInt(cfg.ChatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram chat id %q: %w", cfg.ChatID, err)
		}
		t.chatID = id
	}
	t.enabled = true
	return t, nil
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	if !t.enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	text := fmt.Sprintf("*%s*\n\n%s", escapeMarkdown(n.Title), escapeMarkdown(n.Message))
	var msg tgbotapi.MessageConfig
	if t.channel != "" {
		msg = tgbotapi.NewMessageToChannel(t.channel, text)
	} else {
		msg = tgbotapi.NewMessage(t.chatID, text)
	}
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// escapeMarkdown neutralizes the markers Telegram's legacy Markdown
// mode treats specially.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
	return replacer.Replace(s)
}
