package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"funding-rate-alerts/internal/funding"
	"funding-rate-alerts/internal/telegram"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, event funding.AlertEvent) error
}

// MessageSender is the part of the Telegram client the notifier needs.
type MessageSender interface {
	SendMessage(ctx context.Context, msg telegram.Message) error
}

// TelegramNotifier 通过 Telegram Bot API 推送告警。
type TelegramNotifier struct {
	sender   MessageSender
	chatID   string
	threadID int64
	loc      *time.Location
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。loc 用于显示结算时间。
func NewTelegramNotifier(sender MessageSender, chatID string, threadID int64, loc *time.Location, logger zerolog.Logger) *TelegramNotifier {
	if loc == nil {
		loc = time.UTC
	}
	return &TelegramNotifier{
		sender:   sender,
		chatID:   chatID,
		threadID: threadID,
		loc:      loc,
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify renders event as HTML and sends it to the configured chat and topic.
func (n *TelegramNotifier) Notify(ctx context.Context, event funding.AlertEvent) error {
	return n.send(ctx, RenderAlert(event, n.loc))
}

// Announce sends a free-form HTML message, e.g. the startup notice.
func (n *TelegramNotifier) Announce(ctx context.Context, text string) error {
	return n.send(ctx, text)
}

func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	msg := telegram.Message{
		ChatID:    n.chatID,
		ThreadID:  n.threadID,
		Text:      text,
		ParseMode: telegram.ParseModeHTML,
	}
	if err := n.sender.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	n.logger.Debug().Str("chat_id", n.chatID).Msg("告警已发送 (Telegram)")
	return nil
}

var _ Notifier = (*TelegramNotifier)(nil)
