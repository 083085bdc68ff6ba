package notify

import (
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"signalcopier/event"
	"signalcopier/i18n"
	"signalcopier/utils"
)

// TelegramNotifier Telegram 通知器
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier 创建 Telegram 通知器；endpoint 为空时使用官方 API
func NewTelegramNotifier(botToken string, chatID int64, endpoint string) (*TelegramNotifier, error) {
	if botToken == "" || chatID == 0 {
		return nil, fmt.Errorf("Telegram BotToken 或 ChatID 未配置")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(botToken, endpoint)
	if err != nil {
		return nil, fmt.Errorf("连接 Telegram 失败: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

// Name 返回通知器名称
func (tn *TelegramNotifier) Name() string {
	return "Telegram"
}

// Send 发送通知
func (tn *TelegramNotifier) Send(evt *event.Event) error {
	msg := tgbotapi.NewMessage(tn.chatID, formatTelegramMessage(evt))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := tn.bot.Send(msg); err != nil {
		return fmt.Errorf("发送 Telegram 消息失败: %w", err)
	}
	return nil
}

func severityEmoji(s event.EventSeverity) string {
	switch s {
	case event.SeverityCritical:
		return "🚨"
	case event.SeverityWarning:
		return "⚠️"
	}
	return "ℹ️"
}

// formatTelegramMessage 格式化 Telegram 消息（HTML）
func formatTelegramMessage(evt *event.Event) string {
	title := evt.Title
	if title == "" {
		title = string(evt.Type)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n", severityEmoji(evt.Severity), html.EscapeString(title))
	if evt.Message != "" {
		b.WriteString(html.EscapeString(evt.Message))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s: <code>%s</code>", i18n.T("notify.time"),
		utils.ToConfiguredTimezone(evt.Timestamp).Format("2006-01-02 15:04:05"))
	return b.String()
}
