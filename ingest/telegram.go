// Package ingest 频道消息接入
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jpillora/backoff"

	"signalcopier/engine"
	"signalcopier/logger"
)

// TelegramSource 通过 Bot API 长轮询读取频道和群组消息
// 频道ID 为 Telegram chat id 的十进制字符串（频道通常以 -100 开头）
type TelegramSource struct {
	bot     *tgbotapi.BotAPI
	timeout int
	offset  int
	retry   *backoff.Backoff
}

// NewTelegramSource 创建消息源；endpoint 为空时使用官方 API，timeout 为长轮询秒数
func NewTelegramSource(botToken, endpoint string, timeout int) (*TelegramSource, error) {
	if botToken == "" {
		return nil, fmt.Errorf("Telegram BotToken 未配置")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if timeout <= 0 {
		timeout = 30
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(botToken, endpoint)
	if err != nil {
		return nil, fmt.Errorf("连接 Telegram 失败: %w", err)
	}
	logger.Info("🤖 [ingest] Telegram 机器人 @%s 已连接", bot.Self.UserName)
	return &TelegramSource{
		bot:     bot,
		timeout: timeout,
		retry:   &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true},
	}, nil
}

// Run 拉取更新并写入 out，直到 ctx 结束
// 一次长轮询最多阻塞 timeout 秒，退出时可能需要等待当前请求返回
func (s *TelegramSource) Run(ctx context.Context, out chan<- engine.Message) error {
	logger.Info("📡 [ingest] 开始接收 Telegram 消息")
	for {
		if ctx.Err() != nil {
			logger.Info("⏹️ [ingest] Telegram 消息接收已停止")
			return nil
		}

		u := tgbotapi.NewUpdate(s.offset)
		u.Timeout = s.timeout
		u.AllowedUpdates = []string{"message", "channel_post"}
		updates, err := s.bot.GetUpdates(u)
		if err != nil {
			wait := s.retry.Duration()
			logger.Warn("⚠️ [ingest] 拉取 Telegram 更新失败，%v 后重试: %v", wait, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		s.retry.Reset()

		for _, upd := range updates {
			if upd.UpdateID >= s.offset {
				s.offset = upd.UpdateID + 1
			}
			msg, ok := toMessage(upd)
			if !ok {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// toMessage 只接收带文本（或图片说明）的新消息，编辑过的消息忽略
func toMessage(upd tgbotapi.Update) (engine.Message, bool) {
	m := upd.ChannelPost
	if m == nil {
		m = upd.Message
	}
	if m == nil || m.Chat == nil {
		return engine.Message{}, false
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if text == "" {
		return engine.Message{}, false
	}

	msg := engine.Message{
		ChannelID: strconv.FormatInt(m.Chat.ID, 10),
		MessageID: strconv.Itoa(m.MessageID),
		Text:      text,
		Timestamp: m.Time().UTC(),
	}
	if m.ReplyToMessage != nil {
		msg.ReplyTo = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	return msg, true
}
