package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TelegramConfig 描述 Telegram 机器人告警的接入参数。
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// SlackConfig 描述 Slack Webhook 告警的接入参数。
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

const senderTimeout = 10 * time.Second

// TelegramBotSender 通过 Bot API 发送消息。
type TelegramBotSender struct {
	token  string
	chatID string
	client *http.Client
}

var _ TelegramSender = (*TelegramBotSender)(nil)

// NewTelegramBotSender 创建 Telegram 机器人发送器。
func NewTelegramBotSender(cfg TelegramConfig) *TelegramBotSender {
	return &TelegramBotSender{
		token:  cfg.BotToken,
		chatID: cfg.ChatID,
		client: &http.Client{Timeout: senderTimeout},
	}
}

// Send 调用 sendMessage 接口。
func (s *TelegramBotSender) Send(ctx context.Context, content string) error {
	payload, err := json.Marshal(map[string]string{"chat_id": s.chatID, "text": content})
	if err != nil {
		return fmt.Errorf("编码 Telegram 消息失败: %w", err)
	}
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", s.token)
	return s.post(ctx, endpoint, payload)
}

func (s *TelegramBotSender) post(ctx context.Context, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造 Telegram 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 Telegram 消息失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Telegram 接口返回状态 %d", resp.StatusCode)
	}
	return nil
}

// SlackWebhookSender 通过 Incoming Webhook 发送消息。
type SlackWebhookSender struct {
	webhookURL string
	client     *http.Client
}

var _ SlackSender = (*SlackWebhookSender)(nil)

// NewSlackWebhookSender 创建 Slack Webhook 发送器。
func NewSlackWebhookSender(webhookURL string) *SlackWebhookSender {
	return &SlackWebhookSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: senderTimeout},
	}
}

// Send 向 Webhook 投递消息。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	payload, err := json.Marshal(map[string]string{"channel": channel, "text": content})
	if err != nil {
		return fmt.Errorf("编码 Slack 消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造 Slack 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 Slack 消息失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack Webhook 返回状态 %d", resp.StatusCode)
	}
	return nil
}
