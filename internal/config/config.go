package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"PerpPilot-Chain/internal/flow"
	"PerpPilot-Chain/internal/notify"
	"PerpPilot-Chain/internal/observability/alerting"
	"PerpPilot-Chain/internal/signer"
	"PerpPilot-Chain/pkg/logger"
)

// Config 描述了 PerpPilot 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Flow     FlowConfig     `json:"flow"`
	Chain    ChainConfig    `json:"chain"`
	Venue    VenueConfig    `json:"venue"`
	Signer   SignerConfig   `json:"signer"`
	Submit   SubmitConfig   `json:"submit"`
	Notify   NotifyConfig   `json:"notify"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  logger.Config  `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述账本后端的连接信息。
type StorageConfig struct {
	Ledger LedgerStoreConfig `json:"ledger"`
}

// LedgerStoreConfig 选择账本实现，memory 或 mysql。
type LedgerStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// FlowConfig 控制意图状态机的存储与过期策略。
type FlowConfig struct {
	Driver       string           `json:"driver"`
	Redis        flow.RedisConfig `json:"redis"`
	TTLSeconds   int              `json:"ttl_seconds"`
	SweepSeconds int              `json:"sweep_seconds"`
}

// TTL 返回意图存活时间。
func (c FlowConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval 返回过期清扫周期。
func (c FlowConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// ChainConfig 包含访问账本网络节点所需的 RPC 地址。
type ChainConfig struct {
	RPCURL     string `json:"rpc_url"`
	Commitment string `json:"commitment"`
}

// VenueConfig 描述场内协议的程序地址与市场目录。
type VenueConfig struct {
	ProgramID   string `json:"program_id"`
	MarketsPath string `json:"markets_path"`
}

// SignerConfig 描述托管签名服务的接入参数。
type SignerConfig struct {
	Endpoint       string `json:"endpoint"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// HTTPConfig 转换为签名客户端配置。
func (c SignerConfig) HTTPConfig() signer.HTTPConfig {
	return signer.HTTPConfig{
		Endpoint: c.Endpoint,
		APIKey:   c.APIKey,
		Timeout:  time.Duration(c.TimeoutSeconds) * time.Second,
	}
}

// SubmitConfig 控制签名提交的重试与确认参数。
type SubmitConfig struct {
	MaxRetries          int `json:"max_retries"`
	BaseDelayMillis     int `json:"base_delay_millis"`
	MaxDelayMillis      int `json:"max_delay_millis"`
	ConfirmEverySeconds int `json:"confirm_every_seconds"`
	ConfirmTimeoutSecs  int `json:"confirm_timeout_seconds"`
}

// NotifyConfig 选择状态事件队列实现，memory 或 rabbitmq。
type NotifyConfig struct {
	Driver   string                `json:"driver"`
	RabbitMQ notify.RabbitMQConfig `json:"rabbitmq"`
}

// AlertingConfig 描述告警渠道。未填写的渠道不参与分发。
type AlertingConfig struct {
	Telegram alerting.TelegramConfig `json:"telegram"`
	Slack    alerting.SlackConfig    `json:"slack"`
}

// Notifiers 根据已配置的渠道构造通知器列表。
func (c AlertingConfig) Notifiers() []alerting.Notifier {
	var notifiers []alerting.Notifier
	if c.Telegram.BotToken != "" && c.Telegram.ChatID != "" {
		notifiers = append(notifiers, &alerting.TelegramNotifier{
			Sender: alerting.NewTelegramBotSender(c.Telegram),
		})
	}
	if c.Slack.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhookSender(c.Slack.WebhookURL),
			ChannelID: c.Slack.Channel,
		})
	}
	return notifiers
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Ledger.Driver == "" {
		c.Storage.Ledger.Driver = "memory"
	}

	if c.Flow.Driver == "" {
		c.Flow.Driver = "memory"
	}
	if c.Flow.TTLSeconds <= 0 {
		c.Flow.TTLSeconds = 600
	}
	if c.Flow.SweepSeconds <= 0 {
		c.Flow.SweepSeconds = 30
	}

	if c.Chain.Commitment == "" {
		c.Chain.Commitment = "confirmed"
	}

	if c.Venue.MarketsPath == "" {
		c.Venue.MarketsPath = filepath.Join(baseDir, "markets.yaml")
	} else if !filepath.IsAbs(c.Venue.MarketsPath) {
		c.Venue.MarketsPath = filepath.Join(baseDir, c.Venue.MarketsPath)
	}

	if c.Signer.TimeoutSeconds <= 0 {
		c.Signer.TimeoutSeconds = 30
	}

	if c.Submit.MaxRetries <= 0 {
		c.Submit.MaxRetries = 3
	}
	if c.Submit.BaseDelayMillis <= 0 {
		c.Submit.BaseDelayMillis = 1000
	}
	if c.Submit.MaxDelayMillis <= 0 {
		c.Submit.MaxDelayMillis = 30000
	}
	if c.Submit.ConfirmEverySeconds <= 0 {
		c.Submit.ConfirmEverySeconds = 2
	}
	if c.Submit.ConfirmTimeoutSecs <= 0 {
		c.Submit.ConfirmTimeoutSecs = 60
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "memory"
	}
}
