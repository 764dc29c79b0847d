package notify

import (
	"context"
	"time"
)

// Event 是推送给聊天层的交易状态事件。
type Event struct {
	RecordID   string    `json:"record_id"`
	UserID     string    `json:"user_id"`
	TxType     string    `json:"tx_type"`
	Status     string    `json:"status"`
	TxHash     string    `json:"tx_hash,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Handler 处理来自队列的状态事件。
type Handler func(ctx context.Context, event Event) error

// Producer 负责向队列投递状态事件。
type Producer interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer 负责从队列中消费状态事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
