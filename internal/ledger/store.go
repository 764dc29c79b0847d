package ledger

import "context"

// Store 抽象了交易记录的持久化接口。
type Store interface {
	// Create 写入一条新记录，记录必须处于 Pending 状态。
	Create(ctx context.Context, record *Record) error
	// Get 按标识查询记录。
	Get(ctx context.Context, id string) (*Record, error)
	// GetByHash 按链上交易哈希查询记录。
	GetByHash(ctx context.Context, txHash string) (*Record, error)
	// UpdateStatus 推进记录状态。记录已终态时返回 ErrRecordTerminal。
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) (*Record, error)
	// ListForUser 返回用户的记录，按选项过滤和分页。
	ListForUser(ctx context.Context, userID string, opts ...ListOption) ([]*Record, error)
	// Stats 返回按状态聚合的记录数。
	Stats(ctx context.Context) (*Stats, error)
	// Close 释放底层资源。
	Close() error
}

// Stats 是账本的聚合计数，供审计接口展示。
type Stats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
}
