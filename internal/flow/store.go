package flow

import (
	"context"
	"time"
)

// IntentStore 抽象意图的持久化。实现必须保证每个用户至多一条记录。
type IntentStore interface {
	// Put 写入或覆盖用户的意图。
	Put(ctx context.Context, intent *Intent) error

	// Get 返回用户当前的意图，不存在时返回 ErrNoActiveFlow。
	// 过期判定由调用方负责，Get 不做时间检查。
	Get(ctx context.Context, userID string) (*Intent, error)

	// Delete 删除用户的意图，不存在时静默成功。
	Delete(ctx context.Context, userID string) error

	// DeleteExpired 删除所有 ExpiresAt 早于 now 的意图，返回删除数量。
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Close 释放底层资源。
	Close() error
}
