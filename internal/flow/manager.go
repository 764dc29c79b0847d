package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"PerpPilot-Chain/pkg/logger"
)

const (
	// DefaultTTL 是意图自最后一次写入起的存活时间。
	DefaultTTL = 10 * time.Minute
	// DefaultSweepInterval 是后台过期清扫的周期。
	DefaultSweepInterval = 30 * time.Second
)

// Manager 管理每个用户的单一意图生命周期。
// 不变量：任意时刻每个用户至多存在一个意图，新建无条件替换旧意图。
type Manager struct {
	store         IntentStore
	ttl           time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	log           *slog.Logger
}

// ManagerOption 配置 Manager。
type ManagerOption func(*Manager)

// WithTTL 覆盖意图存活时间。
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSweepInterval 覆盖过期清扫周期。
func WithSweepInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.sweepInterval = interval
		}
	}
}

// WithClock 注入时间源，测试用。
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager 创建意图管理器。
func NewManager(store IntentStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:         store,
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		clock:         time.Now,
		log:           logger.Named("flow"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartFlow 为用户创建新意图。若旧意图存在则直接覆盖，
// 旧意图的全部字段随之丢弃。
func (m *Manager) StartFlow(ctx context.Context, userID, chatContextID string, kind Kind) (*Intent, error) {
	now := m.clock()
	intent := &Intent{
		UserID:        userID,
		ChatContextID: chatContextID,
		Kind:          kind,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}
	if err := m.store.Put(ctx, intent); err != nil {
		return nil, err
	}
	m.log.Info("flow started", "user_id", userID, "kind", kind)
	return intent.Clone(), nil
}

// UpdateData 将更新合并进用户当前意图并刷新过期时间。
// 用户没有进行中的意图时记录告警并返回 nil，不视为错误。
func (m *Manager) UpdateData(ctx context.Context, userID string, upd Update) (*Intent, error) {
	intent, err := m.current(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoActiveFlow) {
			m.log.Warn("update for user without active flow", "user_id", userID)
			return nil, nil
		}
		return nil, err
	}
	intent.Fields.merge(upd)
	if upd.AwaitingField != nil {
		intent.AwaitingField = *upd.AwaitingField
	}
	now := m.clock()
	intent.UpdatedAt = now
	intent.ExpiresAt = now.Add(m.ttl)
	if err := m.store.Put(ctx, intent); err != nil {
		return nil, err
	}
	return intent.Clone(), nil
}

// Await 标记意图正在等待用户补充某个字段。
func (m *Manager) Await(ctx context.Context, userID, field string) (*Intent, error) {
	return m.UpdateData(ctx, userID, Update{AwaitingField: &field})
}

// CurrentFlow 返回用户当前的意图，不存在或已过期时报告不存在。
func (m *Manager) CurrentFlow(ctx context.Context, userID string) (*Intent, bool) {
	intent, err := m.current(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNoActiveFlow) {
			m.log.Error("load flow", "user_id", userID, "error", err)
		}
		return nil, false
	}
	return intent, true
}

// IsInFlow 报告用户是否有进行中的意图。
func (m *Manager) IsInFlow(ctx context.Context, userID string) bool {
	_, ok := m.CurrentFlow(ctx, userID)
	return ok
}

// ClearFlow 结束用户的意图。幂等，不存在时同样成功。
func (m *Manager) ClearFlow(ctx context.Context, userID string) error {
	return m.store.Delete(ctx, userID)
}

// current 读取意图并做过期判定。过期的意图立即删除且视为不存在。
func (m *Manager) current(ctx context.Context, userID string) (*Intent, error) {
	intent, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !intent.ExpiresAt.After(m.clock()) {
		if err := m.store.Delete(ctx, userID); err != nil {
			m.log.Error("delete expired flow", "user_id", userID, "error", err)
		}
		return nil, ErrNoActiveFlow
	}
	return intent, nil
}

// StartSweeper 启动后台协程周期性清理过期意图，ctx 取消时退出。
func (m *Manager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := m.store.DeleteExpired(ctx, m.clock())
				if err != nil {
					m.log.Error("sweep expired flows", "error", err)
					continue
				}
				if removed > 0 {
					m.log.Info("swept expired flows", "count", removed)
				}
			}
		}
	}()
}
