package flow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 是基于内存的意图存储，适用于单实例部署和测试。
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]*Intent
}

var _ IntentStore = (*MemoryStore)(nil)

// NewMemoryStore 创建内存意图存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*Intent),
	}
}

// Put 写入或覆盖用户的意图。
func (s *MemoryStore) Put(_ context.Context, intent *Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.UserID] = intent.Clone()
	return nil
}

// Get 返回用户当前的意图。
func (s *MemoryStore) Get(_ context.Context, userID string) (*Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.intents[userID]
	if !ok {
		return nil, ErrNoActiveFlow
	}
	return intent.Clone(), nil
}

// Delete 删除用户的意图。
func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intents, userID)
	return nil
}

// DeleteExpired 删除所有已过期的意图。
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for userID, intent := range s.intents {
		if intent.ExpiresAt.Before(now) {
			delete(s.intents, userID)
			removed++
		}
	}
	return removed, nil
}

// Close 实现 IntentStore 接口，内存存储无需释放资源。
func (s *MemoryStore) Close() error {
	return nil
}
