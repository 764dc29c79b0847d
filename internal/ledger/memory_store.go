package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "PerpPilot-Chain/internal/errors"
)

// MemoryStore 是基于内存的账本存储，适用于测试和无持久化要求的部署。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byHash  map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存账本存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byHash:  make(map[string]string),
	}
}

// Create 写入一条新记录。
func (s *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "record id must not be empty")
	}
	if record.Status == "" {
		record.Status = StatusPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return xerrors.New(CodeRecordConflict, "record already exists: "+record.ID)
	}
	s.records[record.ID] = record.Clone()
	if record.TxHash != "" {
		s.byHash[record.TxHash] = record.ID
	}
	return nil
}

// Get 按标识查询记录。
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.Clone(), nil
}

// GetByHash 按交易哈希查询记录。
func (s *MemoryStore) GetByHash(_ context.Context, txHash string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[txHash]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return s.records[id].Clone(), nil
}

// UpdateStatus 推进记录状态。终态记录拒绝任何变更。
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, update StatusUpdate) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	if record.Status.Terminal() {
		return nil, ErrRecordTerminal
	}
	if update.Status != "" && !IsValidStatus(update.Status) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid status: "+string(update.Status))
	}
	if update.TxHash != nil && *update.TxHash != "" {
		if existing, taken := s.byHash[*update.TxHash]; taken && existing != id {
			return nil, xerrors.New(CodeRecordConflict, "tx hash already recorded: "+*update.TxHash)
		}
	}

	if update.Status != "" {
		record.Status = update.Status
	}
	if update.TxHash != nil {
		if record.TxHash != "" {
			delete(s.byHash, record.TxHash)
		}
		record.TxHash = *update.TxHash
		if record.TxHash != "" {
			s.byHash[record.TxHash] = id
		}
	}
	if update.RetryCount != nil {
		record.RetryCount = *update.RetryCount
	}
	if update.ErrorCode != nil {
		record.ErrorCode = *update.ErrorCode
	}
	if update.ErrorMessage != nil {
		record.ErrorMessage = *update.ErrorMessage
	}
	if update.ConfirmedAt != nil {
		at := *update.ConfirmedAt
		record.ConfirmedAt = &at
	}
	record.UpdatedAt = time.Now().UTC()
	return record.Clone(), nil
}

// ListForUser 返回用户的记录。
func (s *MemoryStore) ListForUser(_ context.Context, userID string, opts ...ListOption) ([]*Record, error) {
	options := buildListOptions(opts)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Record
	for _, record := range s.records {
		if record.UserID != userID {
			continue
		}
		if !matchesOptions(record, options) {
			continue
		}
		matched = append(matched, record)
	}
	sort.Slice(matched, func(i, j int) bool {
		if options.Order == SortByCreatedAsc {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if options.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[options.Offset:]
	if len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	out := make([]*Record, 0, len(matched))
	for _, record := range matched {
		out = append(out, record.Clone())
	}
	return out, nil
}

// Stats 返回按状态聚合的记录数。
func (s *MemoryStore) Stats(context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &Stats{}
	for _, record := range s.records {
		stats.Total++
		switch record.Status {
		case StatusPending:
			stats.Pending++
		case StatusConfirmed:
			stats.Confirmed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Close 实现 Store 接口，内存存储无需释放资源。
func (s *MemoryStore) Close() error {
	return nil
}

func matchesOptions(record *Record, options ListOptions) bool {
	if len(options.Statuses) > 0 {
		found := false
		for _, status := range options.Statuses {
			if record.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(options.TxTypes) > 0 {
		found := false
		for _, txType := range options.TxTypes {
			if record.TxType == txType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !options.CreatedGTE.IsZero() && record.CreatedAt.Before(options.CreatedGTE) {
		return false
	}
	return true
}
