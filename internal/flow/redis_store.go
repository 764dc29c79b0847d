package flow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "PerpPilot-Chain/internal/errors"
)

// RedisStore 是基于 Redis 的意图存储，供多实例部署共享会话状态。
// 键级 TTL 与意图的 ExpiresAt 对齐，过期清理由 Redis 自行完成。
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

var _ IntentStore = (*RedisStore)(nil)

// RedisConfig 描述 Redis 意图存储的连接参数。
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// NewRedisStore 创建 Redis 意图存储并校验连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "ping redis")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "perppilot:flow:"
	}
	return &RedisStore{client: client, keyPrefix: prefix}, nil
}

func (s *RedisStore) key(userID string) string {
	return s.keyPrefix + userID
}

// Put 写入或覆盖用户的意图，键 TTL 对齐 ExpiresAt。
func (s *RedisStore) Put(ctx context.Context, intent *Intent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "marshal intent")
	}
	ttl := time.Until(intent.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, s.key(intent.UserID), payload, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "set intent")
	}
	return nil
}

// Get 返回用户当前的意图。
func (s *RedisStore) Get(ctx context.Context, userID string) (*Intent, error) {
	payload, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNoActiveFlow
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "get intent")
	}
	var intent Intent
	if err := json.Unmarshal(payload, &intent); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "unmarshal intent")
	}
	return &intent, nil
}

// Delete 删除用户的意图。
func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete intent")
	}
	return nil
}

// DeleteExpired 由 Redis 的键过期机制代劳，这里恒为空操作。
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
