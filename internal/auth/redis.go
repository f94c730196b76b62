package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apperrors "github.com/koopa0/system-design/14-group-chat/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis 中每個使用者一個 hash：
//
//	{prefix}{username} -> {password_hash, created_at}
//
// 註冊用 HSETNX 保證同名只會成功一次。
const (
	fieldPasswordHash = "password_hash"
	fieldCreatedAt    = "created_at"
)

// RedisStore Redis 憑證儲存
type RedisStore struct {
	client *redis.Client
	prefix string
	hasher hasher
	logger *slog.Logger
}

// NewRedisStore 創建 Redis 儲存
func NewRedisStore(client *redis.Client, prefix string, cost int, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		hasher: newHasher(cost),
		logger: logger,
	}
}

func (s *RedisStore) key(username string) string {
	return s.prefix + username
}

// Authenticate 驗證帳號密碼
func (s *RedisStore) Authenticate(ctx context.Context, username, password string) error {
	hashed, err := s.client.HGet(ctx, s.key(username), fieldPasswordHash).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return apperrors.ErrUnknownUser
		}
		s.logger.Error("redis authenticate failed", "username", username, "error", err)
		return apperrors.ErrBackendUnavailable.WithCause(err)
	}

	return s.hasher.verify(hashed, password)
}

// Register 註冊新帳號
func (s *RedisStore) Register(ctx context.Context, username, password string) error {
	if err := validate(username, password); err != nil {
		return err
	}

	hashed, err := s.hasher.hash(password)
	if err != nil {
		return err
	}

	key := s.key(username)
	created, err := s.client.HSetNX(ctx, key, fieldPasswordHash, hashed).Result()
	if err != nil {
		s.logger.Error("redis register failed", "username", username, "error", err)
		return apperrors.ErrBackendUnavailable.WithCause(err)
	}
	if !created {
		return apperrors.ErrDuplicateUsername
	}

	// created_at 只是附加資訊，失敗不影響註冊結果
	if err := s.client.HSet(ctx, key, fieldCreatedAt, time.Now().UTC().Format(time.RFC3339)).Err(); err != nil {
		s.logger.Warn("redis set created_at failed", "username", username, "error", err)
	}

	s.logger.Info("user stored", "backend", "redis", "username", username)
	return nil
}
