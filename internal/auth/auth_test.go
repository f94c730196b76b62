package auth_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/system-design/14-group-chat/internal/auth"
	"github.com/koopa0/system-design/14-group-chat/internal/auth/migrations"
	apperrors "github.com/koopa0/system-design/14-group-chat/pkg/errors"
	"github.com/koopa0/system-design/14-group-chat/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// store 三種後端共用的行為
type store interface {
	Authenticate(ctx context.Context, username, password string) error
	Register(ctx context.Context, username, password string) error
}

func newMemoryStore(t *testing.T) *auth.MemoryStore {
	t.Helper()
	s, err := auth.NewMemoryStore(bcrypt.MinCost, nil, logger.Discard())
	require.NoError(t, err)
	return s
}

// exerciseStore 對任何後端跑同一組情境
func exerciseStore(t *testing.T, s store, username string) {
	ctx := context.Background()

	t.Run("unknown user", func(t *testing.T) {
		err := s.Authenticate(ctx, username, "pw")
		assert.True(t, errors.Is(err, apperrors.ErrUnknownUser), "got %v", err)
	})

	t.Run("register then login", func(t *testing.T) {
		require.NoError(t, s.Register(ctx, username, "correct horse"))
		assert.NoError(t, s.Authenticate(ctx, username, "correct horse"))
	})

	t.Run("wrong password", func(t *testing.T) {
		err := s.Authenticate(ctx, username, "battery staple")
		assert.True(t, errors.Is(err, apperrors.ErrInvalidPassword), "got %v", err)
	})

	t.Run("duplicate username", func(t *testing.T) {
		err := s.Register(ctx, username, "other")
		assert.True(t, errors.Is(err, apperrors.ErrDuplicateUsername), "got %v", err)
		// 原密碼不被覆蓋
		assert.NoError(t, s.Authenticate(ctx, username, "correct horse"))
	})

	t.Run("empty credentials", func(t *testing.T) {
		assert.True(t, errors.Is(s.Register(ctx, "", "pw"), apperrors.ErrInvalidCredentials))
		assert.True(t, errors.Is(s.Register(ctx, username+"x", ""), apperrors.ErrInvalidCredentials))
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, newMemoryStore(t), "alice")
}

func TestMemoryStore_Seed(t *testing.T) {
	s, err := auth.NewMemoryStore(bcrypt.MinCost, map[string]string{
		"alice": "a",
		"bob":   "b",
	}, logger.Discard())
	require.NoError(t, err)

	assert.Equal(t, 2, s.Count())
	assert.NoError(t, s.Authenticate(context.Background(), "bob", "b"))
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	s := newMemoryStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Authenticate(ctx, "alice", "pw")
	assert.True(t, apperrors.IsUnavailable(err), "got %v", err)
	assert.True(t, errors.Is(err, apperrors.ErrBackendUnavailable))
}

// TestMemoryStore_ConcurrentRegister 同名併發註冊只有一個成功
func TestMemoryStore_ConcurrentRegister(t *testing.T) {
	s := newMemoryStore(t)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Register(context.Background(), "carol", "pw"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, 1, s.Count())
}

// TestRedisStore 需要 REDIS_ADDR 指向可用的 Redis
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" || testing.Short() {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())

	prefix := fmt.Sprintf("chat-test:%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
	})

	exerciseStore(t, auth.NewRedisStore(client, prefix, bcrypt.MinCost, logger.Discard()), "alice")
}

// TestPostgresStore 需要 DATABASE_URL 指向可用的 PostgreSQL
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" || testing.Short() {
		t.Skip("DATABASE_URL not set")
	}

	m, err := migrations.New(dsn, logger.Discard())
	require.NoError(t, err)
	require.NoError(t, m.Up())
	t.Cleanup(func() { _ = m.Close() })

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	username := fmt.Sprintf("alice-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM users WHERE username = $1`, username)
	})

	exerciseStore(t, auth.NewPostgresStore(pool, bcrypt.MinCost, logger.Discard()), username)
}
