package auth

import (
	"context"
	"log/slog"
	"sync"

	apperrors "github.com/koopa0/system-design/14-group-chat/pkg/errors"
)

// MemoryStore 記憶體憑證儲存，程序結束即消失
//
// 適合開發與測試；多個 goroutine 可同時使用。
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]string // username -> bcrypt hash
	hasher hasher
	logger *slog.Logger
}

// NewMemoryStore 創建記憶體儲存，seed 為預先建立的帳號（username -> password）
func NewMemoryStore(cost int, seed map[string]string, logger *slog.Logger) (*MemoryStore, error) {
	s := &MemoryStore{
		users:  make(map[string]string, len(seed)),
		hasher: newHasher(cost),
		logger: logger,
	}
	for username, password := range seed {
		if err := s.Register(context.Background(), username, password); err != nil {
			return nil, err
		}
	}
	if len(seed) > 0 {
		logger.Info("seeded memory credential store", "users", len(seed))
	}
	return s, nil
}

// Authenticate 驗證帳號密碼
func (s *MemoryStore) Authenticate(ctx context.Context, username, password string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.ErrBackendUnavailable.WithCause(err)
	}

	s.mu.RLock()
	hashed, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		return apperrors.ErrUnknownUser
	}
	return s.hasher.verify(hashed, password)
}

// Register 註冊新帳號，同名時回傳 ErrDuplicateUsername
func (s *MemoryStore) Register(ctx context.Context, username, password string) error {
	if err := validate(username, password); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apperrors.ErrBackendUnavailable.WithCause(err)
	}

	// 雜湊很慢，先在鎖外完成
	hashed, err := s.hasher.hash(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return apperrors.ErrDuplicateUsername
	}
	s.users[username] = hashed
	return nil
}

// Count 帳號數量
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
