package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	apperrors "github.com/koopa0/system-design/14-group-chat/pkg/errors"
)

// uniqueViolation PostgreSQL 唯一鍵衝突的 SQLSTATE
const uniqueViolation = "23505"

// PostgresStore PostgreSQL 憑證儲存
//
// 資料表由 migrations 套件建立：
//
//	users(username TEXT PRIMARY KEY, password_hash TEXT NOT NULL, created_at TIMESTAMPTZ)
type PostgresStore struct {
	pool   *pgxpool.Pool
	hasher hasher
	logger *slog.Logger
}

// NewPostgresStore 創建 PostgreSQL 儲存
func NewPostgresStore(pool *pgxpool.Pool, cost int, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		hasher: newHasher(cost),
		logger: logger,
	}
}

// Authenticate 驗證帳號密碼
func (s *PostgresStore) Authenticate(ctx context.Context, username, password string) error {
	var hashed string
	err := s.pool.QueryRow(ctx,
		`SELECT password_hash FROM users WHERE username = $1`,
		username,
	).Scan(&hashed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.ErrUnknownUser
		}
		s.logger.Error("postgres authenticate failed", "username", username, "error", err)
		return apperrors.ErrBackendUnavailable.WithCause(err)
	}

	return s.hasher.verify(hashed, password)
}

// Register 註冊新帳號
func (s *PostgresStore) Register(ctx context.Context, username, password string) error {
	if err := validate(username, password); err != nil {
		return err
	}

	hashed, err := s.hasher.hash(password)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2)`,
		username, hashed,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.ErrDuplicateUsername
		}
		s.logger.Error("postgres register failed", "username", username, "error", err)
		return apperrors.ErrBackendUnavailable.WithCause(err)
	}

	s.logger.Info("user stored", "backend", "postgres", "username", username)
	return nil
}
