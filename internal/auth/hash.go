// Package auth 提供登入與註冊的憑證儲存
//
// 三種後端（記憶體、PostgreSQL、Redis）都實作
//
//	Authenticate(ctx, username, password) error
//	Register(ctx, username, password) error
//
// 錯誤一律回傳 pkg/errors 的預定義錯誤：ErrUnknownUser、ErrInvalidPassword、
// ErrDuplicateUsername、ErrBackendUnavailable。密碼以 bcrypt 雜湊後儲存。
package auth

import (
	"errors"

	apperrors "github.com/koopa0/system-design/14-group-chat/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// hasher 封裝 bcrypt，cost 可設定（測試用較低的 cost）
type hasher struct {
	cost int
}

func newHasher(cost int) hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return hasher{cost: cost}
}

func (h hasher) hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "hash password")
	}
	return string(hashed), nil
}

// verify 比對雜湊，不符時回傳 ErrInvalidPassword
func (h hasher) verify(hashed, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return apperrors.ErrInvalidPassword
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "verify password")
	}
}

func validate(username, password string) error {
	if username == "" || password == "" {
		return apperrors.ErrInvalidCredentials
	}
	return nil
}
