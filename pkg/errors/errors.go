// Package errors 提供聊天服務共用的錯誤碼與錯誤型別
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeAlreadyExists 資源已存在
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeUnauthenticated 認證失敗
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	// ErrCodeNotConnected 尚未連線
	ErrCodeNotConnected = "NOT_CONNECTED"
	// ErrCodeClosed 已關閉
	ErrCodeClosed = "CLOSED"
	// ErrCodeUnavailable 後端服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 比對錯誤碼與訊息，讓預定義錯誤可以用 errors.Is 判斷
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && (t.Message == "" || e.Message == t.Message)
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳附帶詳細資訊的副本，不修改預定義錯誤本身
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrUnknownUser 使用者不存在
	ErrUnknownUser = New(ErrCodeUnauthenticated, "unknown user")

	// ErrInvalidPassword 密碼錯誤
	ErrInvalidPassword = New(ErrCodeUnauthenticated, "invalid password")

	// ErrDuplicateUsername 使用者名稱已存在
	ErrDuplicateUsername = New(ErrCodeAlreadyExists, "username already exists")

	// ErrInvalidCredentials 使用者名稱或密碼格式錯誤
	ErrInvalidCredentials = New(ErrCodeInvalidInput, "username and password are required")

	// ErrBackendUnavailable 認證後端不可用
	ErrBackendUnavailable = New(ErrCodeUnavailable, "credential backend unavailable")

	// ErrNotConnected 客戶端未連線
	ErrNotConnected = New(ErrCodeNotConnected, "not connected to server")

	// ErrClientClosed 客戶端已關閉
	ErrClientClosed = New(ErrCodeClosed, "client closed")

	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")


	// ErrWrongRoomPassword 房間密碼錯誤
	ErrWrongRoomPassword = New(ErrCodeUnauthenticated, "wrong room password")

	// ErrInvalidRoomKind 房間類型無效
	ErrInvalidRoomKind = New(ErrCodeInvalidInput, "invalid room type")

	// ErrInvalidRoomName 房間名稱無效
	ErrInvalidRoomName = New(ErrCodeInvalidInput, "invalid room name")
)

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsAlreadyExists 檢查是否為已存在錯誤
func IsAlreadyExists(err error) bool {
	return hasCode(err, ErrCodeAlreadyExists)
}

// IsUnauthenticated 檢查是否為認證錯誤
func IsUnauthenticated(err error) bool {
	return hasCode(err, ErrCodeUnauthenticated)
}

// IsUnavailable 檢查是否為後端不可用
func IsUnavailable(err error) bool {
	return hasCode(err, ErrCodeUnavailable)
}

// WithCause 回傳包裝底層錯誤的副本，保留預定義的錯誤碼與訊息
func (e *AppError) WithCause(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
