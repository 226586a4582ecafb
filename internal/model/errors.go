// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind は認証ゲートウェイが返すエラーの分類を表す。
type ErrorKind string

// 定義済みエラー分類
const (
	KindInvalidInput     ErrorKind = "invalid_input"
	KindUnauthorized     ErrorKind = "unauthorized"
	KindExpired          ErrorKind = "expired"
	KindConflict         ErrorKind = "conflict"
	KindNotFound         ErrorKind = "not_found"
	KindMethodNotAllowed ErrorKind = "method_not_allowed"
	KindInternal         ErrorKind = "internal"
)

// HTTPStatus は分類に対応するHTTPステータスコードを返す。
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized, KindExpired:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// AuthError は分類付きのドメインエラーを表す。
// Messageはそのままレスポンスのerrorフィールドになるためクライアント向けの文言にする。
type AuthError struct {
	Kind    ErrorKind
	Message string
	Err     error // 原因（内部エラーの場合のみ）
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// KindOf はerrの分類を返す。AuthError以外はInternalとして扱う。
func KindOf(err error) ErrorKind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindInternal
}

// NewInvalidInputError は入力不正エラーを生成する。
func NewInvalidInputError(message string) *AuthError {
	return &AuthError{Kind: KindInvalidInput, Message: message}
}

// NewUnauthorizedError は認証失敗エラーを生成する。
func NewUnauthorizedError(message string) *AuthError {
	return &AuthError{Kind: KindUnauthorized, Message: message}
}

// NewExpiredError はセッション期限切れエラーを生成する。
func NewExpiredError() *AuthError {
	return &AuthError{Kind: KindExpired, Message: "token expired"}
}

// NewConflictError は一意性や状態の衝突エラーを生成する。
func NewConflictError(message string) *AuthError {
	return &AuthError{Kind: KindConflict, Message: message}
}

// NewNotFoundError は対象が存在しない場合のエラーを生成する。
func NewNotFoundError(message string) *AuthError {
	return &AuthError{Kind: KindNotFound, Message: message}
}

// NewMethodNotAllowedError は許可されていないHTTPメソッドのエラーを生成する。
func NewMethodNotAllowedError() *AuthError {
	return &AuthError{Kind: KindMethodNotAllowed, Message: "method not allowed"}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError(err error) *AuthError {
	return &AuthError{Kind: KindInternal, Message: "internal server error", Err: err}
}
