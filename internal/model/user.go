// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// プロバイダ識別子
const (
	ProviderEmail    = "email"
	ProviderTelegram = "telegram"
	ProviderGoogle   = "google"
)

// User はサービス利用ユーザーを表す。
// プロバイダ経由で作成されたユーザーはPasswordHashが空文字になる。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	FullName     string
	Phone        *string
	TelegramID   *string
	AvatarURL    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword はパスワードでログイン可能なアカウントかを返す。
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// ProviderLink はユーザーと外部IdPアカウントの紐付けを表す。
// (UserID, Provider) と (Provider, ProviderUserID) はそれぞれ一意。
type ProviderLink struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	ProviderEmail  *string
	ProviderData   json.RawMessage
	LinkedAt       time.Time
}

// Session はユーザーのログインセッションを表す。
// トークン本体は保持せず、SHA-256ハッシュのみを保存する。
type Session struct {
	ID        string
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ExpiredAt はnow時点でセッションが期限切れかを返す。
// expires_atちょうどはまだ有効として扱う。
func (s *Session) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
