// Package session は不透明ベアラートークンによるセッションの発行と検証を提供する。
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// DefaultTTL はセッションの既定有効期間（30日）。
const DefaultTTL = 30 * 24 * time.Hour

// Config はIssuerの設定。
type Config struct {
	TTL time.Duration
	// Now は現在時刻の取得関数。nilの場合はtime.Nowを使う。
	Now func() time.Time
}

// Issued は発行したセッションを表す。Tokenはクライアントに1度だけ返す。
type Issued struct {
	Token     string
	ExpiresAt time.Time
	Session   *model.Session
}

// Verified は検証済みのセッションとその所有ユーザーを表す。
type Verified struct {
	Session *model.Session
	User    *model.User
}

// Issuer はセッションの発行・検証・破棄を行う。
type Issuer struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	ttl      time.Duration
	now      func() time.Time
}

// NewIssuer はIssuerを生成する。
func NewIssuer(sessions repository.SessionRepository, users repository.UserRepository, config Config) *Issuer {
	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		sessions: sessions,
		users:    users,
		ttl:      ttl,
		now:      now,
	}
}

// TTL はセッションの有効期間を返す。
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue はユーザーの新しいセッションを発行する。
// 既存セッションは無効化しない（複数端末での同時ログインを許可する）。
func (i *Issuer) Issue(ctx context.Context, userID string) (*Issued, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := i.now().UTC()
	session := &model.Session{
		ID:        uuid.New().String(),
		TokenHash: HashToken(token),
		UserID:    userID,
		ExpiresAt: now.Add(i.ttl),
		CreatedAt: now,
	}

	if err := i.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return &Issued{Token: token, ExpiresAt: session.ExpiresAt, Session: session}, nil
}

// Verify はトークンを検証し、セッションとユーザーを返す。
// トークンが空ならUnauthorized("token not provided")、未知ならUnauthorized("invalid token")、
// 期限切れ（now > expires_at）ならExpiredを返す。
func (i *Issuer) Verify(ctx context.Context, token string) (*Verified, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, model.NewUnauthorizedError("token not provided")
	}

	session, err := i.sessions.FindByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewUnauthorizedError("invalid token")
	}
	if session.ExpiredAt(i.now()) {
		return nil, model.NewExpiredError()
	}

	user, err := i.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session user: %w", err)
	}
	if user == nil {
		return nil, model.NewUnauthorizedError("invalid token")
	}

	return &Verified{Session: session, User: user}, nil
}

// Revoke はトークンに対応するセッションを削除する。未知のトークンはエラーにしない。
func (i *Issuer) Revoke(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.NewUnauthorizedError("token not provided")
	}
	if err := i.sessions.DeleteByTokenHash(ctx, HashToken(token)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
