// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/authgate/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithProvider はユーザーと最初のプロバイダ連携を同一トランザクションで作成する。
	// メール重複はErrDuplicateEmail、外部アカウント重複はErrProviderTakenを返す。
	CreateWithProvider(ctx context.Context, user *model.User, link *model.ProviderLink) error

	// UpdatePasswordHash はパスワードハッシュを置き換える。
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
}

// ProviderRepository はプロバイダ連携情報の永続化インターフェース。
type ProviderRepository interface {
	// FindByProviderUserID はproviderとprovider_user_idで連携を検索する。
	// 見つからない場合はnilを返す。
	FindByProviderUserID(ctx context.Context, provider, providerUserID string) (*model.ProviderLink, error)

	// ListByUserID はユーザーの連携一覧をlinked_at降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.ProviderLink, error)

	// Upsert は(user_id, provider)をキーに連携を作成または上書きする。
	// 成功時はlinkのIDとLinkedAtを保存後の値で更新する。
	// 外部アカウントが別ユーザーに連携済みの場合はErrProviderTakenを返す。
	Upsert(ctx context.Context, link *model.ProviderLink) error

	// DeleteUnlessLast は連携が2件以上ある場合に限り指定プロバイダの連携を削除する。
	// 残り1件以下ならErrLastProvider、該当連携がなければErrNotFoundを返す。
	DeleteUnlessLast(ctx context.Context, userID, provider string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByTokenHash はトークンハッシュでセッションを取得する。
	// 期限切れのセッションも返す。見つからない場合はnilを返す。
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)
	// DeleteByTokenHash はトークンハッシュに一致するセッションを削除する。
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
}
