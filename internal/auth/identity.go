package auth

import (
	"context"
	"encoding/json"

	"github.com/hitoshi/authgate/internal/credential"
)

// IdentityProvider は外部IdPのペイロードを検証し、外部アカウント情報に変換する。
type IdentityProvider interface {
	// Name は小文字のプロバイダ名（例: "telegram"）を返す。
	Name() string
	// Authenticate はペイロードを検証する。
	// 必須項目の欠落はInvalidInput、署名不正や期限切れはUnauthorizedのAuthErrorを返す。
	Authenticate(ctx context.Context, payload json.RawMessage) (*credential.ProviderIdentity, error)
}
