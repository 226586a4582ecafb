// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// SessionVerifier はBearerトークンの検証に必要なインターフェース。
// auth.Serviceの部分集合として定義する。
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (*auth.Result, error)
}

// BearerToken はリクエストからセッショントークンを取り出す。
// Authorization、X-Authorizationの順に参照し、"Bearer "接頭辞は大文字小文字を問わず取り除く。
func BearerToken(r *http.Request) string {
	for _, header := range []string{"Authorization", "X-Authorization"} {
		value := strings.TrimSpace(r.Header.Get(header))
		if value == "" {
			continue
		}
		if len(value) >= 7 && strings.EqualFold(value[:7], "bearer ") {
			value = strings.TrimSpace(value[7:])
		}
		if value != "" {
			return value
		}
	}
	return ""
}

// NewBearerAuthMiddleware はBearerトークンを検証し、
// 認証済みユーザーIDをリクエストコンテキストに注入するミドルウェアを返す。
// トークンが無い、不正、または期限切れの場合は401を返す。
func NewBearerAuthMiddleware(verifier SessionVerifier, errWriter *ErrorWriter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			result, err := verifier.VerifySession(r.Context(), token)
			if err != nil {
				errWriter.Write(w, r, err)
				return
			}
			if result == nil || result.User == nil {
				errWriter.Write(w, r, model.NewUnauthorizedError("invalid token"))
				return
			}

			ctx := ContextWithUserID(r.Context(), result.User.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
// ログミドルウェアの内側で呼ばれた場合はアクセスログにもユーザーIDを渡す。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if holder, ok := ctx.Value(requestUserContextKey).(*requestUser); ok {
		holder.id = userID
	}
	return context.WithValue(ctx, userIDContextKey, userID)
}
