package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// tokenBytes はトークンの乱数部のバイト数（256bit）。
const tokenBytes = 32

// GenerateToken は暗号的に安全な不透明トークンを生成する。
// base64url（パディングなし）で43文字になる。
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken はトークンのSHA-256ハッシュを16進文字列で返す。
// DBにはこの値のみを保存する。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
