package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/authgate/internal/credential"
	"github.com/hitoshi/authgate/internal/model"
)

// DefaultTelegramAuthMaxAge はauth_dateの既定の有効期間。
const DefaultTelegramAuthMaxAge = 24 * time.Hour

// TelegramConfig はTelegramログインの設定。
type TelegramConfig struct {
	// BotToken が空の場合は署名を検証しない。
	BotToken string
	MaxAge   time.Duration
	Now      func() time.Time
}

// TelegramProvider はTelegram Login Widgetのペイロードを検証する。
type TelegramProvider struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewTelegramProvider はTelegramProviderを生成する。
func NewTelegramProvider(config TelegramConfig) *TelegramProvider {
	p := &TelegramProvider{
		maxAge: config.MaxAge,
		now:    config.Now,
	}
	if config.BotToken != "" {
		p.secret = TelegramSecret(config.BotToken)
	}
	if p.maxAge <= 0 {
		p.maxAge = DefaultTelegramAuthMaxAge
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Name はプロバイダ名を返す。
func (p *TelegramProvider) Name() string {
	return model.ProviderTelegram
}

// Signed は署名検証が有効かを返す。
func (p *TelegramProvider) Signed() bool {
	return p.secret != nil
}

// Authenticate はウィジェットのペイロードを検証し、外部アカウント情報を返す。
// idは数値・文字列のどちらも受け付ける。
func (p *TelegramProvider) Authenticate(_ context.Context, payload json.RawMessage) (*credential.ProviderIdentity, error) {
	fields, err := decodeWidgetFields(payload)
	if err != nil {
		return nil, model.NewInvalidInputError("Invalid request body")
	}

	id := strings.TrimSpace(fields["id"])
	if id == "" {
		return nil, model.NewInvalidInputError("Telegram ID is required")
	}

	if p.Signed() {
		if err := p.verify(fields); err != nil {
			return nil, err
		}
	}

	firstName := fields["first_name"]
	lastName := fields["last_name"]
	username := fields["username"]

	displayName := strings.TrimSpace(firstName + " " + lastName)
	if displayName == "" {
		displayName = username
	}

	data, err := json.Marshal(map[string]string{
		"username":   username,
		"first_name": firstName,
		"last_name":  lastName,
	})
	if err != nil {
		return nil, model.NewInternalError(err)
	}

	return &credential.ProviderIdentity{
		Provider:    model.ProviderTelegram,
		ExternalID:  id,
		DisplayName: displayName,
		AvatarURL:   fields["photo_url"],
		Data:        data,
	}, nil
}

// verify はhashとauth_dateを検証する。
func (p *TelegramProvider) verify(fields map[string]string) error {
	got := strings.ToLower(fields["hash"])
	if got == "" {
		return model.NewUnauthorizedError("Invalid Telegram signature")
	}

	want := TelegramHash(p.secret, fields)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return model.NewUnauthorizedError("Invalid Telegram signature")
	}

	authDate, err := strconv.ParseInt(fields["auth_date"], 10, 64)
	if err != nil {
		return model.NewUnauthorizedError("Invalid Telegram auth_date")
	}
	if p.now().Sub(time.Unix(authDate, 0)) > p.maxAge {
		return model.NewUnauthorizedError("Telegram authorization expired")
	}
	return nil
}

// TelegramHash はhash以外の全フィールドから検証用HMAC-SHA256を16進文字列で計算する。
// データチェック文字列はキーでソートした"key=value"を改行で連結したもの。
func TelegramHash(secret []byte, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + fields[k]
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// TelegramSecret はボットトークンから署名用の秘密鍵（トークンのSHA-256）を導出する。
func TelegramSecret(botToken string) []byte {
	sum := sha256.Sum256([]byte(botToken))
	return sum[:]
}

// decodeWidgetFields はペイロードの各フィールドを文字列に変換する。
// 文字列はそのまま、数値や真偽値はJSON表記のまま使い、nullは除外する。
func decodeWidgetFields(payload json.RawMessage) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		text := strings.TrimSpace(string(v))
		if text == "null" || text == "" {
			continue
		}
		if strings.HasPrefix(text, `"`) {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, err
			}
			fields[k] = s
			continue
		}
		if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
			continue
		}
		fields[k] = text
	}
	return fields, nil
}

var _ IdentityProvider = (*TelegramProvider)(nil)
