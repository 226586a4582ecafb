// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/credential"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
)

const (
	oauthStateCookie = "oauth_state"

	// maxRequestBodySize はJSONリクエストボディの上限。
	maxRequestBodySize = 64 << 10
)

// 認証アクション名
const (
	actionRegister = "register"
	actionLogin    = "login"
	actionVerify   = "verify"
	actionLogout   = "logout"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	HasProvider(name string) bool
	Register(ctx context.Context, in auth.RegisterInput) (*auth.Result, error)
	Login(ctx context.Context, email, password string) (*auth.Result, error)
	ProviderLogin(ctx context.Context, providerName string, payload []byte) (*auth.Result, error)
	LoginWithIdentity(ctx context.Context, identity *credential.ProviderIdentity) (*auth.Result, error)
	VerifySession(ctx context.Context, token string) (*auth.Result, error)
	Logout(ctx context.Context, token string) error
}

// GoogleLoginFlow はGoogleのリダイレクト型ログインに必要な操作。
type GoogleLoginFlow interface {
	GetLoginURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*credential.ProviderIdentity, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieSecure bool
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	google    GoogleLoginFlow
	errWriter *middleware.ErrorWriter
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。googleがnilの場合はGoogleのリダイレクトログインを提供しない。
func NewAuthHandler(service AuthServiceInterface, google GoogleLoginFlow, errWriter *middleware.ErrorWriter, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:   service,
		google:    google,
		errWriter: errWriter,
		config:    config,
	}
}

// --- レスポンス型 ---

type userResponse struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	FullName  string  `json:"full_name"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

type authResponse struct {
	Message   string       `json:"message"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      userResponse `json:"user"`
}

type verifyResponse struct {
	Valid bool         `json:"valid"`
	User  userResponse `json:"user"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func toUserResponse(user *model.User) userResponse {
	return userResponse{
		ID:        user.ID,
		Email:     user.Email,
		FullName:  user.FullName,
		AvatarURL: user.AvatarURL,
	}
}

// --- リクエスト型 ---

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Dispatch はアクション名に応じて認証処理を振り分ける。
// アクションは /auth/{action} のパス、または /auth?action= のクエリで指定する。
func (h *AuthHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	action := requestAction(r)

	switch {
	case action == actionRegister:
		h.requireMethod(w, r, http.MethodPost, h.register)
	case action == actionLogin:
		h.requireMethod(w, r, http.MethodPost, h.login)
	case action == actionVerify:
		h.requireMethod(w, r, http.MethodGet, h.verify)
	case action == actionLogout:
		h.requireMethod(w, r, http.MethodPost, h.logout)
	case action != "" && h.service.HasProvider(action):
		h.requireMethod(w, r, http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
			h.providerLogin(w, r, action)
		})
	default:
		middleware.WriteErrorResponse(w, http.StatusBadRequest, "Invalid action")
	}
}

// requestAction はパスまたはクエリからアクション名を取り出す。
func requestAction(r *http.Request) string {
	action := chi.URLParam(r, "action")
	if action == "" {
		action = r.URL.Query().Get("action")
	}
	return strings.ToLower(strings.TrimSpace(action))
}

// requireMethod はメソッドが一致する場合のみnextを呼ぶ。一致しなければ405を返す。
func (h *AuthHandler) requireMethod(w http.ResponseWriter, r *http.Request, method string, next http.HandlerFunc) {
	if r.Method != method {
		w.Header().Set("Allow", method+", "+http.MethodOptions)
		middleware.WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	next(w, r)
}

// register はメールアドレスとパスワードでユーザーを登録する。
// POST /auth/register
func (h *AuthHandler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Phone:    req.Phone,
	})
	if err != nil {
		h.errWriter.Write(w, r, err)
		return
	}

	h.writeAuthResult(w, http.StatusCreated, "Registration successful", result)
}

// login はメールアドレスとパスワードでログインする。
// POST /auth/login
func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.errWriter.Write(w, r, err)
		return
	}

	h.writeAuthResult(w, http.StatusOK, "Login successful", result)
}

// providerLogin は外部IdPのペイロードでログインする。
// POST /auth/{provider}
func (h *AuthHandler) providerLogin(w http.ResponseWriter, r *http.Request, providerName string) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.ProviderLogin(r.Context(), providerName, payload)
	if err != nil {
		h.errWriter.Write(w, r, err)
		return
	}

	h.writeAuthResult(w, http.StatusOK, providerLoginMessage(providerName), result)
}

// verify はBearerトークンを検証し、所有ユーザーを返す。
// GET /auth/verify
func (h *AuthHandler) verify(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.VerifySession(r.Context(), middleware.BearerToken(r))
	if err != nil {
		h.errWriter.Write(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, verifyResponse{
		Valid: true,
		User:  toUserResponse(result.User),
	})
}

// logout はBearerトークンのセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), middleware.BearerToken(r)); err != nil {
		h.errWriter.Write(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: "Logout successful",
	})
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.google.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理し、プロバイダログインと同じ形式でトークンを返す。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("query_state", state),
		)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, "Invalid state parameter")
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, "Authorization code is required")
		return
	}

	// 3. 認証処理
	identity, err := h.google.ExchangeCode(r.Context(), code)
	if err != nil {
		h.errWriter.Write(w, r, err)
		return
	}

	result, err := h.service.LoginWithIdentity(r.Context(), identity)
	if err != nil {
		h.errWriter.Write(w, r, err)
		return
	}

	h.writeAuthResult(w, http.StatusOK, providerLoginMessage(model.ProviderGoogle), result)
}

// decodeJSON はリクエストボディをvにデコードする。失敗時は400を書き込みfalseを返す。
func (h *AuthHandler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := decodeJSONBody(w, r, v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *AuthHandler) writeAuthResult(w http.ResponseWriter, status int, message string, result *auth.Result) {
	middleware.WriteJSON(w, status, authResponse{
		Message:   message,
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt.UTC(),
		User:      toUserResponse(result.User),
	})
}

// providerLoginMessage はプロバイダログイン成功時のメッセージを返す。
func providerLoginMessage(providerName string) string {
	switch providerName {
	case model.ProviderTelegram:
		return "Telegram login successful"
	case model.ProviderGoogle:
		return "Google login successful"
	default:
		return "Login successful"
	}
}

// decodeJSONBody はサイズ上限付きでJSONボディをデコードする。
// 空のボディは空オブジェクトとして扱う。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
