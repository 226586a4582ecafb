package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/credential"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/provider"
)

// --- モック定義 ---

type mockAuthService struct {
	providers           map[string]bool
	registerFn          func(ctx context.Context, in auth.RegisterInput) (*auth.Result, error)
	loginFn             func(ctx context.Context, email, password string) (*auth.Result, error)
	providerLoginFn     func(ctx context.Context, providerName string, payload []byte) (*auth.Result, error)
	loginWithIdentityFn func(ctx context.Context, identity *credential.ProviderIdentity) (*auth.Result, error)
	verifySessionFn     func(ctx context.Context, token string) (*auth.Result, error)
	logoutFn            func(ctx context.Context, token string) error
	listProvidersFn     func(ctx context.Context, userID string) ([]*model.ProviderLink, error)
	linkProviderFn      func(ctx context.Context, userID string, in provider.LinkInput) (*model.ProviderLink, error)
	unlinkProviderFn    func(ctx context.Context, userID, providerName string) error
}

func (m *mockAuthService) HasProvider(name string) bool {
	return m.providers[name]
}

func (m *mockAuthService) Register(ctx context.Context, in auth.RegisterInput) (*auth.Result, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, in)
	}
	return nil, errors.New("register not expected")
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) (*auth.Result, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password)
	}
	return nil, errors.New("login not expected")
}

func (m *mockAuthService) ProviderLogin(ctx context.Context, providerName string, payload []byte) (*auth.Result, error) {
	if m.providerLoginFn != nil {
		return m.providerLoginFn(ctx, providerName, payload)
	}
	return nil, errors.New("provider login not expected")
}

func (m *mockAuthService) LoginWithIdentity(ctx context.Context, identity *credential.ProviderIdentity) (*auth.Result, error) {
	if m.loginWithIdentityFn != nil {
		return m.loginWithIdentityFn(ctx, identity)
	}
	return nil, errors.New("login with identity not expected")
}

func (m *mockAuthService) VerifySession(ctx context.Context, token string) (*auth.Result, error) {
	if m.verifySessionFn != nil {
		return m.verifySessionFn(ctx, token)
	}
	return nil, model.NewUnauthorizedError("invalid token")
}

func (m *mockAuthService) Logout(ctx context.Context, token string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, token)
	}
	return nil
}

func (m *mockAuthService) ListProviders(ctx context.Context, userID string) ([]*model.ProviderLink, error) {
	if m.listProvidersFn != nil {
		return m.listProvidersFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockAuthService) LinkProvider(ctx context.Context, userID string, in provider.LinkInput) (*model.ProviderLink, error) {
	if m.linkProviderFn != nil {
		return m.linkProviderFn(ctx, userID, in)
	}
	return &model.ProviderLink{}, nil
}

func (m *mockAuthService) UnlinkProvider(ctx context.Context, userID, providerName string) error {
	if m.unlinkProviderFn != nil {
		return m.unlinkProviderFn(ctx, userID, providerName)
	}
	return nil
}

type mockGoogleFlow struct {
	exchangeCodeFn func(ctx context.Context, code string) (*credential.ProviderIdentity, error)
}

func (m *mockGoogleFlow) GetLoginURL(state string) string {
	return "https://accounts.google.com/o/oauth2/v2/auth?state=" + state
}

func (m *mockGoogleFlow) ExchangeCode(ctx context.Context, code string) (*credential.ProviderIdentity, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, errors.New("exchange not expected")
}

var _ AuthGateway = (*mockAuthService)(nil)

// --- ヘルパー ---

func newTestRouter(svc *mockAuthService, google GoogleLoginFlow) http.Handler {
	return NewRouter(&RouterDeps{
		CORSAllowedOrigin: "*",
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		AuthService:       svc,
		GoogleFlow:        google,
	})
}

func doRequest(t *testing.T, h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", w.Body.String(), err)
	}
	return body
}

func sampleResult() *auth.Result {
	avatar := "https://t.me/i/userpic/ann.jpg"
	return &auth.Result{
		Token:     "token-abc",
		ExpiresAt: time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC),
		User: &model.User{
			ID:        "user-1",
			Email:     "a@x.com",
			FullName:  "Ann",
			AvatarURL: &avatar,
		},
	}
}

// --- テスト ---

func TestAuthHandler_Dispatch_Routing(t *testing.T) {
	svc := &mockAuthService{
		providers: map[string]bool{"telegram": true},
		registerFn: func(ctx context.Context, in auth.RegisterInput) (*auth.Result, error) {
			return sampleResult(), nil
		},
		loginFn: func(ctx context.Context, email, password string) (*auth.Result, error) {
			return sampleResult(), nil
		},
		providerLoginFn: func(ctx context.Context, providerName string, payload []byte) (*auth.Result, error) {
			return sampleResult(), nil
		},
		verifySessionFn: func(ctx context.Context, token string) (*auth.Result, error) {
			return sampleResult(), nil
		},
	}
	router := newTestRouter(svc, nil)

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
		wantError  string
	}{
		{"クエリのregister", http.MethodPost, "/auth?action=register", http.StatusCreated, ""},
		{"パスのregister", http.MethodPost, "/auth/register", http.StatusCreated, ""},
		{"クエリのlogin", http.MethodPost, "/auth?action=login", http.StatusOK, ""},
		{"パスのlogin", http.MethodPost, "/auth/login", http.StatusOK, ""},
		{"プロバイダログイン", http.MethodPost, "/auth?action=telegram", http.StatusOK, ""},
		{"パスのverify", http.MethodGet, "/auth/verify", http.StatusOK, ""},
		{"クエリのlogout", http.MethodPost, "/auth?action=logout", http.StatusOK, ""},
		{"大文字のアクション", http.MethodPost, "/auth?action=LOGIN", http.StatusOK, ""},
		{"未知のアクション", http.MethodPost, "/auth?action=delete", http.StatusBadRequest, "Invalid action"},
		{"未登録のプロバイダ", http.MethodPost, "/auth/github", http.StatusBadRequest, "Invalid action"},
		{"アクションなし", http.MethodGet, "/auth", http.StatusBadRequest, "Invalid action"},
		{"registerへのGET", http.MethodGet, "/auth?action=register", http.StatusMethodNotAllowed, "Method not allowed"},
		{"verifyへのPOST", http.MethodPost, "/auth/verify", http.StatusMethodNotAllowed, "Method not allowed"},
		{"プロバイダへのDELETE", http.MethodDelete, "/auth/telegram", http.StatusMethodNotAllowed, "Method not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, router, tt.method, tt.target, `{}`, map[string]string{"Authorization": "Bearer token-abc"})

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantError != "" {
				if got := decodeBody(t, w)["error"]; got != tt.wantError {
					t.Errorf("error = %v, want %q", got, tt.wantError)
				}
			}
		})
	}
}

func TestAuthHandler_Register_ResponseShape(t *testing.T) {
	var got auth.RegisterInput
	svc := &mockAuthService{
		registerFn: func(ctx context.Context, in auth.RegisterInput) (*auth.Result, error) {
			got = in
			return sampleResult(), nil
		},
	}
	router := newTestRouter(svc, nil)

	w := doRequest(t, router, http.MethodPost, "/auth?action=register",
		`{"email":"a@x.com","password":"secret1","full_name":"Ann","phone":"+100"}`, nil)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if got.Email != "a@x.com" || got.Password != "secret1" || got.FullName != "Ann" || got.Phone != "+100" {
		t.Errorf("RegisterInput = %+v", got)
	}

	body := decodeBody(t, w)
	if body["message"] != "Registration successful" {
		t.Errorf("message = %v", body["message"])
	}
	if body["token"] != "token-abc" {
		t.Errorf("token = %v", body["token"])
	}
	if body["expires_at"] != "2025-03-31T12:00:00Z" {
		t.Errorf("expires_at = %v", body["expires_at"])
	}
	user, ok := body["user"].(map[string]any)
	if !ok {
		t.Fatalf("user = %v, want object", body["user"])
	}
	for key, want := range map[string]string{
		"id":         "user-1",
		"email":      "a@x.com",
		"full_name":  "Ann",
		"avatar_url": "https://t.me/i/userpic/ann.jpg",
	} {
		if user[key] != want {
			t.Errorf("user.%s = %v, want %q", key, user[key], want)
		}
	}
	if _, exists := user["password_hash"]; exists {
		t.Error("password hash must never be returned")
	}
}

func TestAuthHandler_AvatarOmittedWhenUnset(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password string) (*auth.Result, error) {
			r := sampleResult()
			r.User.AvatarURL = nil
			return r, nil
		},
	}

	w := doRequest(t, newTestRouter(svc, nil), http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"secret1"}`, nil)

	user := decodeBody(t, w)["user"].(map[string]any)
	if _, exists := user["avatar_url"]; exists {
		t.Errorf("avatar_url should be omitted, got %v", user["avatar_url"])
	}
}

func TestAuthHandler_InvalidJSON_Returns400(t *testing.T) {
	svc := &mockAuthService{}
	router := newTestRouter(svc, nil)

	for _, target := range []string{"/auth/register", "/auth/login"} {
		t.Run(target, func(t *testing.T) {
			w := doRequest(t, router, http.MethodPost, target, `{"email":`, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if got := decodeBody(t, w)["error"]; got != "Invalid request body" {
				t.Errorf("error = %v, want %q", got, "Invalid request body")
			}
		})
	}
}

func TestAuthHandler_EmptyBody_ReachesValidation(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password string) (*auth.Result, error) {
			if email == "" && password == "" {
				return nil, model.NewInvalidInputError("Email and password are required")
			}
			return sampleResult(), nil
		},
	}

	w := doRequest(t, newTestRouter(svc, nil), http.MethodPost, "/auth/login", "", nil)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if got := decodeBody(t, w)["error"]; got != "Email and password are required" {
		t.Errorf("error = %v", got)
	}
}

func TestAuthHandler_ServiceErrors_MapToStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"入力不正", model.NewInvalidInputError("Password must be at least 6 characters"), http.StatusBadRequest},
		{"衝突", model.NewConflictError("Email already registered"), http.StatusConflict},
		{"認証失敗", model.NewUnauthorizedError("Invalid email or password"), http.StatusUnauthorized},
		{"内部エラー", model.NewInternalError(errors.New("db down")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				registerFn: func(ctx context.Context, in auth.RegisterInput) (*auth.Result, error) {
					return nil, tt.err
				},
			}
			w := doRequest(t, newTestRouter(svc, nil), http.MethodPost, "/auth/register", `{}`, nil)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if _, ok := decodeBody(t, w)["error"]; !ok {
				t.Error("expected error field")
			}
		})
	}
}

func TestAuthHandler_ProviderLogin_PassesRawPayload(t *testing.T) {
	var gotProvider string
	var gotPayload []byte
	svc := &mockAuthService{
		providers: map[string]bool{"telegram": true},
		providerLoginFn: func(ctx context.Context, providerName string, payload []byte) (*auth.Result, error) {
			gotProvider = providerName
			gotPayload = payload
			return sampleResult(), nil
		},
	}

	payload := `{"id":42,"first_name":"Ann","username":"ann"}`
	w := doRequest(t, newTestRouter(svc, nil), http.MethodPost, "/auth?action=telegram", payload, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotProvider != "telegram" {
		t.Errorf("provider = %q, want %q", gotProvider, "telegram")
	}
	if string(gotPayload) != payload {
		t.Errorf("payload = %s, want %s", gotPayload, payload)
	}
	if got := decodeBody(t, w)["message"]; got != "Telegram login successful" {
		t.Errorf("message = %v", got)
	}
}

func TestAuthHandler_Verify(t *testing.T) {
	var gotToken string
	svc := &mockAuthService{
		verifySessionFn: func(ctx context.Context, token string) (*auth.Result, error) {
			gotToken = token
			switch token {
			case "good":
				return sampleResult(), nil
			case "old":
				return nil, model.NewExpiredError()
			}
			return nil, model.NewUnauthorizedError("invalid token")
		},
	}
	router := newTestRouter(svc, nil)

	t.Run("有効なトークン", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, "/auth?action=verify", "", map[string]string{"X-Authorization": "Bearer good"})

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		body := decodeBody(t, w)
		if body["valid"] != true {
			t.Errorf("valid = %v, want true", body["valid"])
		}
		if user := body["user"].(map[string]any); user["id"] != "user-1" {
			t.Errorf("user.id = %v", user["id"])
		}
		if gotToken != "good" {
			t.Errorf("token = %q, want %q", gotToken, "good")
		}
	})

	t.Run("期限切れ", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, "/auth/verify", "", map[string]string{"Authorization": "old"})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if got := decodeBody(t, w)["error"]; got != "token expired" {
			t.Errorf("error = %v, want %q", got, "token expired")
		}
	})

	t.Run("トークンなし", func(t *testing.T) {
		w := doRequest(t, router, http.MethodGet, "/auth/verify", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if gotToken != "" {
			t.Errorf("token = %q, want empty", gotToken)
		}
	})
}

func TestAuthHandler_Logout(t *testing.T) {
	var revoked string
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, token string) error {
			revoked = token
			return nil
		},
	}

	w := doRequest(t, newTestRouter(svc, nil), http.MethodPost, "/auth/logout", "", map[string]string{"Authorization": "Bearer tok"})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if revoked != "tok" {
		t.Errorf("revoked = %q, want %q", revoked, "tok")
	}
	body := decodeBody(t, w)
	if body["success"] != true || body["message"] != "Logout successful" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthHandler_GoogleLogin_RedirectsWithStateCookie(t *testing.T) {
	router := newTestRouter(&mockAuthService{}, &mockGoogleFlow{})

	w := doRequest(t, router, http.MethodGet, "/auth/google/login", "", nil)

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}

	var state string
	for _, c := range w.Result().Cookies() {
		if c.Name == oauthStateCookie {
			state = c.Value
			if !c.HttpOnly {
				t.Error("state cookie should be HttpOnly")
			}
		}
	}
	if state == "" {
		t.Fatal("expected oauth_state cookie")
	}
	if loc := w.Header().Get("Location"); !strings.Contains(loc, "state="+state) {
		t.Errorf("Location = %q, should contain state %q", loc, state)
	}
}

func TestAuthHandler_GoogleCallback(t *testing.T) {
	google := &mockGoogleFlow{
		exchangeCodeFn: func(ctx context.Context, code string) (*credential.ProviderIdentity, error) {
			if code != "good-code" {
				return nil, model.NewUnauthorizedError("Google authentication failed")
			}
			return &credential.ProviderIdentity{Provider: model.ProviderGoogle, ExternalID: "sub-1", Email: "g@x.com"}, nil
		},
	}
	var gotIdentity *credential.ProviderIdentity
	svc := &mockAuthService{
		loginWithIdentityFn: func(ctx context.Context, identity *credential.ProviderIdentity) (*auth.Result, error) {
			gotIdentity = identity
			return sampleResult(), nil
		},
	}
	router := newTestRouter(svc, google)

	callback := func(query, cookieState string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?"+query, nil)
		if cookieState != "" {
			req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: cookieState})
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("成功", func(t *testing.T) {
		w := callback("code=good-code&state=s1", "s1")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["token"] != "token-abc" || body["message"] != "Google login successful" {
			t.Errorf("body = %v", body)
		}
		if gotIdentity == nil || gotIdentity.ExternalID != "sub-1" {
			t.Errorf("identity = %+v", gotIdentity)
		}
	})

	t.Run("stateの不一致", func(t *testing.T) {
		w := callback("code=good-code&state=s1", "other")
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("stateなし", func(t *testing.T) {
		w := callback("code=good-code", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("コードなし", func(t *testing.T) {
		w := callback("state=s1", "s1")
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if got := decodeBody(t, w)["error"]; got != "Authorization code is required" {
			t.Errorf("error = %v", got)
		}
	})

	t.Run("コード交換の失敗", func(t *testing.T) {
		w := callback("code=bad&state=s1", "s1")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

func TestAuthHandler_GoogleRoutesAbsentWithoutFlow(t *testing.T) {
	router := newTestRouter(&mockAuthService{}, nil)

	w := doRequest(t, router, http.MethodGet, "/auth/google/login", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAuthHandler_InternalErrorExposure(t *testing.T) {
	svc := &mockAuthService{
		loginFn: func(ctx context.Context, email, password string) (*auth.Result, error) {
			return nil, model.NewInternalError(errors.New("pq: relation \"users\" does not exist"))
		},
	}

	for _, expose := range []bool{true, false} {
		router := NewRouter(&RouterDeps{
			Logger:               slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
			AuthService:          svc,
			ExposeInternalErrors: expose,
		})
		w := doRequest(t, router, http.MethodPost, "/auth/login", `{}`, nil)

		got := decodeBody(t, w)["error"]
		want := "internal server error"
		if expose {
			want = `pq: relation "users" does not exist`
		}
		if got != want {
			t.Errorf("expose=%v: error = %v, want %q", expose, got, want)
		}
	}
}

var _ middleware.SessionVerifier = (*mockAuthService)(nil)
