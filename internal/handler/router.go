package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
)

// AuthGateway は認証とプロバイダ連携の両方を提供するサービス。
type AuthGateway interface {
	AuthServiceInterface
	ProviderServiceInterface
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker        HealthChecker
	CORSAllowedOrigin    string
	RateLimiter          middleware.Limiter // nilの場合はレート制限しない
	RequestTimeout       time.Duration
	ExposeInternalErrors bool
	Logger               *slog.Logger

	// メトリクス
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler

	// 認証
	AuthService AuthGateway
	GoogleFlow  GoogleLoginFlow // nilの場合はGoogleのリダイレクトログインを提供しない
	AuthConfig  AuthHandlerConfig
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Metrics → Recovery → SecurityHeaders → CORS → Timeout
//
// /providers にはさらにBearerAuthを、認証情報を受け取るアクションにはRateLimitを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	// CORSはプリフライトをルーティング前に200で返す
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	if deps.RequestTimeout > 0 {
		r.Use(chimw.Timeout(deps.RequestTimeout))
	}

	errWriter := middleware.NewErrorWriter(deps.ExposeInternalErrors, logger)
	authHandler := NewAuthHandler(deps.AuthService, deps.GoogleFlow, errWriter, deps.AuthConfig)
	providersHandler := NewProvidersHandler(deps.AuthService, errWriter)
	credentialLimit := newCredentialRateLimit(deps.RateLimiter)

	// --- 認証不要のルート ---

	if deps.HealthChecker != nil {
		r.Get("/health", NewHealthHandler(deps.HealthChecker))
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		if deps.GoogleFlow != nil {
			r.Get("/google/login", authHandler.GoogleLogin)
			r.Get("/google/callback", authHandler.GoogleCallback)
		}

		// /auth?action=xxx と /auth/xxx の両方を受け付ける
		r.With(credentialLimit).HandleFunc("/", authHandler.Dispatch)
		r.With(credentialLimit).HandleFunc("/{action}", authHandler.Dispatch)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware(deps.AuthService, errWriter))

		r.Handle("/providers", providersHandler)
	})

	return r
}

// newCredentialRateLimit は認証情報を受け取るアクション（登録・ログイン・プロバイダログイン）
// のみをクライアントIPごとにレート制限するミドルウェアを返す。
func newCredentialRateLimit(limiter middleware.Limiter) func(next http.Handler) http.Handler {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	limit := middleware.NewRateLimitMiddleware(limiter, middleware.ClientIPKey)

	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isCredentialAction(requestAction(r)) && r.Method == http.MethodPost {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isCredentialAction は認証情報を受け取るアクションかを返す。
// 未知のアクション名も制限対象に含める。
func isCredentialAction(action string) bool {
	switch action {
	case actionVerify, actionLogout, "":
		return false
	default:
		return true
	}
}
