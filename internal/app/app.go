package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/config"
	"github.com/hitoshi/authgate/internal/credential"
	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/events"
	"github.com/hitoshi/authgate/internal/handler"
	"github.com/hitoshi/authgate/internal/logger"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/provider"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/security"
	"github.com/hitoshi/authgate/internal/session"
	"github.com/hitoshi/authgate/internal/telemetry"
	"github.com/hitoshi/authgate/internal/worker/cleanup"
)

const (
	// shutdownTimeout はグレースフルシャットダウンの上限時間。
	shutdownTimeout = 30 * time.Second
	// googleHTTPTimeout はGoogleのトークン/ユーザー情報エンドポイント呼び出しの上限時間。
	googleHTTPTimeout = 10 * time.Second
)

// Init はアプリケーションの初期化を行う。
// .envがあれば読み込み、環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. 設定読み込み前にもログを使えるようにする
	logger.SetupDefault(w, "info")

	// 2. .envは任意。既に設定済みの環境変数は上書きしない
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.Execute()
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLife,
	})
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// newPasswordHasher は設定された方式でハッシュ化し、全方式で検証できるハッシャーを返す。
func newPasswordHasher(cfg *config.Config) (*security.MultiHasher, error) {
	return security.NewPasswordHasher(cfg.PasswordHasher, security.Argon2idParams{
		Time:      cfg.Argon2Time,
		MemoryKiB: cfg.Argon2MemoryKiB,
		Threads:   cfg.Argon2Threads,
	}, cfg.BcryptCost)
}

// newPublisher はAMQP_URLが設定されていればAMQPPublisherを、なければno-opを返す。
func newPublisher(cfg *config.Config) events.Publisher {
	if cfg.AMQPURL == "" {
		return events.NopPublisher{}
	}
	slog.Info("auth events enabled", slog.String("queue", cfg.AMQPQueue))
	return events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue)
}

// newRateLimiter はREDIS_ADDRが設定されRedisに到達できればRedisLimiterを、
// それ以外はプロセス内のMemoryLimiterを返す。返り値のcloseは必ず呼ぶこと。
func newRateLimiter(ctx context.Context, cfg *config.Config) (limiter middleware.Limiter, closeFn func()) {
	limiterCfg := middleware.DefaultRateLimiterConfig()
	limiterCfg.PerMinute = cfg.RateLimitPerMinute
	limiterCfg.Burst = cfg.RateLimitBurst

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			slog.Info("using redis rate limiter", slog.String("addr", cfg.RedisAddr))
			return middleware.NewRedisLimiter(client, limiterCfg), func() { client.Close() }
		}

		slog.Warn("redis unavailable, falling back to in-memory rate limiter",
			slog.String("addr", cfg.RedisAddr),
			slog.String("error", err.Error()),
		)
		client.Close()
	}

	memory := middleware.NewMemoryLimiter(limiterCfg)
	return memory, memory.Stop
}

// newGoogleProvider はGoogleの設定が揃っている場合のみプロバイダを返す。
func newGoogleProvider(cfg *config.Config, guard security.SSRFGuardService) *auth.GoogleOAuthProvider {
	if !cfg.GoogleEnabled() {
		return nil
	}
	return auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   guard.NewSafeClient(googleHTTPTimeout),
	})
}

// newMetricsRegistry はアプリケーションとランタイムのメトリクスを登録したレジストリを返す。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. トレーシング
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelServiceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	// 2. DB接続とマイグレーション
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.MigrateOnServe {
		version, err := database.RunMigrations(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database schema is up to date", slog.Uint64("version", uint64(version)))
	}

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	providerRepo := repository.NewPostgresProviderRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 4. セキュリティサービスの初期化
	hasher, err := newPasswordHasher(cfg)
	if err != nil {
		return fmt.Errorf("failed to create password hasher: %w", err)
	}
	ssrfGuard := security.NewSSRFGuard()

	// 5. メトリクスとイベント
	registry, collector := newMetricsRegistry()
	publisher := newPublisher(cfg)
	defer publisher.Close()

	// 6. 外部IdPの初期化
	if cfg.TelegramBotToken == "" {
		slog.Warn("TELEGRAM_BOT_TOKEN is not set, telegram payloads are accepted without signature verification")
	}
	idps := []auth.IdentityProvider{
		auth.NewTelegramProvider(auth.TelegramConfig{
			BotToken: cfg.TelegramBotToken,
			MaxAge:   cfg.TelegramAuthMaxAge,
		}),
	}
	google := newGoogleProvider(cfg, ssrfGuard)
	if google != nil {
		idps = append(idps, google)
	}

	// 7. ドメインサービスの初期化
	authService := auth.NewService(auth.Deps{
		Credentials: credential.NewStore(userRepo, providerRepo, hasher,
			security.NewNameSanitizer(), ssrfGuard,
			credential.Config{ServiceDomain: cfg.ServiceDomain},
		),
		Sessions:          session.NewIssuer(sessionRepo, userRepo, session.Config{TTL: cfg.SessionTTL}),
		Links:             provider.NewRegistry(providerRepo),
		IdentityProviders: idps,
		Publisher:         publisher,
		Metrics:           collector,
	}, auth.Config{PasswordMinLength: cfg.PasswordMinLength})

	limiter, closeLimiter := newRateLimiter(ctx, cfg)
	defer closeLimiter()

	// 8. ルーターの構築
	deps := &handler.RouterDeps{
		HealthChecker:        db,
		CORSAllowedOrigin:    cfg.CORSAllowedOrigin,
		RateLimiter:          limiter,
		RequestTimeout:       cfg.RequestTimeout,
		ExposeInternalErrors: cfg.ExposeInternalErrors,
		Logger:               slog.Default(),
		Metrics:              collector,
		MetricsHandler:       metrics.Handler(registry),
		AuthService:          authService,
		AuthConfig:           handler.AuthHandlerConfig{CookieSecure: cfg.CookieSecure},
	}
	if google != nil {
		deps.GoogleFlow = google
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 9. HTTPサーバーの起動
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Bool("google_enabled", google != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newWorkerMetricsServer はワーカーのメトリクスを公開するHTTPサーバーを返す。
func newWorkerMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションのクリーンアップを定期実行する。
// 削除件数などのメトリクスはWORKER_METRICS_PORTで公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	registry, collector := newMetricsRegistry()

	job := cleanup.NewJob(db, slog.Default())
	job.Retention = cfg.SessionRetention
	job.OnPurged = collector.RecordSessionsPurged

	server := newWorkerMetricsServer(":"+cfg.WorkerMetricsPort, registry)
	go func() {
		slog.Info("worker metrics server starting", slog.String("addr", server.Addr))
		// メトリクスを公開できなくてもクリーンアップは続ける
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker metrics server failed", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("session_retention", cfg.SessionRetention),
	)

	// コンテキストがキャンセルされるまでブロックする
	job.Start(ctx, cfg.CleanupInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("worker metrics server shutdown failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// addr（host:port）の /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build health check request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// healthcheckPort はSERVER_PORTを返す。未設定なら8080。
func healthcheckPort() string {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	return "8080"
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
