// Package auth は登録・ログイン・外部IdPログイン・セッション検証を束ねる認証ゲートウェイを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/authgate/internal/credential"
	"github.com/hitoshi/authgate/internal/events"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/provider"
	"github.com/hitoshi/authgate/internal/session"
)

// publishTimeout はイベント発行1件あたりの上限時間。
const publishTimeout = 2 * time.Second

// CredentialStore はゲートウェイが利用するユーザー資格情報の操作。
type CredentialStore interface {
	Create(ctx context.Context, in credential.CreateInput) (*model.User, error)
	VerifyPassword(ctx context.Context, email, password string) (*model.User, error)
	FindOrCreateByProvider(ctx context.Context, id credential.ProviderIdentity) (*model.User, bool, error)
}

// SessionIssuer はゲートウェイが利用するセッション操作。
type SessionIssuer interface {
	Issue(ctx context.Context, userID string) (*session.Issued, error)
	Verify(ctx context.Context, token string) (*session.Verified, error)
	Revoke(ctx context.Context, token string) error
}

// LinkRegistry はゲートウェイが利用するプロバイダ連携操作。
type LinkRegistry interface {
	List(ctx context.Context, userID string) ([]*model.ProviderLink, error)
	Link(ctx context.Context, userID string, in provider.LinkInput) (*model.ProviderLink, error)
	Unlink(ctx context.Context, userID, providerName string) error
}

// Config はゲートウェイの設定。
type Config struct {
	PasswordMinLength int
}

// Deps はServiceの依存。Publisher、Metricsは省略時にno-opを使う。
type Deps struct {
	Credentials       CredentialStore
	Sessions          SessionIssuer
	Links             LinkRegistry
	IdentityProviders []IdentityProvider
	Publisher         events.Publisher
	Metrics           metrics.MetricsCollector
}

// RegisterInput はパスワード登録の入力。
type RegisterInput struct {
	Email    string
	Password string
	FullName string
	Phone    string
}

// Result は認証操作の結果。検証のみの場合Tokenは空になる。
type Result struct {
	Token     string
	ExpiresAt time.Time
	User      *model.User
	// Created は今回の操作でユーザーを作成した場合にtrue。
	Created bool
}

// Service は認証に関するビジネスロジックを提供する。
// 失敗は全て*model.AuthErrorとして返す。
type Service struct {
	credentials CredentialStore
	sessions    SessionIssuer
	links       LinkRegistry
	idps        map[string]IdentityProvider
	publisher   events.Publisher
	metrics     metrics.MetricsCollector
	tracer      trace.Tracer
	config      Config
}

// NewService はServiceを生成する。
func NewService(deps Deps, config Config) *Service {
	if config.PasswordMinLength < 1 {
		config.PasswordMinLength = 6
	}
	s := &Service{
		credentials: deps.Credentials,
		sessions:    deps.Sessions,
		links:       deps.Links,
		idps:        make(map[string]IdentityProvider, len(deps.IdentityProviders)),
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer("github.com/hitoshi/authgate/internal/auth"),
		config:      config,
	}
	for _, p := range deps.IdentityProviders {
		s.idps[provider.NormalizeName(p.Name())] = p
	}
	if s.publisher == nil {
		s.publisher = events.NopPublisher{}
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	return s
}

// HasProvider は指定名のIdPが登録されているかを返す。
func (s *Service) HasProvider(name string) bool {
	_, ok := s.idps[provider.NormalizeName(name)]
	return ok
}

// Register はパスワード認証のユーザーを作成し、セッションを発行する。
func (s *Service) Register(ctx context.Context, in RegisterInput) (result *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Register")
	defer func() { err = s.finish(span, "register", err) }()

	email := strings.TrimSpace(in.Email)
	fullName := strings.TrimSpace(in.FullName)
	if email == "" || in.Password == "" || fullName == "" {
		return nil, model.NewInvalidInputError("Email, password and full name are required")
	}
	if utf8.RuneCountInString(in.Password) < s.config.PasswordMinLength {
		return nil, model.NewInvalidInputError(fmt.Sprintf("Password must be at least %d characters", s.config.PasswordMinLength))
	}

	normalized, err := credential.NormalizeEmail(email)
	if err != nil {
		return nil, model.NewInvalidInputError("Invalid email format")
	}

	user, err := s.credentials.Create(ctx, credential.CreateInput{
		Email:    normalized,
		Password: in.Password,
		FullName: fullName,
		Phone:    in.Phone,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	issued, err := s.issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{Type: events.TypeUserRegistered, UserID: user.ID, Provider: model.ProviderEmail})
	return &Result{Token: issued.Token, ExpiresAt: issued.ExpiresAt, User: user, Created: true}, nil
}

// Login はメールアドレスとパスワードで認証し、セッションを発行する。
// ユーザーの有無を区別できないよう、失敗は常に同じUnauthorizedを返す。
func (s *Service) Login(ctx context.Context, email, password string) (result *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login")
	defer func() { err = s.finish(span, "login", err) }()

	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, model.NewInvalidInputError("Email and password are required")
	}

	normalized, err := credential.NormalizeEmail(email)
	if err != nil {
		return nil, model.NewUnauthorizedError("Invalid email or password")
	}

	user, err := s.credentials.VerifyPassword(ctx, normalized, password)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewUnauthorizedError("Invalid email or password")
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	issued, err := s.issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Token: issued.Token, ExpiresAt: issued.ExpiresAt, User: user}, nil
}

// ProviderLogin は外部IdPのペイロードで認証し、ユーザーを解決または作成してセッションを発行する。
// 既存ユーザーであっても毎回新しいセッションを発行する。
func (s *Service) ProviderLogin(ctx context.Context, providerName string, payload []byte) (result *Result, err error) {
	providerName = provider.NormalizeName(providerName)
	ctx, span := s.tracer.Start(ctx, "auth.ProviderLogin",
		trace.WithAttributes(attribute.String("auth.provider", providerName)),
	)
	idp, ok := s.idps[providerName]
	action := providerName
	if !ok {
		// 未登録の名前をラベルにしない
		action = "unsupported"
	}
	defer func() { err = s.finish(span, action, err) }()

	if !ok {
		return nil, model.NewInvalidInputError("Unsupported provider")
	}

	identity, err := idp.Authenticate(ctx, payload)
	if err != nil {
		return nil, err
	}
	return s.loginWithIdentity(ctx, identity)
}

// LoginWithIdentity は検証済みの外部アカウントでログインする。
// OAuthコールバックのようにペイロード検証を別経路で済ませた場合に使う。
func (s *Service) LoginWithIdentity(ctx context.Context, identity *credential.ProviderIdentity) (result *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.LoginWithIdentity")
	action := "provider"
	if identity != nil {
		action = identity.Provider
		span.SetAttributes(attribute.String("auth.provider", identity.Provider))
	}
	defer func() { err = s.finish(span, action, err) }()

	return s.loginWithIdentity(ctx, identity)
}

func (s *Service) loginWithIdentity(ctx context.Context, identity *credential.ProviderIdentity) (*Result, error) {
	if identity == nil || strings.TrimSpace(identity.ExternalID) == "" {
		return nil, model.NewInvalidInputError("Provider ID is required")
	}
	identity.Provider = provider.NormalizeName(identity.Provider)
	identity.ExternalID = strings.TrimSpace(identity.ExternalID)

	user, created, err := s.credentials.FindOrCreateByProvider(ctx, *identity)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("user.id", user.ID),
		attribute.Bool("user.created", created),
	)

	issued, err := s.issue(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	if created {
		s.publish(ctx, events.Event{Type: events.TypeUserProviderCreated, UserID: user.ID, Provider: identity.Provider})
	}
	return &Result{Token: issued.Token, ExpiresAt: issued.ExpiresAt, User: user, Created: created}, nil
}

// VerifySession はトークンを検証し、所有ユーザーを返す。
func (s *Service) VerifySession(ctx context.Context, token string) (result *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.VerifySession")
	defer func() {
		err = s.finish(span, "verify", err)
		s.metrics.RecordSessionVerification(metrics.Outcome(err))
	}()

	verified, err := s.sessions.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("user.id", verified.User.ID))
	return &Result{ExpiresAt: verified.Session.ExpiresAt, User: verified.User}, nil
}

// Logout はトークンのセッションを破棄する。
func (s *Service) Logout(ctx context.Context, token string) (err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Logout")
	defer func() { err = s.finish(span, "logout", err) }()

	return s.sessions.Revoke(ctx, token)
}

// ListProviders はユーザーの連携一覧を返す。
func (s *Service) ListProviders(ctx context.Context, userID string) (links []*model.ProviderLink, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.ListProviders")
	defer func() { err = s.finishLinkOp(span, "list", err) }()

	return s.links.List(ctx, userID)
}

// LinkProvider はユーザーにプロバイダを連携する。同じプロバイダは上書きする。
// IdPが登録されたプロバイダはdataを認証ペイロードとして検証する。
func (s *Service) LinkProvider(ctx context.Context, userID string, in provider.LinkInput) (link *model.ProviderLink, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.LinkProvider",
		trace.WithAttributes(attribute.String("auth.provider", provider.NormalizeName(in.Provider))),
	)
	defer func() { err = s.finishLinkOp(span, "link", err) }()

	if idp, ok := s.idps[provider.NormalizeName(in.Provider)]; ok {
		in, err = authenticatedLink(ctx, idp, in)
		if err != nil {
			return nil, err
		}
	}

	link, err = s.links.Link(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.Event{Type: events.TypeProviderLinked, UserID: userID, Provider: link.Provider})
	return link, nil
}

// authenticatedLink はdataをIdPで検証し、連携する外部IDを検証済みのものに置き換える。
// providerIdの指定は省略できるが、指定した場合は検証済みIDと一致しなければならない。
func authenticatedLink(ctx context.Context, idp IdentityProvider, in provider.LinkInput) (provider.LinkInput, error) {
	if len(in.Data) == 0 {
		return in, model.NewInvalidInputError("Provider authorization data is required")
	}
	identity, err := idp.Authenticate(ctx, in.Data)
	if err != nil {
		return in, err
	}

	claimed := strings.TrimSpace(in.ProviderUserID)
	if claimed != "" && claimed != identity.ExternalID {
		return in, model.NewInvalidInputError("providerId does not match the authorized account")
	}

	in.ProviderUserID = identity.ExternalID
	in.Data = identity.Data
	if strings.TrimSpace(in.Email) == "" {
		in.Email = identity.Email
	}
	return in, nil
}

// UnlinkProvider はユーザーのプロバイダ連携を解除する。最後の1件は解除できない。
func (s *Service) UnlinkProvider(ctx context.Context, userID, providerName string) (err error) {
	providerName = provider.NormalizeName(providerName)
	ctx, span := s.tracer.Start(ctx, "auth.UnlinkProvider",
		trace.WithAttributes(attribute.String("auth.provider", providerName)),
	)
	defer func() { err = s.finishLinkOp(span, "unlink", err) }()

	if err := s.links.Unlink(ctx, userID, providerName); err != nil {
		return err
	}
	s.publish(ctx, events.Event{Type: events.TypeProviderUnlinked, UserID: userID, Provider: providerName})
	return nil
}

// issue はセッションを発行し、発行数を記録する。
func (s *Service) issue(ctx context.Context, userID string) (*session.Issued, error) {
	issued, err := s.sessions.Issue(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSessionIssued()
	return issued, nil
}

// publish はイベントを発行する。失敗はログのみでリクエストは失敗させない。
func (s *Service) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.publisher.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish auth event",
			slog.String("type", event.Type),
			slog.String("user_id", event.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// finish はエラーをAuthErrorに正規化し、メトリクスとスパンに結果を記録してスパンを閉じる。
func (s *Service) finish(span trace.Span, action string, err error) error {
	err = normalizeError(err)
	s.metrics.RecordAuthRequest(action, metrics.Outcome(err))
	endSpan(span, err)
	return err
}

func (s *Service) finishLinkOp(span trace.Span, op string, err error) error {
	err = normalizeError(err)
	s.metrics.RecordProviderLinkOp(op, metrics.Outcome(err))
	endSpan(span, err)
	return err
}

// normalizeError は分類のないエラーをInternalのAuthErrorで包む。
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return err
	}
	return model.NewInternalError(err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(model.KindOf(err)))
	}
	span.End()
}
