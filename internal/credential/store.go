// Package credential はユーザーとパスワード資格情報の管理を提供する。
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/security"
)

// PasswordHasher はStoreが利用するパスワードハッシュ機能。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(encodedHash, password string) (bool, error)
	NeedsRehash(encodedHash string) bool
}

// URLValidator は外部から受け取ったURLの安全性を検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// CreateInput はパスワード登録の入力。EmailはNormalizeEmail済みであること。
type CreateInput struct {
	Email    string
	Password string
	FullName string
	Phone    string
}

// ProviderIdentity は外部IdPで認証されたアカウントの情報。
type ProviderIdentity struct {
	Provider    string
	ExternalID  string
	DisplayName string
	AvatarURL   string
	Email       string
	Data        json.RawMessage
}

// Config はStoreの設定。
type Config struct {
	// ServiceDomain はプロバイダ経由で作成したユーザーのプレースホルダメールのドメイン。
	ServiceDomain string
}

// Store はユーザーの作成・検索とパスワード検証を行う。
type Store struct {
	users     repository.UserRepository
	providers repository.ProviderRepository
	hasher    PasswordHasher
	sanitizer security.NameSanitizerService
	urls      URLValidator
	config    Config
	now       func() time.Time
}

// NewStore はStoreを生成する。
func NewStore(
	users repository.UserRepository,
	providers repository.ProviderRepository,
	hasher PasswordHasher,
	sanitizer security.NameSanitizerService,
	urls URLValidator,
	config Config,
) *Store {
	return &Store{
		users:     users,
		providers: providers,
		hasher:    hasher,
		sanitizer: sanitizer,
		urls:      urls,
		config:    config,
		now:       time.Now,
	}
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// FindByID はIDでユーザーを取得する。見つからない場合はnilを返す。
func (s *Store) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// Create はパスワード認証のユーザーをemail連携付きで作成する。
// メールアドレスが登録済みの場合はConflictを返す。
// プレースホルダ用ドメインのアドレスはプロバイダ経由ユーザー専用のため登録できない。
func (s *Store) Create(ctx context.Context, in CreateInput) (*model.User, error) {
	if s.IsReservedEmail(in.Email) {
		return nil, model.NewInvalidInputError("Email domain is reserved")
	}

	existing, err := s.FindByEmail(ctx, in.Email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, model.NewConflictError("email already registered")
	}

	passwordHash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now().UTC()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        in.Email,
		PasswordHash: passwordHash,
		FullName:     s.sanitizer.Sanitize(in.FullName),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if phone := strings.TrimSpace(in.Phone); phone != "" {
		user.Phone = &phone
	}

	email := in.Email
	link := &model.ProviderLink{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       model.ProviderEmail,
		ProviderUserID: in.Email,
		ProviderEmail:  &email,
		ProviderData:   json.RawMessage("{}"),
		LinkedAt:       now,
	}

	if err := s.users.CreateWithProvider(ctx, user, link); err != nil {
		// 事前チェック後に同時登録された場合も一意制約で検出される
		if errors.Is(err, repository.ErrDuplicateEmail) || errors.Is(err, repository.ErrProviderTaken) {
			return nil, model.NewConflictError("email already registered")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("provider", model.ProviderEmail),
	)
	return user, nil
}

// FindOrCreateByProvider は外部アカウントに紐づくユーザーを返し、未登録なら作成する。
// createdは今回新規作成した場合にtrueになる。
func (s *Store) FindOrCreateByProvider(ctx context.Context, id ProviderIdentity) (user *model.User, created bool, err error) {
	user, err = s.findByProvider(ctx, id.Provider, id.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		return user, false, nil
	}

	now := s.now().UTC()
	newUser := &model.User{
		ID:        uuid.New().String(),
		Email:     PlaceholderEmail(id.Provider, id.ExternalID, s.config.ServiceDomain),
		FullName:  s.displayName(id),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if avatar := s.safeAvatarURL(id.AvatarURL); avatar != "" {
		newUser.AvatarURL = &avatar
	}
	if id.Provider == model.ProviderTelegram {
		tgID := id.ExternalID
		newUser.TelegramID = &tgID
	}

	link := &model.ProviderLink{
		ID:             uuid.New().String(),
		UserID:         newUser.ID,
		Provider:       id.Provider,
		ProviderUserID: id.ExternalID,
		ProviderData:   id.Data,
		LinkedAt:       now,
	}
	if id.Email != "" {
		email := id.Email
		link.ProviderEmail = &email
	}

	if err := s.users.CreateWithProvider(ctx, newUser, link); err != nil {
		if !errors.Is(err, repository.ErrProviderTaken) && !errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, false, fmt.Errorf("failed to create provider user: %w", err)
		}
		// 同じ外部アカウントの同時ログインに負けた場合は勝者のユーザーを返す
		winner, findErr := s.findByProvider(ctx, id.Provider, id.ExternalID)
		if findErr != nil {
			return nil, false, findErr
		}
		if winner != nil {
			return winner, false, nil
		}
		if !errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, false, fmt.Errorf("failed to create provider user: %w", err)
		}

		// プレースホルダが既存ユーザーのメールと衝突した場合は接尾辞付きで作り直す
		newUser.Email = disambiguatedPlaceholder(id.Provider, id.ExternalID, s.config.ServiceDomain)
		if err := s.users.CreateWithProvider(ctx, newUser, link); err != nil {
			return nil, false, fmt.Errorf("failed to create provider user: %w", err)
		}
	}

	slog.Info("user created via provider",
		slog.String("user_id", newUser.ID),
		slog.String("provider", id.Provider),
	)
	return newUser, true, nil
}

// VerifyPassword はメールアドレスとパスワードを照合し、一致したユーザーを返す。
// ユーザーが存在しない、パスワード未設定、不一致のいずれの場合もnilを返す。
// 一致したハッシュが古い方式・パラメータの場合は現在の方式で作り直す。
func (s *Store) VerifyPassword(ctx context.Context, email, password string) (*model.User, error) {
	user, err := s.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.HasPassword() {
		return nil, nil
	}

	ok, err := s.hasher.Verify(user.PasswordHash, password)
	if err != nil {
		slog.Warn("stored password hash could not be verified",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.upgradeHash(ctx, user, password)
	}

	return user, nil
}

// upgradeHash はパスワードハッシュを現在の方式で保存し直す。失敗してもログインは継続する。
func (s *Store) upgradeHash(ctx context.Context, user *model.User, password string) {
	newHash, err := s.hasher.Hash(password)
	if err != nil {
		slog.Warn("failed to rehash password", slog.String("user_id", user.ID), slog.String("error", err.Error()))
		return
	}
	if err := s.users.UpdatePasswordHash(ctx, user.ID, newHash); err != nil {
		slog.Warn("failed to store upgraded password hash", slog.String("user_id", user.ID), slog.String("error", err.Error()))
		return
	}
	user.PasswordHash = newHash
	slog.Info("password hash upgraded", slog.String("user_id", user.ID))
}

func (s *Store) findByProvider(ctx context.Context, provider, externalID string) (*model.User, error) {
	link, err := s.providers.FindByProviderUserID(ctx, provider, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to find provider link: %w", err)
	}
	if link == nil {
		return nil, nil
	}

	user, err := s.FindByID(ctx, link.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("provider link %s references missing user %s", link.ID, link.UserID)
	}
	return user, nil
}

// displayName はサニタイズ済みの表示名を返す。空になる場合は"User {id}"とする。
func (s *Store) displayName(id ProviderIdentity) string {
	if name := s.sanitizer.Sanitize(id.DisplayName); name != "" {
		return name
	}
	return "User " + id.ExternalID
}

// safeAvatarURL は安全でないアバターURLを空文字に置き換える。
func (s *Store) safeAvatarURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if err := s.urls.ValidateURL(raw); err != nil {
		slog.Warn("avatar url rejected", slog.String("error", err.Error()))
		return ""
	}
	return raw
}

// IsReservedEmail はメールアドレスがプレースホルダ用ドメインに属するかを返す。
func (s *Store) IsReservedEmail(email string) bool {
	if s.config.ServiceDomain == "" {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	return strings.EqualFold(email[at+1:], s.config.ServiceDomain)
}

// PlaceholderEmail はプロバイダ経由ユーザーのプレースホルダメールを返す。
// 形式: {provider}_{externalID}@{domain}
func PlaceholderEmail(provider, externalID, domain string) string {
	return fmt.Sprintf("%s_%s@%s", provider, strings.ToLower(externalID), domain)
}

func disambiguatedPlaceholder(provider, externalID, domain string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s_%s.%s@%s", provider, strings.ToLower(externalID), suffix, domain)
}
