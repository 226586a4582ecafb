// Package provider はユーザーアカウントへの外部IdP連携の管理を提供する。
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// LinkInput は連携追加の入力。
type LinkInput struct {
	Provider       string
	ProviderUserID string
	Email          string
	Data           json.RawMessage
}

// Registry はプロバイダ連携の一覧・追加・解除を行う。
type Registry struct {
	providers repository.ProviderRepository
}

// NewRegistry はRegistryを生成する。
func NewRegistry(providers repository.ProviderRepository) *Registry {
	return &Registry{providers: providers}
}

// List はユーザーの連携一覧をlinked_at降順で返す。
func (r *Registry) List(ctx context.Context, userID string) ([]*model.ProviderLink, error) {
	links, err := r.providers.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider links: %w", err)
	}
	if links == nil {
		links = []*model.ProviderLink{}
	}
	return links, nil
}

// Link は(user_id, provider)をキーに連携を作成または上書きする。
// 同じ外部アカウントが別ユーザーに連携済みの場合はConflictを返す。
func (r *Registry) Link(ctx context.Context, userID string, in LinkInput) (*model.ProviderLink, error) {
	providerName := NormalizeName(in.Provider)
	externalID := strings.TrimSpace(in.ProviderUserID)
	if providerName == "" || externalID == "" {
		return nil, model.NewInvalidInputError("Provider and providerId are required")
	}

	data, err := normalizeData(in.Data)
	if err != nil {
		return nil, err
	}

	link := &model.ProviderLink{
		ID:             uuid.New().String(),
		UserID:         userID,
		Provider:       providerName,
		ProviderUserID: externalID,
		ProviderData:   data,
	}
	if email := strings.TrimSpace(in.Email); email != "" {
		link.ProviderEmail = &email
	}

	if err := r.providers.Upsert(ctx, link); err != nil {
		switch {
		case errors.Is(err, repository.ErrProviderTaken):
			return nil, model.NewConflictError("Provider account is already linked to another user")
		case errors.Is(err, repository.ErrNotFound):
			return nil, model.NewNotFoundError("User not found")
		}
		return nil, fmt.Errorf("failed to upsert provider link: %w", err)
	}

	slog.Info("provider linked",
		slog.String("user_id", userID),
		slog.String("provider", providerName),
	)
	return link, nil
}

// Unlink は指定プロバイダの連携を削除する。
// 連携が1件以下ならConflict、該当連携がなければNotFoundを返す。
func (r *Registry) Unlink(ctx context.Context, userID, providerName string) error {
	providerName = NormalizeName(providerName)
	if providerName == "" {
		return model.NewInvalidInputError("Provider is required")
	}

	if err := r.providers.DeleteUnlessLast(ctx, userID, providerName); err != nil {
		switch {
		case errors.Is(err, repository.ErrLastProvider):
			return model.NewConflictError("Cannot unlink last provider")
		case errors.Is(err, repository.ErrNotFound):
			return model.NewNotFoundError("Provider not found")
		}
		return fmt.Errorf("failed to unlink provider: %w", err)
	}

	slog.Info("provider unlinked",
		slog.String("user_id", userID),
		slog.String("provider", providerName),
	)
	return nil
}

// NormalizeName はプロバイダ名を前後空白除去・小文字化する。
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// normalizeData はprovider_dataを検証する。未指定やnullは空オブジェクトとして扱う。
func normalizeData(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}

	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, model.NewInvalidInputError("data must be a JSON object")
	}
	return json.RawMessage(trimmed), nil
}
