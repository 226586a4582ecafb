package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/model"
)

// PostgresProviderRepo はPostgreSQLを使用したプロバイダ連携リポジトリ。
type PostgresProviderRepo struct {
	db *sql.DB
}

// NewPostgresProviderRepo はPostgresProviderRepoを生成する。
func NewPostgresProviderRepo(db *sql.DB) *PostgresProviderRepo {
	return &PostgresProviderRepo{db: db}
}

func scanProviderLink(row rowScanner) (*model.ProviderLink, error) {
	link := &model.ProviderLink{}
	var data []byte
	err := row.Scan(
		&link.ID, &link.UserID, &link.Provider, &link.ProviderUserID,
		&link.ProviderEmail, &data, &link.LinkedAt,
	)
	if err != nil {
		return nil, err
	}
	link.ProviderData = json.RawMessage(data)
	return link, nil
}

// FindByProviderUserID はproviderとprovider_user_idで連携を検索する。
// 見つからない場合はnilを返す。
func (r *PostgresProviderRepo) FindByProviderUserID(ctx context.Context, provider, providerUserID string) (*model.ProviderLink, error) {
	link, err := scanProviderLink(r.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, provider_user_id, provider_email, provider_data, linked_at
		 FROM user_providers
		 WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find provider link: %w", err)
	}

	return link, nil
}

// ListByUserID はユーザーの連携一覧をlinked_at降順で返す。
func (r *PostgresProviderRepo) ListByUserID(ctx context.Context, userID string) ([]*model.ProviderLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, provider, provider_user_id, provider_email, provider_data, linked_at
		 FROM user_providers
		 WHERE user_id = $1
		 ORDER BY linked_at DESC, provider`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider links: %w", err)
	}
	defer rows.Close()

	var links []*model.ProviderLink
	for rows.Next() {
		link, err := scanProviderLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate provider links: %w", err)
	}

	return links, nil
}

// Upsert は(user_id, provider)をキーに連携を作成または上書きする。
// telegram連携の場合はusers.telegram_idも同じトランザクションで更新する。
func (r *PostgresProviderRepo) Upsert(ctx context.Context, link *model.ProviderLink) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO user_providers (id, user_id, provider, provider_user_id, provider_email, provider_data, linked_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, now())
		 ON CONFLICT ON CONSTRAINT user_providers_user_provider_key DO UPDATE SET
		   provider_user_id = EXCLUDED.provider_user_id,
		   provider_email   = EXCLUDED.provider_email,
		   provider_data    = EXCLUDED.provider_data,
		   linked_at        = now()
		 RETURNING id, linked_at`,
		link.ID, link.UserID, link.Provider, link.ProviderUserID,
		link.ProviderEmail, string(providerDataOrEmpty(link.ProviderData)),
	).Scan(&link.ID, &link.LinkedAt)
	if err != nil {
		if database.IsUniqueViolation(err, "user_providers_provider_external_key") {
			return ErrProviderTaken
		}
		if database.IsForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to upsert provider link: %w", err)
	}

	if link.Provider == model.ProviderTelegram {
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET telegram_id = $2, updated_at = now() WHERE id = $1`,
			link.UserID, link.ProviderUserID,
		)
		if err != nil {
			if database.IsUniqueViolation(err, "users_telegram_id_key") {
				return ErrProviderTaken
			}
			return fmt.Errorf("failed to sync telegram_id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DeleteUnlessLast は連携が2件以上ある場合に限り指定プロバイダの連携を削除する。
// ユーザー行をFOR UPDATEでロックし、同時解除で連携が0件になることを防ぐ。
func (r *PostgresProviderRepo) DeleteUnlessLast(ctx context.Context, userID, provider string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lockedID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM users WHERE id = $1 FOR UPDATE`,
		userID,
	).Scan(&lockedID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM user_providers WHERE user_id = $1`,
		userID,
	).Scan(&count); err != nil {
		return fmt.Errorf("failed to count provider links: %w", err)
	}
	if count <= 1 {
		return ErrLastProvider
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM user_providers WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	)
	if err != nil {
		return fmt.Errorf("failed to delete provider link: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if provider == model.ProviderTelegram {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET telegram_id = NULL, updated_at = now() WHERE id = $1`,
			userID,
		); err != nil {
			return fmt.Errorf("failed to clear telegram_id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// providerDataOrEmpty はprovider_dataが未指定の場合に空オブジェクトを返す。
func providerDataOrEmpty(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("{}")
	}
	return data
}

// compile-time interface check
var _ ProviderRepository = (*PostgresProviderRepo)(nil)
