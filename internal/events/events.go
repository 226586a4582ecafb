// Package events は認証イベントの発行を提供する。
package events

import (
	"context"
	"time"
)

// イベント種別
const (
	TypeUserRegistered      = "user.registered"
	TypeUserProviderCreated = "user.provider_created"
	TypeProviderLinked      = "provider.linked"
	TypeProviderUnlinked    = "provider.unlinked"
)

// Event は認証イベントのペイロード。トークンやパスワードは含めない。
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	Provider   string    `json:"provider,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher はイベントの発行先。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher はイベントを破棄するPublisher。
type NopPublisher struct{}

// Publish は何もしない。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close は何もしない。
func (NopPublisher) Close() error { return nil }

var _ Publisher = NopPublisher{}
