// Package memstore はテスト用のインメモリリポジトリを提供する。
// PostgreSQLスキーマと同じ一意制約・UPSERT・最後の連携の保護を再現する。
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// Store はUserRepository、ProviderRepository、SessionRepositoryを1つで実装する。
type Store struct {
	mu       sync.Mutex
	users    map[string]*model.User
	links    []*model.ProviderLink
	sessions map[string]*model.Session
	lastNow  time.Time

	// Err が設定されている場合、全メソッドがこのエラーを返す。
	Err error
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		users:    make(map[string]*model.User),
		sessions: make(map[string]*model.Session),
	}
}

// now は単調増加する現在時刻を返す。linked_atの並び順を安定させるため。
func (s *Store) now() time.Time {
	t := time.Now().UTC()
	if !t.After(s.lastNow) {
		t = s.lastNow.Add(time.Microsecond)
	}
	s.lastNow = t
	return t
}

func copyUser(u *model.User) *model.User {
	c := *u
	return &c
}

func copyLink(l *model.ProviderLink) *model.ProviderLink {
	c := *l
	c.ProviderData = append(json.RawMessage(nil), l.ProviderData...)
	return &c
}

// FindByID は指定IDのユーザーを返す。
func (s *Store) FindByID(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if u, ok := s.users[id]; ok {
		return copyUser(u), nil
	}
	return nil, nil
}

// FindByEmail はメールアドレスでユーザーを返す。
func (s *Store) FindByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, u := range s.users {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, nil
}

// CreateWithProvider はユーザーと最初の連携をまとめて作成する。
func (s *Store) CreateWithProvider(_ context.Context, user *model.User, link *model.ProviderLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, u := range s.users {
		if u.Email == user.Email {
			return repository.ErrDuplicateEmail
		}
		if user.TelegramID != nil && u.TelegramID != nil && *u.TelegramID == *user.TelegramID {
			return repository.ErrProviderTaken
		}
	}
	for _, l := range s.links {
		if l.Provider == link.Provider && l.ProviderUserID == link.ProviderUserID {
			return repository.ErrProviderTaken
		}
	}

	s.users[user.ID] = copyUser(user)
	stored := copyLink(link)
	if len(stored.ProviderData) == 0 {
		stored.ProviderData = json.RawMessage("{}")
	}
	s.links = append(s.links, stored)
	return nil
}

// UpdatePasswordHash はパスワードハッシュを置き換える。
func (s *Store) UpdatePasswordHash(_ context.Context, id, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	u, ok := s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = s.now()
	return nil
}

// FindByProviderUserID は(provider, provider_user_id)で連携を返す。
func (s *Store) FindByProviderUserID(_ context.Context, provider, providerUserID string) (*model.ProviderLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	for _, l := range s.links {
		if l.Provider == provider && l.ProviderUserID == providerUserID {
			return copyLink(l), nil
		}
	}
	return nil, nil
}

// ListByUserID はユーザーの連携をlinked_at降順で返す。
func (s *Store) ListByUserID(_ context.Context, userID string) ([]*model.ProviderLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*model.ProviderLink
	for _, l := range s.links {
		if l.UserID == userID {
			out = append(out, copyLink(l))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LinkedAt.After(out[j].LinkedAt)
	})
	return out, nil
}

// Upsert は(user_id, provider)をキーに連携を作成または上書きする。
func (s *Store) Upsert(_ context.Context, link *model.ProviderLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	user, ok := s.users[link.UserID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, l := range s.links {
		if l.Provider == link.Provider && l.ProviderUserID == link.ProviderUserID && l.UserID != link.UserID {
			return repository.ErrProviderTaken
		}
	}
	if link.Provider == model.ProviderTelegram {
		for _, u := range s.users {
			if u.ID != user.ID && u.TelegramID != nil && *u.TelegramID == link.ProviderUserID {
				return repository.ErrProviderTaken
			}
		}
	}

	data := link.ProviderData
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	now := s.now()

	var target *model.ProviderLink
	for _, l := range s.links {
		if l.UserID == link.UserID && l.Provider == link.Provider {
			target = l
			break
		}
	}
	if target == nil {
		target = &model.ProviderLink{ID: link.ID, UserID: link.UserID, Provider: link.Provider}
		s.links = append(s.links, target)
	}
	target.ProviderUserID = link.ProviderUserID
	target.ProviderEmail = link.ProviderEmail
	target.ProviderData = append(json.RawMessage(nil), data...)
	target.LinkedAt = now

	if link.Provider == model.ProviderTelegram {
		id := link.ProviderUserID
		user.TelegramID = &id
	}

	link.ID = target.ID
	link.LinkedAt = now
	return nil
}

// DeleteUnlessLast は連携が2件以上の場合のみ指定プロバイダの連携を削除する。
func (s *Store) DeleteUnlessLast(_ context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	user, ok := s.users[userID]
	if !ok {
		return repository.ErrNotFound
	}

	count := 0
	idx := -1
	for i, l := range s.links {
		if l.UserID != userID {
			continue
		}
		count++
		if l.Provider == provider {
			idx = i
		}
	}
	if count <= 1 {
		return repository.ErrLastProvider
	}
	if idx < 0 {
		return repository.ErrNotFound
	}

	s.links = append(s.links[:idx], s.links[idx+1:]...)
	if provider == model.ProviderTelegram {
		user.TelegramID = nil
	}
	return nil
}

// Create はセッションを保存する。
func (s *Store) Create(_ context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	c := *session
	s.sessions[session.TokenHash] = &c
	return nil
}

// FindByTokenHash はトークンハッシュでセッションを返す。期限切れも返す。
func (s *Store) FindByTokenHash(_ context.Context, tokenHash string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if sess, ok := s.sessions[tokenHash]; ok {
		c := *sess
		return &c, nil
	}
	return nil, nil
}

// DeleteByTokenHash はセッションを削除する。
func (s *Store) DeleteByTokenHash(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	delete(s.sessions, tokenHash)
	return nil
}

// SessionCount は保存されているセッション数を返す。
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// UserCount は保存されているユーザー数を返す。
func (s *Store) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// compile-time interface check
var (
	_ repository.UserRepository     = (*Store)(nil)
	_ repository.ProviderRepository = (*Store)(nil)
	_ repository.SessionRepository  = (*Store)(nil)
)
