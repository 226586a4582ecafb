package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/authgate/internal/credential"
	"github.com/hitoshi/authgate/internal/events"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/provider"
	"github.com/hitoshi/authgate/internal/security"
	"github.com/hitoshi/authgate/internal/session"
	"github.com/hitoshi/authgate/internal/testutil/memstore"
)

// --- テスト用の部品 ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type recordingMetrics struct {
	mu            sync.Mutex
	authRequests  map[string]int
	issued        int
	verifications map[string]int
	linkOps       map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		authRequests:  make(map[string]int),
		verifications: make(map[string]int),
		linkOps:       make(map[string]int),
	}
}

func (m *recordingMetrics) RecordAuthRequest(action, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authRequests[action+"/"+outcome]++
}

func (m *recordingMetrics) RecordSessionIssued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issued++
}

func (m *recordingMetrics) RecordSessionVerification(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications[outcome]++
}

func (m *recordingMetrics) RecordProviderLinkOp(op, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkOps[op+"/"+outcome]++
}

func (m *recordingMetrics) RecordHTTPStatus(int) {}
func (m *recordingMetrics) RecordRequestDuration(time.Duration) {}
func (m *recordingMetrics) RecordSessionsPurged(int64) {}

type testGateway struct {
	svc       *Service
	mem       *memstore.Store
	clock     *fakeClock
	publisher *recordingPublisher
	metrics   *recordingMetrics
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	return newTestGatewayWithProviders(t, NewTelegramProvider(TelegramConfig{}))
}

func newTestGatewayWithProviders(t *testing.T, idps ...IdentityProvider) *testGateway {
	t.Helper()

	hasher, err := security.NewPasswordHasher("argon2id", security.Argon2idParams{Time: 1, MemoryKiB: 1024, Threads: 1}, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to create hasher: %v", err)
	}

	mem := memstore.New()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	rec := newRecordingMetrics()

	store := credential.NewStore(mem, mem, hasher, security.NewNameSanitizer(), security.NewSSRFGuard(), credential.Config{ServiceDomain: "sparkom.app"})
	issuer := session.NewIssuer(mem, mem, session.Config{Now: clock.Now})

	svc := NewService(Deps{
		Credentials:       store,
		Sessions:          issuer,
		Links:             provider.NewRegistry(mem),
		IdentityProviders: idps,
		Publisher:         pub,
		Metrics:           rec,
	}, Config{PasswordMinLength: 6})

	return &testGateway{svc: svc, mem: mem, clock: clock, publisher: pub, metrics: rec}
}

func assertAuthError(t *testing.T, err error, kind model.ErrorKind, msg string) {
	t.Helper()
	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError(%s), got %v", kind, err)
	}
	if authErr.Kind != kind {
		t.Errorf("Kind = %s, want %s (message %q)", authErr.Kind, kind, authErr.Message)
	}
	if msg != "" && authErr.Message != msg {
		t.Errorf("Message = %q, want %q", authErr.Message, msg)
	}
}

// --- シナリオ ---

func TestScenario_RegisterLoginVerify(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	reg, err := g.svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "secret1", FullName: "A"})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if !reg.Created || reg.Token == "" {
		t.Fatalf("Register result = %+v", reg)
	}

	login, err := g.svc.Login(ctx, "a@b.com", "secret1")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if login.Token == reg.Token {
		t.Error("login must return a new token")
	}
	if login.User.ID != reg.User.ID {
		t.Errorf("login user = %s, want %s", login.User.ID, reg.User.ID)
	}

	verified, err := g.svc.VerifySession(ctx, reg.Token)
	if err != nil {
		t.Fatalf("VerifySession(T1) returned error: %v", err)
	}
	if verified.User.Email != "a@b.com" {
		t.Errorf("verified email = %q", verified.User.Email)
	}

	_, err = g.svc.VerifySession(ctx, "garbage")
	assertAuthError(t, err, model.KindUnauthorized, "invalid token")

	if g.mem.SessionCount() != 2 {
		t.Errorf("SessionCount = %d, want 2", g.mem.SessionCount())
	}
	if types := g.publisher.types(); len(types) != 1 || types[0] != events.TypeUserRegistered {
		t.Errorf("events = %v, want [user.registered]", types)
	}
}

func TestRegister_DuplicateEmailIgnoresCase(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	if _, err := g.svc.Register(ctx, RegisterInput{Email: "A@x.com", Password: "secret1", FullName: "A"}); err != nil {
		t.Fatalf("first Register returned error: %v", err)
	}

	_, err := g.svc.Register(ctx, RegisterInput{Email: "a@X.COM", Password: "other12", FullName: "B"})
	assertAuthError(t, err, model.KindConflict, "")

	if g.mem.UserCount() != 1 {
		t.Errorf("UserCount = %d, want 1", g.mem.UserCount())
	}
}

func TestRegister_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input RegisterInput
		msg   string
	}{
		{"メールなし", RegisterInput{Password: "secret1", FullName: "A"}, "Email, password and full name are required"},
		{"パスワードなし", RegisterInput{Email: "a@b.com", FullName: "A"}, "Email, password and full name are required"},
		{"名前なし", RegisterInput{Email: "a@b.com", Password: "secret1", FullName: "   "}, "Email, password and full name are required"},
		{"5文字のパスワード", RegisterInput{Email: "a@b.com", Password: "12345", FullName: "A"}, "Password must be at least 6 characters"},
		{"3文字のマルチバイト", RegisterInput{Email: "a@b.com", Password: "пар", FullName: "A"}, "Password must be at least 6 characters"},
		{"@なし", RegisterInput{Email: "ab.com", Password: "secret1", FullName: "A"}, "Invalid email format"},
		{"ドメインなし", RegisterInput{Email: "a@", Password: "secret1", FullName: "A"}, "Invalid email format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t)
			// ストアに触れたらInternalになるようにしておく
			g.mem.Err = errors.New("store must not be called")

			_, err := g.svc.Register(context.Background(), tt.input)
			assertAuthError(t, err, model.KindInvalidInput, tt.msg)
		})
	}
}

func TestRegister_MultibytePasswordCountsCharacters(t *testing.T) {
	g := newTestGateway(t)

	// 6文字だが12バイト
	if _, err := g.svc.Register(context.Background(), RegisterInput{Email: "ru@example.com", Password: "пароль", FullName: "Иван"}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
}

func TestLogin_Failures(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	if _, err := g.svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "secret1", FullName: "A"}); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	tests := []struct {
		name     string
		email    string
		password string
		kind     model.ErrorKind
		msg      string
	}{
		{"パスワード違い", "a@b.com", "wrong12", model.KindUnauthorized, "Invalid email or password"},
		{"未登録のメール", "nobody@b.com", "secret1", model.KindUnauthorized, "Invalid email or password"},
		{"形式不正のメール", "not-an-email", "secret1", model.KindUnauthorized, "Invalid email or password"},
		{"メールなし", "", "secret1", model.KindInvalidInput, "Email and password are required"},
		{"パスワードなし", "a@b.com", "", model.KindInvalidInput, "Email and password are required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.svc.Login(ctx, tt.email, tt.password)
			assertAuthError(t, err, tt.kind, tt.msg)
		})
	}
}

func TestLogin_CaseInsensitiveEmailAndDistinctTokens(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	g.svc.Register(ctx, RegisterInput{Email: "Mixed@Example.com", Password: "secret1", FullName: "M"})

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		res, err := g.svc.Login(ctx, "  MIXED@example.COM ", "secret1")
		if err != nil {
			t.Fatalf("Login returned error: %v", err)
		}
		if seen[res.Token] {
			t.Fatal("Login returned a duplicate token")
		}
		seen[res.Token] = true
	}
}

func TestVerifySession_ExpiryBoundary(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	reg, err := g.svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "secret1", FullName: "A"})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if want := g.clock.Now().Add(30 * 24 * time.Hour); !reg.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", reg.ExpiresAt, want)
	}

	g.clock.Advance(30 * 24 * time.Hour)
	if _, err := g.svc.VerifySession(ctx, reg.Token); err != nil {
		t.Errorf("token should still be valid at expires_at, got %v", err)
	}

	g.clock.Advance(time.Second)
	_, err = g.svc.VerifySession(ctx, reg.Token)
	assertAuthError(t, err, model.KindExpired, "token expired")

	if g.metrics.verifications["expired"] != 1 || g.metrics.verifications["success"] != 1 {
		t.Errorf("verifications = %v", g.metrics.verifications)
	}
}

func TestVerifySession_EmptyToken(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.svc.VerifySession(context.Background(), "")
	assertAuthError(t, err, model.KindUnauthorized, "token not provided")
}

func TestScenario_ProviderLoginReturningUser(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	payload := []byte(`{"id":"555","first_name":"Ivan","photo_url":"http://127.0.0.1/evil.png"}`)

	first, err := g.svc.ProviderLogin(ctx, "telegram", payload)
	if err != nil {
		t.Fatalf("first ProviderLogin returned error: %v", err)
	}
	second, err := g.svc.ProviderLogin(ctx, "Telegram", payload)
	if err != nil {
		t.Fatalf("second ProviderLogin returned error: %v", err)
	}

	if first.User.ID != second.User.ID {
		t.Errorf("user IDs differ: %s != %s", first.User.ID, second.User.ID)
	}
	if !first.Created || second.Created {
		t.Errorf("Created = %v/%v, want true/false", first.Created, second.Created)
	}
	if first.Token == second.Token {
		t.Error("each provider login must issue a new session")
	}
	if first.User.Email != "telegram_555@sparkom.app" {
		t.Errorf("placeholder email = %q", first.User.Email)
	}
	if first.User.AvatarURL != nil {
		t.Errorf("loopback avatar URL should be dropped, got %q", *first.User.AvatarURL)
	}

	links, _ := g.svc.ListProviders(ctx, first.User.ID)
	count := 0
	for _, l := range links {
		if l.Provider == model.ProviderTelegram {
			count++
		}
	}
	if count != 1 {
		t.Errorf("telegram links = %d, want 1", count)
	}

	if types := g.publisher.types(); len(types) != 1 || types[0] != events.TypeUserProviderCreated {
		t.Errorf("events = %v, want [user.provider_created]", types)
	}
	if g.metrics.issued != 2 {
		t.Errorf("sessions issued = %d, want 2", g.metrics.issued)
	}
}

func TestProviderLogin_Errors(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	_, err := g.svc.ProviderLogin(ctx, "github", []byte(`{"id":"1"}`))
	assertAuthError(t, err, model.KindInvalidInput, "Unsupported provider")

	_, err = g.svc.ProviderLogin(ctx, "telegram", []byte(`{"first_name":"NoID"}`))
	assertAuthError(t, err, model.KindInvalidInput, "Telegram ID is required")

	if g.metrics.authRequests["unsupported/invalid_input"] != 1 {
		t.Errorf("authRequests = %v", g.metrics.authRequests)
	}
}

func TestLoginWithIdentity_MissingExternalID(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.svc.LoginWithIdentity(context.Background(), &credential.ProviderIdentity{Provider: "google"})
	assertAuthError(t, err, model.KindInvalidInput, "Provider ID is required")
}

func TestLinkProvider_RelinkKeepsOneRow(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	reg, _ := g.svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "secret1", FullName: "A"})

	if _, err := g.svc.LinkProvider(ctx, reg.User.ID, provider.LinkInput{Provider: "telegram", ProviderUserID: "100", Data: json.RawMessage(`{"id":100}`)}); err != nil {
		t.Fatalf("first LinkProvider returned error: %v", err)
	}
	if _, err := g.svc.LinkProvider(ctx, reg.User.ID, provider.LinkInput{Provider: "telegram", Data: json.RawMessage(`{"id":"200","username":"v2"}`)}); err != nil {
		t.Fatalf("second LinkProvider returned error: %v", err)
	}

	links, err := g.svc.ListProviders(ctx, reg.User.ID)
	if err != nil {
		t.Fatalf("ListProviders returned error: %v", err)
	}
	var tg []*model.ProviderLink
	for _, l := range links {
		if l.Provider == "telegram" {
			tg = append(tg, l)
		}
	}
	if len(tg) != 1 {
		t.Fatalf("telegram links = %d, want 1", len(tg))
	}
	var data map[string]string
	if err := json.Unmarshal(tg[0].ProviderData, &data); err != nil {
		t.Fatalf("ProviderData is not JSON: %v", err)
	}
	if tg[0].ProviderUserID != "200" || data["username"] != "v2" {
		t.Errorf("link = %s/%s, want latest values", tg[0].ProviderUserID, tg[0].ProviderData)
	}
	if g.metrics.linkOps["link/success"] != 2 {
		t.Errorf("linkOps = %v", g.metrics.linkOps)
	}
}

func TestUnlinkProvider_LastLinkRule(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	reg, _ := g.svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "secret1", FullName: "A"})
	userID := reg.User.ID

	err := g.svc.UnlinkProvider(ctx, userID, "email")
	assertAuthError(t, err, model.KindConflict, "Cannot unlink last provider")

	g.svc.LinkProvider(ctx, userID, provider.LinkInput{Provider: "telegram", ProviderUserID: "9", Data: json.RawMessage(`{"id":9}`)})
	before, _ := g.svc.ListProviders(ctx, userID)

	if err := g.svc.UnlinkProvider(ctx, userID, "telegram"); err != nil {
		t.Fatalf("UnlinkProvider returned error: %v", err)
	}
	after, _ := g.svc.ListProviders(ctx, userID)
	if len(after) != len(before)-1 {
		t.Errorf("links %d -> %d, want decrease by exactly one", len(before), len(after))
	}

	types := g.publisher.types()
	if types[len(types)-1] != events.TypeProviderUnlinked {
		t.Errorf("last event = %s, want provider.unlinked", types[len(types)-1])
	}
}

// signedTelegramPayload はtestBotTokenで署名されたid=42のウィジェットペイロード。
const signedTelegramPayload = `{"id":42,"first_name":"Ann","username":"ann","auth_date":1700000000,"hash":"a0747dc5e7c6607fb80d06891e2b456933cc8885f3f48e30b45332428f7d9d5e"}`

func TestLinkProvider_RequiresAuthorizedPayload(t *testing.T) {
	forged := `{"id":42,"first_name":"Ann","username":"ann","auth_date":1700000000,"hash":"0000"}`

	tests := []struct {
		name  string
		input provider.LinkInput
		kind  model.ErrorKind
		msg   string
	}{
		{"dataなし", provider.LinkInput{Provider: "telegram", ProviderUserID: "42"}, model.KindInvalidInput, "Provider authorization data is required"},
		{"署名なし", provider.LinkInput{Provider: "telegram", ProviderUserID: "42", Data: json.RawMessage(`{"id":42,"username":"ann"}`)}, model.KindUnauthorized, "Invalid Telegram signature"},
		{"偽造した署名", provider.LinkInput{Provider: "telegram", ProviderUserID: "42", Data: json.RawMessage(forged)}, model.KindUnauthorized, "Invalid Telegram signature"},
		{"外部IDの不一致", provider.LinkInput{Provider: "telegram", ProviderUserID: "43", Data: json.RawMessage(signedTelegramPayload)}, model.KindInvalidInput, "providerId does not match the authorized account"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGatewayWithProviders(t, NewTelegramProvider(TelegramConfig{BotToken: testBotToken, Now: fixedNow}))
			ctx := context.Background()
			reg, err := g.svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "secret1", FullName: "A"})
			if err != nil {
				t.Fatalf("Register returned error: %v", err)
			}

			_, err = g.svc.LinkProvider(ctx, reg.User.ID, tt.input)
			assertAuthError(t, err, tt.kind, tt.msg)

			links, _ := g.svc.ListProviders(ctx, reg.User.ID)
			if len(links) != 1 {
				t.Errorf("links = %d, want only the email link", len(links))
			}
		})
	}
}

func TestScenario_LinkWithForgedTelegramIDDoesNotCaptureLogin(t *testing.T) {
	g := newTestGatewayWithProviders(t, NewTelegramProvider(TelegramConfig{BotToken: testBotToken, Now: fixedNow}))
	ctx := context.Background()

	mallory, _ := g.svc.Register(ctx, RegisterInput{Email: "mallory@example.com", Password: "secret1", FullName: "M"})
	_, err := g.svc.LinkProvider(ctx, mallory.User.ID, provider.LinkInput{Provider: "telegram", ProviderUserID: "42", Data: json.RawMessage(`{"id":42}`)})
	assertAuthError(t, err, model.KindUnauthorized, "")

	// 本人の署名付きログインは攻撃者のアカウントに解決されない
	login, err := g.svc.ProviderLogin(ctx, "telegram", []byte(signedTelegramPayload))
	if err != nil {
		t.Fatalf("ProviderLogin returned error: %v", err)
	}
	if login.User.ID == mallory.User.ID || !login.Created {
		t.Errorf("login resolved to user %s (created=%v), want a new user", login.User.ID, login.Created)
	}
}

func TestLinkProvider_SignedPayloadLinksVerifiedID(t *testing.T) {
	g := newTestGatewayWithProviders(t, NewTelegramProvider(TelegramConfig{BotToken: testBotToken, Now: fixedNow}))
	ctx := context.Background()
	reg, _ := g.svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "secret1", FullName: "A"})

	link, err := g.svc.LinkProvider(ctx, reg.User.ID, provider.LinkInput{Provider: "Telegram", Data: json.RawMessage(signedTelegramPayload)})
	if err != nil {
		t.Fatalf("LinkProvider returned error: %v", err)
	}
	if link.ProviderUserID != "42" {
		t.Errorf("ProviderUserID = %q, want 42", link.ProviderUserID)
	}
	if strings.Contains(string(link.ProviderData), "hash") {
		t.Errorf("ProviderData should not keep the signature: %s", link.ProviderData)
	}

	login, err := g.svc.ProviderLogin(ctx, "telegram", []byte(signedTelegramPayload))
	if err != nil {
		t.Fatalf("ProviderLogin returned error: %v", err)
	}
	if login.User.ID != reg.User.ID || login.Created {
		t.Errorf("login user = %s (created=%v), want linked user %s", login.User.ID, login.Created, reg.User.ID)
	}
}

func TestLinkProvider_ProviderWithoutIdentityProviderUsesGivenID(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	reg, _ := g.svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "secret1", FullName: "A"})

	link, err := g.svc.LinkProvider(ctx, reg.User.ID, provider.LinkInput{Provider: "github", ProviderUserID: "gh-1"})
	if err != nil {
		t.Fatalf("LinkProvider returned error: %v", err)
	}
	if link.ProviderUserID != "gh-1" {
		t.Errorf("ProviderUserID = %q, want gh-1", link.ProviderUserID)
	}
}

func TestScenario_ReservedDomainCannotBlockProviderLogin(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	_, err := g.svc.Register(ctx, RegisterInput{Email: "telegram_555@sparkom.app", Password: "secret1", FullName: "Squatter"})
	assertAuthError(t, err, model.KindInvalidInput, "Email domain is reserved")

	login, err := g.svc.ProviderLogin(ctx, "telegram", []byte(`{"id":555,"first_name":"Ivan"}`))
	if err != nil {
		t.Fatalf("ProviderLogin returned error: %v", err)
	}
	if !login.Created || login.User.Email != "telegram_555@sparkom.app" {
		t.Errorf("login = created %v email %q, want new placeholder user", login.Created, login.User.Email)
	}
}

func TestLogout_RevokesOnlyThatSession(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	reg, _ := g.svc.Register(ctx, RegisterInput{Email: "a@b.com", Password: "secret1", FullName: "A"})
	login, _ := g.svc.Login(ctx, "a@b.com", "secret1")

	if err := g.svc.Logout(ctx, reg.Token); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}

	_, err := g.svc.VerifySession(ctx, reg.Token)
	assertAuthError(t, err, model.KindUnauthorized, "invalid token")
	if _, err := g.svc.VerifySession(ctx, login.Token); err != nil {
		t.Errorf("other session should stay valid: %v", err)
	}
}

func TestStoreFailureBecomesInternal(t *testing.T) {
	g := newTestGateway(t)
	storeErr := errors.New("connection reset by peer")
	g.mem.Err = storeErr

	_, err := g.svc.Login(context.Background(), "a@b.com", "secret1")
	assertAuthError(t, err, model.KindInternal, "internal server error")
	if !errors.Is(err, storeErr) {
		t.Error("internal error should wrap the store failure")
	}
}

func TestPublisherFailureDoesNotFailRequest(t *testing.T) {
	g := newTestGateway(t)
	g.publisher.err = errors.New("broker down")

	if _, err := g.svc.Register(context.Background(), RegisterInput{Email: "a@b.com", Password: "secret1", FullName: "A"}); err != nil {
		t.Fatalf("Register should succeed even when publishing fails: %v", err)
	}
}

func TestHasProvider(t *testing.T) {
	g := newTestGateway(t)

	if !g.svc.HasProvider("TELEGRAM") {
		t.Error("telegram should be registered")
	}
	if g.svc.HasProvider("google") {
		t.Error("google should not be registered in this gateway")
	}
}
