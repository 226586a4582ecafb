package credential

import (
	"errors"
	"testing"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"小文字化と前後空白除去", "  Alice@Example.COM ", "alice@example.com", false},
		{"サブドメイン", "bob@mail.example.org", "bob@mail.example.org", false},
		{"国際化ドメインはPunycodeに変換", "user@例え.jp", "user@xn--r8jz45g.jp", false},
		{"@なし", "alice.example.com", "", true},
		{"@が2つ", "a@b@example.com", "", true},
		{"ローカル部が空", "@example.com", "", true},
		{"ドメインが空", "alice@", "", true},
		{"ローカル部に空白", "al ice@example.com", "", true},
		{"不正なドメイン文字", "alice@exa_mple.com", "", true},
		{"空文字列", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeEmail(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidEmail) {
					t.Errorf("NormalizeEmail(%q) error = %v, want ErrInvalidEmail", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeEmail(%q) returned error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeEmail(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPlaceholderEmail(t *testing.T) {
	got := PlaceholderEmail("telegram", "123456", "sparkom.app")
	if got != "telegram_123456@sparkom.app" {
		t.Errorf("PlaceholderEmail = %q, want %q", got, "telegram_123456@sparkom.app")
	}
}
