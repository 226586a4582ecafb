package credential

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidEmail はメールアドレスの形式が不正であることを表す。
var ErrInvalidEmail = errors.New("invalid email address")

// NormalizeEmail はメールアドレスを前後空白除去・小文字化し、ドメイン部をASCII（Punycode）に変換する。
// "@"がちょうど1つで、ローカル部とドメイン部が空でないことを要求する。
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if strings.Count(email, "@") != 1 {
		return "", ErrInvalidEmail
	}

	local, domain, _ := strings.Cut(email, "@")
	if local == "" || domain == "" || strings.ContainsAny(local, " \t\r\n") {
		return "", ErrInvalidEmail
	}

	asciiDomain, err := idna.Lookup.ToASCII(domain)
	if err != nil || asciiDomain == "" {
		return "", ErrInvalidEmail
	}

	return local + "@" + asciiDomain, nil
}
