package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownHashFormat は保存済みハッシュの形式を判別できないことを表す。
var ErrUnknownHashFormat = errors.New("unknown password hash format")

// PasswordHasher はパスワードハッシュ方式のインターフェースを定義する。
type PasswordHasher interface {
	// Scheme は方式名（argon2id, bcrypt, sha256-legacy）を返す。
	Scheme() string
	// Hash はパスワードをエンコード済みハッシュ文字列に変換する。
	Hash(password string) (string, error)
	// Verify はパスワードがハッシュに一致するかを返す。
	// ハッシュの形式が不正な場合はエラーを返す。
	Verify(encodedHash, password string) (bool, error)
	// Recognizes はエンコード済みハッシュがこの方式のものかを返す。
	Recognizes(encodedHash string) bool
}

// Argon2idParams はArgon2idのコストパラメータ。
type Argon2idParams struct {
	Time       uint32
	MemoryKiB  uint32
	Threads    uint8
	SaltLength uint32
	KeyLength  uint32
}

// DefaultArgon2idParams はm=64MiB, t=1, p=4の既定パラメータ。
var DefaultArgon2idParams = Argon2idParams{
	Time:       1,
	MemoryKiB:  64 * 1024,
	Threads:    4,
	SaltLength: 16,
	KeyLength:  32,
}

// Argon2idHasher はPHC文字列形式のArgon2idハッシュを扱う。
// 形式: $argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
type Argon2idHasher struct {
	params Argon2idParams
}

// NewArgon2idHasher はArgon2idHasherを生成する。
// ゼロ値のパラメータは既定値で補う。
func NewArgon2idHasher(params Argon2idParams) *Argon2idHasher {
	if params.Time == 0 {
		params.Time = DefaultArgon2idParams.Time
	}
	if params.MemoryKiB == 0 {
		params.MemoryKiB = DefaultArgon2idParams.MemoryKiB
	}
	if params.Threads == 0 {
		params.Threads = DefaultArgon2idParams.Threads
	}
	if params.SaltLength == 0 {
		params.SaltLength = DefaultArgon2idParams.SaltLength
	}
	if params.KeyLength == 0 {
		params.KeyLength = DefaultArgon2idParams.KeyLength
	}
	return &Argon2idHasher{params: params}
}

func (h *Argon2idHasher) Scheme() string { return "argon2id" }

func (h *Argon2idHasher) Recognizes(encodedHash string) bool {
	return strings.HasPrefix(encodedHash, "$argon2id$")
}

func (h *Argon2idHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, h.params.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.params.MemoryKiB, h.params.Time, h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h *Argon2idHasher) Verify(encodedHash, password string) (bool, error) {
	params, salt, key, err := decodeArgon2id(encodedHash)
	if err != nil {
		return false, err
	}

	// ハッシュ側に記録されたパラメータで再計算する
	candidate := argon2.IDKey([]byte(password), salt, params.Time, params.MemoryKiB, params.Threads, uint32(len(key)))
	return subtle.ConstantTimeCompare(key, candidate) == 1, nil
}

// NeedsRehash は保存済みハッシュのパラメータが現在の設定と異なるかを返す。
func (h *Argon2idHasher) NeedsRehash(encodedHash string) bool {
	params, _, _, err := decodeArgon2id(encodedHash)
	if err != nil {
		return true
	}
	return params.Time != h.params.Time ||
		params.MemoryKiB != h.params.MemoryKiB ||
		params.Threads != h.params.Threads
}

func decodeArgon2id(encodedHash string) (Argon2idParams, []byte, []byte, error) {
	var params Argon2idParams

	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return params, nil, nil, fmt.Errorf("%w: malformed argon2id hash", ErrUnknownHashFormat)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return params, nil, nil, fmt.Errorf("%w: unsupported argon2 version", ErrUnknownHashFormat)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.MemoryKiB, &params.Time, &params.Threads); err != nil {
		return params, nil, nil, fmt.Errorf("%w: malformed argon2id params: %v", ErrUnknownHashFormat, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, fmt.Errorf("%w: failed to decode salt: %v", ErrUnknownHashFormat, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return params, nil, nil, fmt.Errorf("%w: failed to decode key: %v", ErrUnknownHashFormat, err)
	}
	if len(key) == 0 {
		return params, nil, nil, fmt.Errorf("%w: empty argon2id key", ErrUnknownHashFormat)
	}

	return params, salt, key, nil
}

// BcryptHasher はbcryptハッシュを扱う。
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher はBcryptHasherを生成する。範囲外のコストはbcrypt.DefaultCostにする。
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Scheme() string { return "bcrypt" }

func (h *BcryptHasher) Recognizes(encodedHash string) bool {
	return strings.HasPrefix(encodedHash, "$2a$") ||
		strings.HasPrefix(encodedHash, "$2b$") ||
		strings.HasPrefix(encodedHash, "$2y$")
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password with bcrypt: %w", err)
	}
	return string(b), nil
}

func (h *BcryptHasher) Verify(encodedHash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", ErrUnknownHashFormat, err)
}

// NeedsRehash は保存済みハッシュのコストが現在の設定と異なるかを返す。
func (h *BcryptHasher) NeedsRehash(encodedHash string) bool {
	cost, err := bcrypt.Cost([]byte(encodedHash))
	return err != nil || cost != h.cost
}

// SHA256LegacyHasher はソルトなしSHA-256の16進ダイジェストを扱う。
// 移行済みの既存ハッシュを検証するためだけに残しており、新規登録には使わない想定。
type SHA256LegacyHasher struct{}

func (SHA256LegacyHasher) Scheme() string { return "sha256-legacy" }

func (SHA256LegacyHasher) Recognizes(encodedHash string) bool {
	if len(encodedHash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(encodedHash)
	return err == nil
}

func (SHA256LegacyHasher) Hash(password string) (string, error) {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:]), nil
}

func (h SHA256LegacyHasher) Verify(encodedHash, password string) (bool, error) {
	if !h.Recognizes(encodedHash) {
		return false, fmt.Errorf("%w: malformed sha256 digest", ErrUnknownHashFormat)
	}
	sum := sha256.Sum256([]byte(password))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(encodedHash)), []byte(expected)) == 1, nil
}

// MultiHasher は設定された方式でハッシュ化し、検証時は保存形式から方式を判別する。
type MultiHasher struct {
	primary PasswordHasher
	known   []PasswordHasher
}

// NewMultiHasher はprimaryで新規ハッシュを作り、primaryとothersのいずれの形式も検証できるMultiHasherを生成する。
func NewMultiHasher(primary PasswordHasher, others ...PasswordHasher) *MultiHasher {
	known := append([]PasswordHasher{primary}, others...)
	return &MultiHasher{primary: primary, known: known}
}

// NewPasswordHasher は方式名からMultiHasherを構築する。
// 3方式すべての既存ハッシュを検証でき、新規ハッシュはschemeで作る。
func NewPasswordHasher(scheme string, argonParams Argon2idParams, bcryptCost int) (*MultiHasher, error) {
	argon := NewArgon2idHasher(argonParams)
	bc := NewBcryptHasher(bcryptCost)
	legacy := SHA256LegacyHasher{}

	switch scheme {
	case argon.Scheme():
		return NewMultiHasher(argon, bc, legacy), nil
	case bc.Scheme():
		return NewMultiHasher(bc, argon, legacy), nil
	case legacy.Scheme():
		return NewMultiHasher(legacy, argon, bc), nil
	default:
		return nil, fmt.Errorf("unsupported password hasher: %q", scheme)
	}
}

// Scheme は新規ハッシュに使う方式名を返す。
func (m *MultiHasher) Scheme() string { return m.primary.Scheme() }

// Hash は設定された方式でハッシュ化する。
func (m *MultiHasher) Hash(password string) (string, error) {
	return m.primary.Hash(password)
}

// Verify は保存形式に対応する方式で検証する。
func (m *MultiHasher) Verify(encodedHash, password string) (bool, error) {
	h := m.detect(encodedHash)
	if h == nil {
		return false, ErrUnknownHashFormat
	}
	return h.Verify(encodedHash, password)
}

// Recognizes は既知のいずれかの形式かを返す。
func (m *MultiHasher) Recognizes(encodedHash string) bool {
	return m.detect(encodedHash) != nil
}

// NeedsRehash は保存済みハッシュを現在の方式・パラメータで作り直すべきかを返す。
func (m *MultiHasher) NeedsRehash(encodedHash string) bool {
	h := m.detect(encodedHash)
	if h == nil || h.Scheme() != m.primary.Scheme() {
		return true
	}
	if r, ok := h.(interface{ NeedsRehash(string) bool }); ok {
		return r.NeedsRehash(encodedHash)
	}
	return false
}

func (m *MultiHasher) detect(encodedHash string) PasswordHasher {
	for _, h := range m.known {
		if h.Recognizes(encodedHash) {
			return h
		}
	}
	return nil
}

// compile-time interface check
var (
	_ PasswordHasher = (*Argon2idHasher)(nil)
	_ PasswordHasher = (*BcryptHasher)(nil)
	_ PasswordHasher = SHA256LegacyHasher{}
	_ PasswordHasher = (*MultiHasher)(nil)
)
