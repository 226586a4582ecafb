package repository

import "errors"

// リポジトリ層のセンチネルエラー。ドメイン層でAuthErrorに変換する。
var (
	// ErrDuplicateEmail はメールアドレスが既に登録済みであることを表す。
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrProviderTaken は外部アカウントが別ユーザーに連携済みであることを表す。
	ErrProviderTaken = errors.New("provider account already linked to another user")
	// ErrLastProvider は最後の1件の連携を解除しようとしたことを表す。
	ErrLastProvider = errors.New("cannot unlink last provider")
	// ErrNotFound は対象レコードが存在しないことを表す。
	ErrNotFound = errors.New("record not found")
)
