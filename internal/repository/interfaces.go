// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/payportal/internal/model"
)

// SessionRepository はセッションレコードの永続化インターフェース。
// 保存されるのは {user, isAuthenticated} と有効期限のみで、トークンやパスワードは含めない。
type SessionRepository interface {
	// Save はセッションレコードを作成または更新する。
	Save(ctx context.Context, record *model.SessionRecord) error
	// FindByID は指定IDのセッションを取得する。存在しない・期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SessionRecord, error)
	// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}
