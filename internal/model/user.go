// Package model はドメインモデルを定義する。
package model

import "time"

// User はバックエンドが認証したポータル利用者を表す。
// 給与計算や人事データ本体はバックエンドが所有し、ここでは表示用の属性のみを保持する。
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	CompanyID   string `json:"companyId,omitempty"`
}

// SessionState はセッションストアが読み手に渡すスナップショット。
// IsAuthenticated は User が nil でない場合に限り true になる。
type SessionState struct {
	User            *User
	IsAuthenticated bool
	IsLoading       bool
}

// PersistedSession は永続化される唯一のセッション状態 {user, isAuthenticated}。
// パスワードや生のトークンは決して含めない。
type PersistedSession struct {
	User            *User `json:"user"`
	IsAuthenticated bool  `json:"isAuthenticated"`
}

// SessionRecord はリポジトリに保存されるセッションレコード。
type SessionRecord struct {
	ID        string
	Data      PersistedSession
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
