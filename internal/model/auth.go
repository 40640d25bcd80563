package model

// Credentials はバックエンドの認証エンドポイントに送る資格情報。
// ログインフローの間だけメモリ上に存在する。
type Credentials struct {
	Email         string
	Password      string
	CompanyID     string
	TwoFactorCode string
}

// AuthOutcome はバックエンドの認証応答の分類。
type AuthOutcome string

const (
	// AuthOutcomeAuthenticated は認証成功（userを含む応答）。
	AuthOutcomeAuthenticated AuthOutcome = "authenticated"
	// AuthOutcomeRequires2FA は2FAコードが必要、または拒否されたことを示す。
	AuthOutcomeRequires2FA AuthOutcome = "requires_2fa"
	// AuthOutcomeRequires2FASetup は2FAが未設定で管理者対応が必要なことを示す。
	AuthOutcomeRequires2FASetup AuthOutcome = "requires_2fa_setup"
	// AuthOutcomeRejected はパスワード誤り等で認証が拒否されたことを示す。
	AuthOutcomeRejected AuthOutcome = "rejected"
)

// AuthResult はバックエンドの認証応答。
// Token はレスポンスCookieにのみ載せ、永続化しない。
type AuthResult struct {
	Outcome AuthOutcome
	User    *User
	Token   string
	Message string
}
