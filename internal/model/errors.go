package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, transport, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_FAILED"
	ErrCodeAuthRejected       = "AUTH_REJECTED"
	ErrCodeTwoFactorRequired  = "TWO_FACTOR_REQUIRED"
	ErrCodeTwoFactorSetup     = "TWO_FACTOR_SETUP_REQUIRED"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeSessionLoading     = "SESSION_LOADING"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeSubmissionPending  = "SUBMISSION_IN_FLIGHT"
	ErrCodeFlowExpired        = "LOGIN_FLOW_EXPIRED"
	ErrCodeNotFound           = "NOT_FOUND"
)

// NewValidationError は入力検証エラーを生成する。
// ネットワークには到達しない。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewAuthRejectedError は認証拒否エラーを生成する。
// バックエンドのメッセージがあればそれを優先する。
func NewAuthRejectedError(message string) *APIError {
	if message == "" {
		message = "メールアドレス、パスワード、または会社IDが正しくありません。"
	}
	return &APIError{
		Code:     ErrCodeAuthRejected,
		Message:  message,
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewTwoFactorRequiredError は2FAコードが拒否された場合のエラーを生成する。
func NewTwoFactorRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTwoFactorRequired,
		Message:  "認証コードが正しくありません。",
		Category: "auth",
		Action:   "認証アプリに表示されている最新の6桁のコードを入力してください。",
	}
}

// NewTwoFactorSetupRequiredError は2FA未設定エラーを生成する。
func NewTwoFactorSetupRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTwoFactorSetup,
		Message:  "このアカウントは二要素認証が設定されていません。",
		Category: "auth",
		Action:   "管理者に連絡して二要素認証を設定してもらってください。",
	}
}

// NewBackendUnavailableError は通信エラーを生成する。再試行で回復可能。
func NewBackendUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeBackendUnavailable,
		Message:  "サーバーとの通信に失敗しました。",
		Category: "transport",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewSessionLoadingError はセッション確認中であることを示すエラーを生成する。
func NewSessionLoadingError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionLoading,
		Message:  "セッションを確認しています。",
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "指定された時間を待ってから再度お試しください。",
	}
}

// NewSubmissionInFlightError は送信処理中の二重送信エラーを生成する。
func NewSubmissionInFlightError() *APIError {
	return &APIError{
		Code:     ErrCodeSubmissionPending,
		Message:  "認証処理を実行中です。",
		Category: "auth",
		Action:   "処理が完了するまでお待ちください。",
	}
}

// NewFlowExpiredError はログインフローの期限切れエラーを生成する。
func NewFlowExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeFlowExpired,
		Message:  "ログイン手続きの有効期限が切れました。",
		Category: "auth",
		Action:   "最初からログインし直してください。",
	}
}

// NewNotFoundError はページ未検出エラーを生成する。
func NewNotFoundError(path string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("指定されたページが見つかりません: %s", path),
		Category: "system",
		Action:   "メニューからページを選択してください。",
	}
}
