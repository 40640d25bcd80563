// Package loginflow は2段階ログイン（資格情報 → 2FAコード）の状態遷移を提供する。
//
// 資格情報ステップではサーバーに問い合わせず、2FAコードと合わせて1回のリクエストで送信する。
// 1つのフローで同時に進行できる送信は1件のみ。
package loginflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/payportal/internal/model"
)

// Step はログインフローのステップ。
type Step string

const (
	StepCredentials   Step = "credentials"
	StepTwoFactor     Step = "two_factor"
	StepAuthenticated Step = "authenticated"
	StepSetupRequired Step = "setup_required"
)

var (
	// ErrOutOfOrder は現在のステップでは許可されない操作であることを示す。
	ErrOutOfOrder = errors.New("operation not allowed in current login step")
	// ErrSubmissionInFlight は同じフローで送信が進行中であることを示す。
	ErrSubmissionInFlight = errors.New("login submission already in flight")
	// ErrFlowDiscarded はフローが破棄済みであることを示す。破棄後に届いた結果は適用しない。
	ErrFlowDiscarded = errors.New("login flow discarded")
)

// Submitter は資格情報と2FAコードを認証に送る。セッションストアのLoginが実装する。
type Submitter interface {
	Login(ctx context.Context, creds model.Credentials) (*model.AuthResult, error)
}

// View はテンプレートに渡すフローの表示用スナップショット。パスワードは含めない。
type View struct {
	ID          string
	Step        Step
	Email       string
	CompanyID   string
	HasPassword bool
	FieldErrors FieldErrors
	Notice      *model.APIError
	Submitting  bool
}

// Flow は1つのブラウザに対応するログインフロー。
type Flow struct {
	mu sync.Mutex

	id        string
	step      Step
	email     string
	password  string
	companyID string
	code      string

	fieldErrors FieldErrors
	notice      *model.APIError
	submitting  bool
	discarded   bool
	expiresAt   time.Time
}

func newFlow(id string, expiresAt time.Time) *Flow {
	return &Flow{id: id, step: StepCredentials, expiresAt: expiresAt}
}

// ID はフローIDを返す。
func (f *Flow) ID() string {
	return f.id
}

// Step は現在のステップを返す。
func (f *Flow) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Code は入力中の2FAコードを返す。失敗時にクリアされたことの確認に使う。
func (f *Flow) Code() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

// View は表示用のスナップショットを返す。
func (f *Flow) View() View {
	f.mu.Lock()
	defer f.mu.Unlock()

	var fields FieldErrors
	if len(f.fieldErrors) > 0 {
		fields = make(FieldErrors, len(f.fieldErrors))
		for k, v := range f.fieldErrors {
			fields[k] = v
		}
	}
	return View{
		ID:          f.id,
		Step:        f.step,
		Email:       f.email,
		CompanyID:   f.companyID,
		HasPassword: f.password != "",
		FieldErrors: fields,
		Notice:      f.notice,
		Submitting:  f.submitting,
	}
}

// SubmitCredentials は資格情報を検証し、成功すれば2FAステップに進む。
// サーバーには問い合わせない。passwordが空の場合は保持しているパスワードを使う。検証に失敗した場合は*ValidationErrorを返し、ステップは変わらない。
func (f *Flow) SubmitCredentials(email, password, companyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.discarded {
		return ErrFlowDiscarded
	}
	if f.step != StepCredentials {
		return ErrOutOfOrder
	}

	email = strings.TrimSpace(email)
	companyID = strings.TrimSpace(companyID)

	f.email = email
	f.companyID = companyID
	// 戻る操作の後はパスワード欄が空で送られるため、保持しているものを使う
	if password != "" {
		f.password = password
	}
	f.notice = nil

	if errs := validateCredentials(email, strings.TrimSpace(f.password), companyID); errs != nil {
		f.fieldErrors = errs
		return &ValidationError{Fields: errs}
	}

	f.fieldErrors = nil
	f.code = ""
	f.step = StepTwoFactor
	return nil
}

// SubmitCode は2FAコードを資格情報と合わせて送信する。
//
// 2FA未設定の応答では終端のsetup_requiredに遷移する。
// コード拒否・認証拒否・通信エラーでは2FAステップに留まり、コードをクリアする。
// 成功時はauthenticatedに遷移し、認証結果を返す。
func (f *Flow) SubmitCode(ctx context.Context, code string, submitter Submitter) (*model.AuthResult, error) {
	f.mu.Lock()
	if f.discarded {
		f.mu.Unlock()
		return nil, ErrFlowDiscarded
	}
	if f.step != StepTwoFactor {
		f.mu.Unlock()
		return nil, ErrOutOfOrder
	}
	if f.submitting {
		f.mu.Unlock()
		return nil, ErrSubmissionInFlight
	}

	code = strings.TrimSpace(code)
	f.notice = nil
	if errs := validateCode(code); errs != nil {
		f.code = ""
		f.fieldErrors = errs
		f.mu.Unlock()
		return nil, &ValidationError{Fields: errs}
	}

	f.code = code
	f.fieldErrors = nil
	f.submitting = true
	creds := model.Credentials{
		Email:         f.email,
		Password:      f.password,
		CompanyID:     f.companyID,
		TwoFactorCode: code,
	}
	f.mu.Unlock()

	result, err := submitter.Login(ctx, creds)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitting = false
	if f.discarded {
		return nil, ErrFlowDiscarded
	}

	// 成功以外はいずれもコードをクリアする
	f.code = ""

	if err != nil {
		f.notice = model.NewBackendUnavailableError()
		return nil, err
	}

	switch result.Outcome {
	case model.AuthOutcomeAuthenticated:
		f.step = StepAuthenticated
		f.password = ""
	case model.AuthOutcomeRequires2FASetup:
		f.step = StepSetupRequired
		f.password = ""
		f.notice = model.NewTwoFactorSetupRequiredError()
	case model.AuthOutcomeRequires2FA:
		f.notice = model.NewTwoFactorRequiredError()
		if result.Message != "" {
			f.notice.Message = result.Message
		}
	default:
		f.notice = model.NewAuthRejectedError(result.Message)
	}

	return result, nil
}

// Back は2FAステップから資格情報ステップに戻る。
// 入力済みのコードは破棄し、メールアドレス・パスワード・会社IDは保持する。
func (f *Flow) Back() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.discarded {
		return ErrFlowDiscarded
	}
	if f.step != StepTwoFactor {
		return ErrOutOfOrder
	}
	if f.submitting {
		return ErrSubmissionInFlight
	}

	f.step = StepCredentials
	f.code = ""
	f.fieldErrors = nil
	f.notice = nil
	return nil
}

// discard はフローを破棄済みにし、保持している資格情報を消去する。
func (f *Flow) discard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = true
	f.password = ""
	f.code = ""
}

// expired は期限切れかを判定する。送信中のフローは期限切れにしない。
func (f *Flow) expired(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.submitting && !now.Before(f.expiresAt)
}
