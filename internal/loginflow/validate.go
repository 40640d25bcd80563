package loginflow

import (
	"net/mail"
	"strings"
	"unicode/utf8"
)

// CodeLength は2FAコードの文字数。
const CodeLength = 6

// フィールド名。テンプレートのname属性と一致させる。
const (
	FieldEmail     = "email"
	FieldPassword  = "password"
	FieldCompanyID = "company_id"
	FieldCode      = "code"
)

// FieldErrors はフィールド名ごとの検証エラーメッセージ。
type FieldErrors map[string]string

// ValidationError は入力検証の失敗を表す。ネットワークには到達しない。
type ValidationError struct {
	Fields FieldErrors
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	return "invalid fields: " + strings.Join(names, ", ")
}

// validateCredentials は資格情報の入力を検証する。
// 3項目すべての存在と、メールアドレスの形式を確認する。
func validateCredentials(email, password, companyID string) FieldErrors {
	errs := FieldErrors{}

	switch {
	case email == "":
		errs[FieldEmail] = "メールアドレスを入力してください。"
	case !isValidEmail(email):
		errs[FieldEmail] = "メールアドレスの形式が正しくありません。"
	}
	if password == "" {
		errs[FieldPassword] = "パスワードを入力してください。"
	}
	if companyID == "" {
		errs[FieldCompanyID] = "会社IDを入力してください。"
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// isValidEmail はメールアドレスがアドレス部のみで構成され、ドメインにドットを含むかを判定する。
// "Name <a@b.c>" のような表示名付きの形式は受け付けない。
func isValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return false
	}
	at := strings.LastIndex(email, "@")
	domain := email[at+1:]
	return strings.Contains(domain, ".") && !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}

// validateCode は2FAコードがちょうど6文字であることを検証する。
func validateCode(code string) FieldErrors {
	if utf8.RuneCountInString(code) != CodeLength {
		return FieldErrors{FieldCode: "6桁の認証コードを入力してください。"}
	}
	return nil
}
