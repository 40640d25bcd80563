// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MessageSanitizer はバックエンドから返されたメッセージ文字列から
// HTMLマークアップを取り除き、画面にプレーンテキストとして表示できるようにする。
// bluemondayのStrictPolicyを使用し、すべてのタグと属性を除去する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxMessageLength は画面に表示するメッセージの最大文字数（rune単位）。
const maxMessageLength = 300

// MessageSanitizerService はバックエンド由来メッセージのサニタイズ機能のインターフェース。
type MessageSanitizerService interface {
	// Sanitize はメッセージからタグを除去し、空白を正規化したプレーンテキストを返す。
	// 空文字列の入力には空文字列を返す。
	Sanitize(message string) string
}

// messageSanitizer はMessageSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなので共有して使う。
type messageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はMessageSanitizerServiceの新しいインスタンスを生成する。
func NewMessageSanitizer() *messageSanitizer {
	return &messageSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はメッセージからタグを除去する。
// StrictPolicyはエンティティをエスケープして返すため、テンプレート側での二重エスケープを避けるためにデコードする。
func (s *messageSanitizer) Sanitize(message string) string {
	if message == "" {
		return ""
	}

	stripped := html.UnescapeString(s.policy.Sanitize(message))
	normalized := strings.Join(strings.Fields(stripped), " ")

	runes := []rune(normalized)
	if len(runes) > maxMessageLength {
		return string(runes[:maxMessageLength]) + "…"
	}
	return normalized
}
