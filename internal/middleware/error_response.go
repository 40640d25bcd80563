package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/payportal/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// statusByCode はエラーコードごとの既定のHTTPステータス。
var statusByCode = map[string]int{
	model.ErrCodeValidation:         http.StatusUnprocessableEntity,
	model.ErrCodeAuthRejected:       http.StatusUnauthorized,
	model.ErrCodeTwoFactorRequired:  http.StatusAccepted,
	model.ErrCodeTwoFactorSetup:     http.StatusForbidden,
	model.ErrCodeBackendUnavailable: http.StatusBadGateway,
	model.ErrCodeUnauthenticated:    http.StatusUnauthorized,
	model.ErrCodeSessionLoading:     http.StatusServiceUnavailable,
	model.ErrCodeRateLimited:        http.StatusTooManyRequests,
	model.ErrCodeSubmissionPending:  http.StatusConflict,
	model.ErrCodeFlowExpired:        http.StatusGone,
	model.ErrCodeNotFound:           http.StatusNotFound,
}

// StatusForError はAPIErrorのコードに対応するHTTPステータスを返す。
// 未知のコードは500とする。
func StatusForError(apiErr *model.APIError) int {
	if apiErr == nil {
		return http.StatusInternalServerError
	}
	if status, ok := statusByCode[apiErr.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// 認証情報を扱う応答のため、キャッシュは禁止する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteAPIError はコードに対応するステータスでAPIErrorを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForError(apiErr), apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
