package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/payportal/internal/metrics"
	"github.com/hitoshi/payportal/internal/model"
)

// SessionCookieName はブラウザセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// ガード判定の種別。メトリクスのラベルに使う。
const (
	DecisionLoading         = "loading"
	DecisionUnauthenticated = "unauthenticated"
	DecisionAuthenticated   = "authenticated"
)

// SessionResolver はセッション状態の解決に必要なインターフェース。
// session.Managerが実装する。
type SessionResolver interface {
	Resolve(ctx context.Context, sessionID, token string) (model.SessionState, error)
}

// GuardMode はガードの応答形式。
type GuardMode int

const (
	// GuardModeHTML はページ用。ロード中はロード画面、未認証はログインへのリダイレクト。
	GuardModeHTML GuardMode = iota
	// GuardModeAPI はAPI用。ロード中は503、未認証は401のJSONを返す。
	GuardModeAPI
)

// GuardConfig はルートガードの設定。
type GuardConfig struct {
	Mode            GuardMode
	LoginPath       string
	TokenCookieName string
	// RenderLoading はロード画面を描画する。nilの場合は最小限のHTMLを返す。
	RenderLoading func(w http.ResponseWriter, r *http.Request)
	Metrics       metrics.MetricsCollector
	Logger        *slog.Logger
}

// NewRouteGuard はセッション状態に応じて保護されたハンドラーの実行を制御するミドルウェアを返す。
//
// ロード中は認証状態に関わらず子ハンドラーを実行しない。
// 未認証の場合はエラーメッセージを出さずにログインへ誘導する。
// 認証済みの場合はユーザーとセッションIDをコンテキストに注入して子ハンドラーを実行する。
func NewRouteGuard(resolver SessionResolver, cfg GuardConfig) func(next http.Handler) http.Handler {
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.TokenCookieName == "" {
		cfg.TokenCookieName = "auth_token"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := cookieValue(r, SessionCookieName)
			token := cookieValue(r, cfg.TokenCookieName)

			state, err := resolver.Resolve(r.Context(), sessionID, token)
			if err != nil {
				cfg.Logger.Error("failed to resolve session",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				state = model.SessionState{}
			}

			switch {
			case state.IsLoading:
				cfg.Metrics.RecordGuardDecision(DecisionLoading)
				writeLoading(w, r, cfg)
			case !state.IsAuthenticated || state.User == nil:
				cfg.Metrics.RecordGuardDecision(DecisionUnauthenticated)
				writeUnauthenticated(w, r, cfg)
			default:
				cfg.Metrics.RecordGuardDecision(DecisionAuthenticated)
				ctx := ContextWithUser(r.Context(), state.User)
				ctx = ContextWithSessionID(ctx, sessionID)
				next.ServeHTTP(w, r.WithContext(ctx))
			}
		})
	}
}

func writeLoading(w http.ResponseWriter, r *http.Request, cfg GuardConfig) {
	w.Header().Set("Cache-Control", "no-store")

	if cfg.Mode == GuardModeAPI {
		w.Header().Set("Retry-After", "1")
		WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewSessionLoadingError())
		return
	}

	// ブラウザは1秒後に同じURLを再読み込みし、その時点の判定を受け直す
	w.Header().Set("Refresh", "1")
	if cfg.RenderLoading != nil {
		cfg.RenderLoading(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`<!DOCTYPE html><html><head><title>Loading</title></head><body><p role="status">Loading…</p></body></html>`))
}

func writeUnauthenticated(w http.ResponseWriter, r *http.Request, cfg GuardConfig) {
	w.Header().Set("Cache-Control", "no-store")

	if cfg.Mode == GuardModeAPI {
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	w.Header().Set("Location", cfg.LoginPath)
	w.WriteHeader(http.StatusSeeOther)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
