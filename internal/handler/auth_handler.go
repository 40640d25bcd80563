// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/payportal/internal/loginflow"
	"github.com/hitoshi/payportal/internal/metrics"
	"github.com/hitoshi/payportal/internal/middleware"
	"github.com/hitoshi/payportal/internal/model"
	"github.com/hitoshi/payportal/internal/session"
	"github.com/hitoshi/payportal/internal/view"
)

const (
	sessionCookieName = middleware.SessionCookieName
	flowCookieName    = "login_flow"
	flowCookiePath    = "/login"
)

// loginOutcomeTransportError は通信エラーで終わったログイン試行のメトリクスラベル。
const loginOutcomeTransportError = "transport_error"

// SessionService は認証ハンドラーが必要とするセッション操作。
type SessionService interface {
	Resolve(ctx context.Context, sessionID, token string) (model.SessionState, error)
	Check(ctx context.Context, sessionID, token string) (model.SessionState, error)
	// Begin はログイン用に新しいセッションを作り、そのIDと送信先を返す。
	Begin(ctx context.Context) (string, loginflow.Submitter, error)
	Logout(ctx context.Context, sessionID, token string) error
	Teardown(ctx context.Context, sessionID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain    string
	CookieSecure    bool
	SessionMaxAge   time.Duration
	FlowTTL         time.Duration
	TokenCookieName string
	DashboardPath   string
	LoginPath       string
}

// AuthHandler はログインフローとセッションのHTTPハンドラー。
type AuthHandler struct {
	sessions SessionService
	flows    *loginflow.FlowStore
	renderer *view.Renderer
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	config   AuthHandlerConfig
	now      func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(
	sessions SessionService,
	flows *loginflow.FlowStore,
	renderer *view.Renderer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config AuthHandlerConfig,
) *AuthHandler {
	if config.LoginPath == "" {
		config.LoginPath = "/login"
	}
	if config.TokenCookieName == "" {
		config.TokenCookieName = "auth_token"
	}
	return &AuthHandler{
		sessions: sessions,
		flows:    flows,
		renderer: renderer,
		metrics:  collector,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// LoginPage はログインフローの現在のステップを表示する。
// 認証済みの場合はダッシュボードへ、セッション確認中はロード画面を表示する。
// GET /login
func (h *AuthHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	state, err := h.sessions.Resolve(r.Context(), cookieValue(r, sessionCookieName), cookieValue(r, h.config.TokenCookieName))
	if err != nil {
		h.logger.Error("failed to resolve session", slog.String("error", err.Error()))
		state = model.SessionState{}
	}
	if state.IsLoading {
		w.Header().Set("Refresh", "1")
		h.renderer.RenderLoading(w, r)
		return
	}
	if state.IsAuthenticated {
		http.Redirect(w, r, h.config.DashboardPath, http.StatusSeeOther)
		return
	}

	flow := h.currentFlow(r)
	if flow == nil {
		flow = h.startFlow(w)
	}
	if flow.Step() == loginflow.StepAuthenticated {
		h.flows.Discard(flow.ID())
		flow = h.startFlow(w)
	}
	h.renderFlow(w, r, http.StatusOK, flow.View())
}

// SubmitCredentials は資格情報ステップを処理する。サーバーには問い合わせない。
// POST /login
func (h *AuthHandler) SubmitCredentials(w http.ResponseWriter, r *http.Request) {
	flow := h.currentFlow(r)
	if flow == nil {
		flow = h.startFlow(w)
	}

	err := flow.SubmitCredentials(
		r.PostFormValue(loginflow.FieldEmail),
		r.PostFormValue(loginflow.FieldPassword),
		r.PostFormValue(loginflow.FieldCompanyID),
	)

	var verr *loginflow.ValidationError
	switch {
	case err == nil:
		http.Redirect(w, r, h.config.LoginPath, http.StatusSeeOther)
	case errors.As(err, &verr):
		h.renderFlow(w, r, http.StatusUnprocessableEntity, flow.View())
	default:
		// 別ステップからの送信や破棄済みのフローは現在の画面に戻す
		http.Redirect(w, r, h.config.LoginPath, http.StatusSeeOther)
	}
}

// SubmitCode は2FAコードを資格情報と合わせて送信する。
// 成功時はセッションCookieとトークンCookieを設定し、ダッシュボードへ1回だけリダイレクトする。
// POST /login/verify
func (h *AuthHandler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	flow := h.currentFlow(r)
	if flow == nil {
		h.renderExpired(w, r)
		return
	}
	if flow.Step() != loginflow.StepTwoFactor {
		http.Redirect(w, r, h.config.LoginPath, http.StatusSeeOther)
		return
	}

	sessionID, submitter, err := h.sessions.Begin(r.Context())
	if err != nil {
		h.logger.Error("failed to begin session", slog.String("error", err.Error()))
		h.renderer.RenderError(w, http.StatusInternalServerError, model.NewBackendUnavailableError(), h.config.LoginPath)
		return
	}

	result, err := flow.SubmitCode(r.Context(), r.PostFormValue(loginflow.FieldCode), submitter)

	var verr *loginflow.ValidationError
	switch {
	case errors.As(err, &verr):
		h.discardSession(r.Context(), sessionID)
		h.renderFlow(w, r, http.StatusUnprocessableEntity, flow.View())
		return
	case errors.Is(err, loginflow.ErrSubmissionInFlight):
		h.discardSession(r.Context(), sessionID)
		fv := flow.View()
		fv.Notice = model.NewSubmissionInFlightError()
		h.renderFlow(w, r, http.StatusConflict, fv)
		return
	case errors.Is(err, loginflow.ErrFlowDiscarded), errors.Is(err, loginflow.ErrOutOfOrder):
		// 破棄後に届いた結果は適用しない
		h.discardSession(r.Context(), sessionID)
		http.Redirect(w, r, h.config.LoginPath, http.StatusSeeOther)
		return
	case err != nil:
		h.discardSession(r.Context(), sessionID)
		h.metrics.RecordLoginOutcome(loginOutcomeTransportError)
		h.logger.Warn("login submission failed", slog.String("error", err.Error()))
		h.renderFlow(w, r, http.StatusBadGateway, flow.View())
		return
	}

	h.metrics.RecordLoginOutcome(string(result.Outcome))

	switch result.Outcome {
	case model.AuthOutcomeAuthenticated:
		h.completeLogin(w, r, flow, sessionID, result)
	case model.AuthOutcomeRequires2FASetup:
		// 終端状態。セッションは作らずフローも破棄する
		h.discardSession(r.Context(), sessionID)
		fv := flow.View()
		h.flows.Discard(flow.ID())
		h.clearCookie(w, flowCookieName, flowCookiePath)
		h.renderFlow(w, r, http.StatusForbidden, fv)
	default:
		h.discardSession(r.Context(), sessionID)
		h.renderFlow(w, r, http.StatusUnauthorized, flow.View())
	}
}

// Back は2FAステップから資格情報ステップに戻る。
// POST /login/back
func (h *AuthHandler) Back(w http.ResponseWriter, r *http.Request) {
	if flow := h.currentFlow(r); flow != nil {
		if err := flow.Back(); err != nil && !errors.Is(err, loginflow.ErrOutOfOrder) {
			h.logger.Debug("login back ignored", slog.String("error", err.Error()))
		}
	}
	http.Redirect(w, r, h.config.LoginPath, http.StatusSeeOther)
}

// Reset は現在のフローを破棄して最初からやり直す。2FA未設定の終端画面から使う。
// POST /login/reset
func (h *AuthHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if id := cookieValue(r, flowCookieName); id != "" {
		h.flows.Discard(id)
	}
	h.clearCookie(w, flowCookieName, flowCookiePath)
	http.Redirect(w, r, h.config.LoginPath, http.StatusSeeOther)
}

// Logout はセッションを破棄し、ログイン画面へリダイレクトする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID := cookieValue(r, sessionCookieName)
	token := cookieValue(r, h.config.TokenCookieName)

	if err := h.sessions.Logout(r.Context(), sessionID, token); err != nil {
		// ログアウト失敗してもCookieはクリアする
		h.logger.Error("failed to logout", slog.String("error", err.Error()))
	}

	h.clearCookie(w, sessionCookieName, "/")
	h.clearCookie(w, h.config.TokenCookieName, "/")
	http.Redirect(w, r, h.config.LoginPath, http.StatusSeeOther)
}

// sessionResponse はセッション状態のJSON表現。
type sessionResponse struct {
	IsAuthenticated bool        `json:"isAuthenticated"`
	IsLoading       bool        `json:"isLoading"`
	User            *model.User `json:"user"`
}

// Session は現在のセッション状態を返す。アプリのシェルが初期表示に使う。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	state, err := h.sessions.Resolve(r.Context(), cookieValue(r, sessionCookieName), cookieValue(r, h.config.TokenCookieName))
	if err != nil {
		h.logger.Error("failed to resolve session", slog.String("error", err.Error()))
		state = model.SessionState{}
	}
	writeSession(w, http.StatusOK, state)
}

// CheckSession はバックグラウンドでのセッション確認を開始する。
// POST /auth/session/check
func (h *AuthHandler) CheckSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.sessions.Check(r.Context(), cookieValue(r, sessionCookieName), cookieValue(r, h.config.TokenCookieName))
	if err != nil {
		h.logger.Error("failed to check session", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	writeSession(w, http.StatusAccepted, state)
}

// LoginRateLimited はログイン送信のレート制限超過時に現在の画面を再描画する。
func (h *AuthHandler) LoginRateLimited(w http.ResponseWriter, r *http.Request, _ int) {
	var fv loginflow.View
	if flow := h.currentFlow(r); flow != nil {
		fv = flow.View()
	} else {
		fv = loginflow.View{Step: loginflow.StepCredentials}
	}
	fv.Notice = model.NewRateLimitedError()
	h.renderFlow(w, r, http.StatusTooManyRequests, fv)
}

// completeLogin はセッションとトークンのCookieを設定してフローを終える。
func (h *AuthHandler) completeLogin(w http.ResponseWriter, r *http.Request, flow *loginflow.Flow, sessionID string, result *model.AuthResult) {
	h.flows.Discard(flow.ID())
	h.clearCookie(w, flowCookieName, flowCookiePath)

	// ログイン前のセッションは引き継がない
	if previous := cookieValue(r, sessionCookieName); previous != "" && previous != sessionID {
		h.discardSession(r.Context(), previous)
	}

	now := h.now()
	expiresAt := now.Add(h.config.SessionMaxAge)
	if exp, ok := session.TokenExpiry(result.Token); ok && exp.Before(expiresAt) {
		expiresAt = exp
	}
	maxAge := int(expiresAt.Sub(now).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}

	h.setCookie(w, sessionCookieName, sessionID, "/", maxAge)
	if result.Token != "" {
		h.setCookie(w, h.config.TokenCookieName, result.Token, "/", maxAge)
	} else {
		// トークンを返さないバックエンドでは前回のトークンを残さない
		h.clearCookie(w, h.config.TokenCookieName, "/")
	}

	h.logger.Info("login succeeded", slog.String("user_id", result.User.ID))
	http.Redirect(w, r, h.config.DashboardPath, http.StatusSeeOther)
}

// currentFlow はCookieのフローIDに対応する有効なフローを返す。
func (h *AuthHandler) currentFlow(r *http.Request) *loginflow.Flow {
	id := cookieValue(r, flowCookieName)
	if id == "" {
		return nil
	}
	return h.flows.Get(id)
}

// startFlow は新しいフローを作り、フローCookieを設定する。
func (h *AuthHandler) startFlow(w http.ResponseWriter) *loginflow.Flow {
	flow := h.flows.Create()
	h.setCookie(w, flowCookieName, flow.ID(), flowCookiePath, int(h.config.FlowTTL.Seconds()))
	return flow
}

// renderExpired はフローの期限切れを通知し、新しいフローで資格情報ステップを表示する。
func (h *AuthHandler) renderExpired(w http.ResponseWriter, r *http.Request) {
	flow := h.startFlow(w)
	fv := flow.View()
	fv.Notice = model.NewFlowExpiredError()
	h.renderFlow(w, r, http.StatusGone, fv)
}

func (h *AuthHandler) renderFlow(w http.ResponseWriter, r *http.Request, status int, fv loginflow.View) {
	page := view.PageLogin
	title := "ログイン"
	switch fv.Step {
	case loginflow.StepTwoFactor:
		page, title = view.PageTwoFactor, "2段階認証"
	case loginflow.StepSetupRequired:
		page, title = view.PageSetupRequired, "2段階認証の設定が必要です"
	}

	h.renderer.Render(w, status, page, view.Page{
		Title:     title,
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
		HomePath:  h.config.LoginPath,
		Content:   view.LoginContent{Flow: fv, CodeLength: loginflow.CodeLength},
	})
}

// discardSession はログインに使わなかったセッションを破棄する。
func (h *AuthHandler) discardSession(ctx context.Context, sessionID string) {
	if err := h.sessions.Teardown(ctx, sessionID); err != nil {
		h.logger.Warn("failed to discard session",
			slog.String("error", err.Error()),
		)
	}
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, name, value, path string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name, path string) {
	h.setCookie(w, name, "", path, -1)
}

func writeSession(w http.ResponseWriter, status int, state model.SessionState) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(sessionResponse{
		IsAuthenticated: state.IsAuthenticated,
		IsLoading:       state.IsLoading,
		User:            state.User,
	})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
