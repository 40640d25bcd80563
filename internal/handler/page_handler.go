package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/payportal/internal/backend"
	"github.com/hitoshi/payportal/internal/middleware"
	"github.com/hitoshi/payportal/internal/model"
	"github.com/hitoshi/payportal/internal/navigation"
	"github.com/hitoshi/payportal/internal/view"
)

// DataFetcher はページ表示用のデータをバックエンドから取得する。backend.Clientが実装する。
type DataFetcher interface {
	GetJSON(ctx context.Context, token, path string, out any) error
}

// PageHandlerConfig はページハンドラーの設定。
type PageHandlerConfig struct {
	CookieDomain    string
	CookieSecure    bool
	TokenCookieName string
	LoginPath       string
}

// PageHandler はルート表に載っている保護ページを描画する。
// ルートガードの内側に配置し、ユーザーがコンテキストにある前提で動く。
type PageHandler struct {
	routes   *navigation.Table
	fetcher  DataFetcher
	sessions SessionService
	renderer *view.Renderer
	logger   *slog.Logger
	config   PageHandlerConfig
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(
	routes *navigation.Table,
	fetcher DataFetcher,
	sessions SessionService,
	renderer *view.Renderer,
	logger *slog.Logger,
	config PageHandlerConfig,
) *PageHandler {
	if config.LoginPath == "" {
		config.LoginPath = "/login"
	}
	if config.TokenCookieName == "" {
		config.TokenCookieName = "auth_token"
	}
	return &PageHandler{
		routes:   routes,
		fetcher:  fetcher,
		sessions: sessions,
		renderer: renderer,
		logger:   logger,
		config:   config,
	}
}

// ServeHTTP はパスに対応するページを描画する。
// 給与額などはバックエンドが計算した値をそのまま表示する。
func (h *PageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, h.config.LoginPath, http.StatusSeeOther)
		return
	}

	layout := h.layout(r, user)

	item, _, found := h.routes.Lookup(r.URL.Path)
	if !found {
		h.render(w, r, http.StatusNotFound, view.PageError, "エラー", layout, model.NewNotFoundError(r.URL.Path))
		return
	}

	token := cookieValue(r, h.config.TokenCookieName)

	var raw any
	var notice *model.APIError
	status := http.StatusOK
	if err := h.fetcher.GetJSON(r.Context(), token, item.Source, &raw); err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			h.expireSession(w, r)
			return
		}
		status, notice = h.fetchFailure(item, err)
		raw = nil
	}

	switch item.Kind {
	case navigation.KindDashboard:
		h.render(w, r, status, view.PageDashboard, item.Label, layout, view.DashboardContent{
			Heading: item.Label,
			Stats:   toStats(raw),
			Notice:  notice,
		})
	case navigation.KindTable:
		h.render(w, r, status, view.PageTable, item.Label, layout, view.TableContent{
			Heading: item.Label,
			Columns: item.Columns,
			Rows:    toRows(raw, item.Columns),
			Notice:  notice,
		})
	default:
		h.render(w, r, status, view.PageDetail, item.Label, layout, view.DetailContent{
			Heading: item.Label,
			Fields:  toFields(raw),
			Notice:  notice,
		})
	}
}

// NotFound はルート表にないパスのエラーページを描画する。
func (h *PageHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.renderer.RenderError(w, http.StatusNotFound, model.NewNotFoundError(r.URL.Path), h.routes.Home.Path)
}

func (h *PageHandler) fetchFailure(item navigation.Item, err error) (int, *model.APIError) {
	if errors.Is(err, backend.ErrNotFound) {
		return http.StatusNotFound, model.NewNotFoundError(item.Path)
	}
	h.logger.Warn("failed to fetch page data",
		slog.String("source", item.Source),
		slog.String("error", err.Error()),
	)
	return http.StatusBadGateway, model.NewBackendUnavailableError()
}

// expireSession はバックエンドがトークンを拒否した場合にセッションを破棄してログインへ戻す。
func (h *PageHandler) expireSession(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionIDFromContext(r.Context())
	if err := h.sessions.Teardown(r.Context(), sessionID); err != nil {
		h.logger.Warn("failed to discard session", slog.String("error", err.Error()))
	}

	for _, name := range []string{sessionCookieName, h.config.TokenCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   h.config.CookieDomain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.config.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	http.Redirect(w, r, h.config.LoginPath, http.StatusSeeOther)
}

func (h *PageHandler) layout(r *http.Request, user *model.User) *view.Layout {
	shell := navigation.ParseShell(r.URL.Query())
	return &view.Layout{
		User:        user,
		CurrentPath: r.URL.Path,
		Breadcrumb:  h.routes.Breadcrumb(r.URL.Path),
		Menu:        h.routes.Menu(r.URL.Path, shell.Expanded),
		Shell:       shell,
	}
}

func (h *PageHandler) render(w http.ResponseWriter, r *http.Request, status int, page, title string, layout *view.Layout, content any) {
	h.renderer.Render(w, status, page, view.Page{
		Title:     title,
		Layout:    layout,
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
		HomePath:  h.routes.Home.Path,
		Content:   content,
	})
}
