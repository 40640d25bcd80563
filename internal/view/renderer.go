// Package view はサーバー描画ページのテンプレートと静的ファイルを提供する。
package view

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/payportal/internal/loginflow"
	"github.com/hitoshi/payportal/internal/model"
	"github.com/hitoshi/payportal/internal/navigation"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static/*
var staticFS embed.FS

// ページテンプレート名。
const (
	PageLogin         = "login.html"
	PageTwoFactor     = "two_factor.html"
	PageSetupRequired = "setup_required.html"
	PageLoading       = "loading.html"
	PageDashboard     = "dashboard.html"
	PageTable         = "table.html"
	PageDetail        = "detail.html"
	PageError         = "error.html"
)

var pageNames = []string{
	PageLogin, PageTwoFactor, PageSetupRequired, PageLoading,
	PageDashboard, PageTable, PageDetail, PageError,
}

// Page はテンプレートに渡す共通データ。
// Layoutがnilのページ（ログイン画面など）はサイドバーを描画しない。
type Page struct {
	Title     string
	Layout    *Layout
	CSRFToken string
	HomePath  string
	Content   any
}

// Layout は認証済みページのシェル（サイドバー、パンくず、プロフィールメニュー）の表示内容。
type Layout struct {
	User        *model.User
	CurrentPath string
	Breadcrumb  []navigation.Crumb
	Menu        []navigation.MenuGroup
	Shell       navigation.Shell
}

// LoginContent はログインフローの各画面の表示内容。
type LoginContent struct {
	Flow       loginflow.View
	CodeLength int
}

// Stat はダッシュボードの集計値。
type Stat struct {
	Label string
	Value string
}

// DashboardContent はダッシュボードの表示内容。
type DashboardContent struct {
	Heading string
	Stats   []Stat
	Notice  *model.APIError
}

// TableContent は一覧ページの表示内容。
type TableContent struct {
	Heading string
	Columns []navigation.Column
	Rows    [][]string
	Notice  *model.APIError
}

// Field は詳細ページの1項目。
type Field struct {
	Label string
	Value string
}

// DetailContent は詳細ページの表示内容。
type DetailContent struct {
	Heading string
	Fields  []Field
	Notice  *model.APIError
}

// Renderer はページテンプレートを描画する。
type Renderer struct {
	pages  map[string]*template.Template
	logger *slog.Logger
}

// New は埋め込みテンプレートを解析してRendererを生成する。
func New(logger *slog.Logger) (*Renderer, error) {
	funcs := template.FuncMap{
		"withQuery": withQuery,
	}

	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		tmpl, err := template.New(name).Funcs(funcs).ParseFS(templatesFS,
			"templates/base.html", "templates/shell.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		pages[name] = tmpl
	}

	return &Renderer{pages: pages, logger: logger}, nil
}

// Render はページを描画してレスポンスに書き込む。
// 途中で失敗した場合に部分的なHTMLを返さないよう、バッファに描画してから書き込む。
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, page Page) {
	tmpl, ok := r.pages[name]
	if !ok {
		r.logger.Error("unknown page template", slog.String("page", name))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base", page); err != nil {
		r.logger.Error("failed to render page",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// RenderLoading はセッション確認中の中立的なロード画面を描画する。
func (r *Renderer) RenderLoading(w http.ResponseWriter, _ *http.Request) {
	r.Render(w, http.StatusOK, PageLoading, Page{})
}

// RenderError はエラーページを描画する。
func (r *Renderer) RenderError(w http.ResponseWriter, status int, apiErr *model.APIError, homePath string) {
	r.Render(w, status, PageError, Page{HomePath: homePath, Content: apiErr})
}

// StaticHandler は埋め込みの静的ファイルを配信するハンドラーを返す。
// /static/ 配下にマウントする前提でプレフィックスを取り除く。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServerFS(sub))
}

// withQuery はパスにクエリ文字列を付ける。queryは "?" から始まるか空文字列。
func withQuery(path, query string) string {
	if query == "" {
		return path
	}
	if !strings.HasPrefix(query, "?") {
		query = "?" + query
	}
	return path + query
}
