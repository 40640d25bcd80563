package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/payportal/internal/loginflow"
	"github.com/hitoshi/payportal/internal/metrics"
	"github.com/hitoshi/payportal/internal/middleware"
	"github.com/hitoshi/payportal/internal/navigation"
	"github.com/hitoshi/payportal/internal/view"
)

// HealthChecker はヘルスチェックで依存先の疎通を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Sessions          SessionService
	CORSAllowedOrigin string
	TrustProxy        bool
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	HealthChecker     HealthChecker
	Logger            *slog.Logger

	// 認証
	Flows      *loginflow.FlowStore
	AuthConfig AuthHandlerConfig

	// ページ
	Renderer *view.Renderer
	Routes   *navigation.Table
	Fetcher  DataFetcher

	// APIプロキシ
	Proxy http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → RequestID → Logging → Recovery → SecurityHeaders → CORS → CSRF
//
// 保護ページ（/outsourced/*）はHTMLモード、データAPI（/api/*）はAPIモードのルートガードの内側に置く。
func NewRouter(deps *RouterDeps) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()

	// X-Forwarded-For はリバースプロキシ配下でのみ信頼する
	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.CSRF.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Sessions, deps.Flows, deps.Renderer, deps.Metrics, deps.Logger, deps.AuthConfig)
	pageHandler := NewPageHandler(deps.Routes, deps.Fetcher, deps.Sessions, deps.Renderer, deps.Logger, PageHandlerConfig{
		CookieDomain:    deps.AuthConfig.CookieDomain,
		CookieSecure:    deps.AuthConfig.CookieSecure,
		TokenCookieName: deps.AuthConfig.TokenCookieName,
		LoginPath:       authHandler.config.LoginPath,
	})

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker, deps.Logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Handle("/static/*", view.StaticHandler())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, deps.AuthConfig.DashboardPath, http.StatusSeeOther)
	})

	// フォームとJSONの状態変更リクエストはすべてCSRF検証を通す
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		// ログインフロー
		r.Route("/login", func(r chi.Router) {
			r.Get("/", authHandler.LoginPage)
			r.Post("/back", authHandler.Back)
			r.Post("/reset", authHandler.Reset)

			// 送信は接続元IPごとにレート制限する
			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.LoginMiddleware(authHandler.LoginRateLimited))
				r.Post("/", authHandler.SubmitCredentials)
				r.Post("/verify", authHandler.SubmitCode)
			})
		})

		// セッション管理
		r.Route("/auth", func(r chi.Router) {
			r.Post("/logout", authHandler.Logout)
			r.Get("/session", authHandler.Session)
			r.Post("/session/check", authHandler.CheckSession)
		})

		// --- 認証が必要なルート ---

		// 保護ページ: ロード中はロード画面、未認証はログインへリダイレクト
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRouteGuard(deps.Sessions, middleware.GuardConfig{
				Mode:            middleware.GuardModeHTML,
				LoginPath:       authHandler.config.LoginPath,
				TokenCookieName: deps.AuthConfig.TokenCookieName,
				RenderLoading:   deps.Renderer.RenderLoading,
				Metrics:         deps.Metrics,
				Logger:          deps.Logger,
			}))

			r.Get(deps.Routes.Base, pageHandler.ServeHTTP)
			r.Get(deps.Routes.Base+"/*", pageHandler.ServeHTTP)
		})

		// データAPI: ロード中は503、未認証は401
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRouteGuard(deps.Sessions, middleware.GuardConfig{
				Mode:            middleware.GuardModeAPI,
				TokenCookieName: deps.AuthConfig.TokenCookieName,
				Metrics:         deps.Metrics,
				Logger:          deps.Logger,
			}))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Handle("/api/*", deps.Proxy)
		})
	})

	r.NotFound(pageHandler.NotFound)

	return r
}

// healthHandler はプロセスとDBの疎通を返すハンドラー。
func healthHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")

		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				logger.Error("health check failed", slog.String("error", err.Error()))
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}
