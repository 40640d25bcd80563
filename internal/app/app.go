package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/payportal/internal/backend"
	"github.com/hitoshi/payportal/internal/config"
	"github.com/hitoshi/payportal/internal/database"
	"github.com/hitoshi/payportal/internal/handler"
	"github.com/hitoshi/payportal/internal/logger"
	"github.com/hitoshi/payportal/internal/loginflow"
	"github.com/hitoshi/payportal/internal/metrics"
	"github.com/hitoshi/payportal/internal/middleware"
	"github.com/hitoshi/payportal/internal/navigation"
	"github.com/hitoshi/payportal/internal/repository"
	"github.com/hitoshi/payportal/internal/security"
	"github.com/hitoshi/payportal/internal/session"
	"github.com/hitoshi/payportal/internal/telemetry"
	"github.com/hitoshi/payportal/internal/view"
	"github.com/hitoshi/payportal/internal/worker/cleanup"
)

// serviceName はトレースに付けるサービス名。
const serviceName = "payportal"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	inv, err := ParseArgs(args)
	if err != nil {
		return fmt.Errorf("%w\n\n%s", err, Usage())
	}
	cmd := inv.Command

	switch cmd {
	case CommandHelp:
		if w == nil {
			w = os.Stdout
		}
		_, err := io.WriteString(w, Usage())
		return err
	case CommandHealthcheck:
		// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
		port := inv.Port
		if port == "" {
			port = os.Getenv("SERVER_PORT")
		}
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openSessionStore はDATABASE_URLに応じてPostgreSQLまたはSQLiteを開き、セッションリポジトリを返す。
func openSessionStore(ctx context.Context, databaseURL string) (*sql.DB, repository.SessionRepository, error) {
	if database.IsSQLite(databaseURL) {
		db, err := database.OpenSQLite(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		return db, repository.NewSQLiteSessionRepo(db), nil
	}

	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, repository.NewPostgresSessionRepo(db), nil
}

// server はserveプロセスで組み立てた依存関係。
type server struct {
	handler  http.Handler
	sessions *session.Manager
	flows    *loginflow.FlowStore
	limiter  *middleware.RateLimiter
	janitor  *cleanup.Janitor
}

// close はレート制限のクリーンアップを止め、実行中のセッション確認を待つ。
func (s *server) close() {
	s.limiter.Stop()
	s.sessions.Wait()
}

// newServer は全依存関係をワイヤリングする。
func newServer(ctx context.Context, cfg *config.Config, db *sql.DB, repo repository.SessionRepository, reg *prometheus.Registry) (*server, error) {
	log := slog.Default()

	// 1. メトリクス
	collector := metrics.NewCollector(reg)

	// 2. バックエンドクライアント
	backendClient := backend.NewClient(
		&http.Client{Timeout: cfg.BackendTimeout},
		cfg.BackendURL,
		security.NewMessageSanitizer(),
		collector,
		log,
	)

	// 3. セッションストア
	sessions := session.NewManager(backendClient, repo, collector, log, session.Config{
		MaxAge:         cfg.SessionMaxAgeDuration(),
		RefreshTimeout: cfg.SessionCheckTimeout,
	})
	if err := sessions.Init(ctx); err != nil {
		return nil, err
	}

	// 4. ログインフローと画面
	flows := loginflow.NewFlowStore(cfg.LoginFlowTTL)
	renderer, err := view.New(log)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}
	routes, err := navigation.Default()
	if err != nil {
		return nil, fmt.Errorf("failed to load route table: %w", err)
	}

	// 5. APIプロキシ
	backendURL, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend url: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.BackendTimeout
	proxy := handler.NewAPIProxy(handler.APIProxyConfig{
		BackendURL:      backendURL,
		TokenCookieName: cfg.TokenCookieName,
		Transport:       transport,
		Metrics:         collector,
		Logger:          log,
	})

	// 6. ルーターの構築
	// configのレート制限はreq/min単位。NewRateLimiterConfigがreq/secに変換する
	limiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitAPI, cfg.RateLimitLogin))

	router := handler.NewRouter(&handler.RouterDeps{
		Sessions:          handler.NewSessionServiceAdapter(sessions),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		TrustProxy:        cfg.TrustProxy,
		RateLimiter:       limiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),
		HealthChecker:  db,
		Logger:         log,

		Flows: flows,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:    cfg.CookieDomain,
			CookieSecure:    cfg.CookieSecure,
			SessionMaxAge:   cfg.SessionMaxAgeDuration(),
			FlowTTL:         cfg.LoginFlowTTL,
			TokenCookieName: cfg.TokenCookieName,
			DashboardPath:   cfg.DashboardPath,
		},

		Renderer: renderer,
		Routes:   routes,
		Fetcher:  backendClient,

		Proxy: proxy,
	})

	return &server{
		handler:  router,
		sessions: sessions,
		flows:    flows,
		limiter:  limiter,
		janitor:  cleanup.NewJanitor(flows, sessions, cfg.SessionIdleEvict, log),
	}, nil
}

// runServe はBFFサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. トレーシング
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	// 2. DB接続
	db, repo, err := openSessionStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	slog.Info("database connection established")

	// 3. 依存関係の構築
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv, err := newServer(ctx, cfg, db, repo, reg)
	if err != nil {
		return err
	}
	defer srv.close()

	// 4. メモリ上のフローとセッションの掃除
	go srv.janitor.Start(ctx, cleanup.DefaultJanitorInterval)

	// 5. HTTPサーバーの起動
	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("BFF server starting",
			slog.String("addr", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			listenErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-listenErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down BFF server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("BFF server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションレコードの削除を定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, repo, err := openSessionStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(repo, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// 起動直後に1回実行し、以降はCLEANUP_INTERVALごとに実行する（ブロッキング）
	cleanup.RunEvery(ctx, cfg.CleanupInterval, slog.Default(), "session_cleanup", cleanupJob.Run)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		if len(raw) > 20 {
			return raw[:12] + "***@..."
		}
		return "***"
	}
	u.User = url.User("***")
	return u.String()
}
