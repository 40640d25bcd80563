package handler

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/hitoshi/payportal/internal/backend"
	"github.com/hitoshi/payportal/internal/metrics"
	"github.com/hitoshi/payportal/internal/middleware"
	"github.com/hitoshi/payportal/internal/model"
)

// proxyMetricsEndpoint はプロキシ経由のリクエストをまとめるメトリクスラベル。
// パスごとにラベルを分けると系列数が際限なく増えるため1つにまとめる。
const proxyMetricsEndpoint = "proxy"

// blockedProxyPath はプロキシで中継しないパス。認証はBFFのエンドポイントを通す。
const blockedProxyPath = "/api/auth"

// APIProxyConfig はAPIプロキシの設定。
type APIProxyConfig struct {
	BackendURL      *url.URL
	TokenCookieName string
	Transport       http.RoundTripper
	Metrics         metrics.MetricsCollector
	Logger          *slog.Logger
}

// NewAPIProxy はデータ系の /api/* リクエストをバックエンドへ中継するハンドラーを返す。
//
// ブラウザから届いたAuthorizationとCookieは取り除き、HttpOnlyのトークンCookieから
// 資格情報を付け直す。パスは正規化してから中継する。
// ペイロードとバリデーションエラーの一覧は加工せずに中継する。
func NewAPIProxy(cfg APIProxyConfig) http.Handler {
	if cfg.TokenCookieName == "" {
		cfg.TokenCookieName = "auth_token"
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	target := cfg.BackendURL
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()

			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
			if c, err := pr.In.Cookie(cfg.TokenCookieName); err == nil {
				backend.SetCredential(pr.Out.Header, c.Value)
			}
			if id := middleware.RequestIDFromContext(pr.In.Context()); id != "" {
				pr.Out.Header.Set(middleware.RequestIDHeader, id)
			}
		},
		Transport: &instrumentedTransport{
			next:    cfg.Transport,
			tracer:  otel.Tracer("payportal/proxy"),
			metrics: cfg.Metrics,
		},
		ModifyResponse: func(resp *http.Response) error {
			// バックエンドのCookieはブラウザに渡さない
			resp.Header.Del("Set-Cookie")
			resp.Header.Set("Cache-Control", "no-store")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			cfg.Logger.Warn("api proxy request failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			middleware.WriteAPIError(w, model.NewBackendUnavailableError())
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleaned := cleanProxyPath(r.URL.Path)
		if isBlockedProxyPath(cleaned) {
			middleware.WriteAPIError(w, model.NewNotFoundError(r.URL.Path))
			return
		}

		if cleaned != r.URL.Path {
			r = r.Clone(r.Context())
			r.URL.Path = cleaned
			r.URL.RawPath = ""
		}
		proxy.ServeHTTP(w, r)
	})
}

// cleanProxyPath は "//" や "." ".." を取り除いたパスを返す。末尾のスラッシュは保つ。
func cleanProxyPath(p string) string {
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// isBlockedProxyPath は正規化済みのパスが /api/auth またはその配下かを判定する。
func isBlockedProxyPath(cleaned string) bool {
	p := strings.ToLower(strings.TrimSuffix(cleaned, "/"))
	return p == blockedProxyPath || strings.HasPrefix(p, blockedProxyPath+"/")
}

// instrumentedTransport はプロキシのリクエストにスパンとレイテンシ計測を付ける。
type instrumentedTransport struct {
	next    http.RoundTripper
	tracer  trace.Tracer
	metrics metrics.MetricsCollector
}

// RoundTrip はhttp.RoundTripperを実装する。
func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := t.tracer.Start(req.Context(), "proxy "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		),
	)
	defer span.End()

	out := req.Clone(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))

	start := time.Now()
	resp, err := t.next.RoundTrip(out)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		t.metrics.RecordBackendRequest(proxyMetricsEndpoint, 0, duration)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	t.metrics.RecordBackendRequest(proxyMetricsEndpoint, resp.StatusCode, duration)
	return resp, nil
}
