// Package backend は給与計算バックエンドREST APIのクライアントを提供する。
// 認証判定、給与計算、業務データの永続化はすべてバックエンドが担い、
// このパッケージはHTTP呼び出しと応答の分類のみを行う。
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/payportal/internal/metrics"
	"github.com/hitoshi/payportal/internal/model"
	"github.com/hitoshi/payportal/internal/security"
)

const (
	// LoginPath は資格情報と2FAコードをまとめて送る認証エンドポイント。
	LoginPath = "/auth/login"
	// LogoutPath はサーバー側セッションを破棄するエンドポイント。
	LogoutPath = "/api/auth/logout"
	// CurrentUserPath はトークンに紐づくユーザーを返すセッション確認エンドポイント。
	CurrentUserPath = "/api/auth/me"

	// maxResponseSize はレスポンスボディの読み取り上限（1MB）。
	maxResponseSize = 1 << 20

	tracerName = "github.com/hitoshi/payportal/internal/backend"

	// cookieCredentialPrefix はバックエンドのセッションCookieから作った資格情報の接頭辞。
	cookieCredentialPrefix = "cookie:"
)

var (
	// ErrTransport はリクエストが完了しなかった、または想定外の応答だったことを示す。
	// 呼び出し元は状態を変更せず、再試行可能なエラーとして扱う。
	ErrTransport = errors.New("backend transport error")
	// ErrUnauthorized はバックエンドがトークンを受け付けなかったことを示す。
	ErrUnauthorized = errors.New("backend rejected token")
	// ErrNotFound はバックエンドが404を返したことを示す。
	ErrNotFound = errors.New("backend resource not found")
)

// Client はバックエンドAPIのクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
	sanitizer  security.MessageSanitizerService
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientのTimeoutがすべての呼び出しの上限になる。
func NewClient(
	httpClient *http.Client,
	baseURL string,
	sanitizer security.MessageSanitizerService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		sanitizer:  sanitizer,
		metrics:    collector,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
	}
}

// loginRequest は認証エンドポイントへのリクエストボディ。
type loginRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	CompanyUniqueID string `json:"company_unique_id,omitempty"`
	TwoFactorCode   string `json:"two_factor_code,omitempty"`
}

// loginResponse は認証エンドポイントのレスポンス。
type loginResponse struct {
	Status           string       `json:"status"`
	User             *userPayload `json:"user"`
	Token            string       `json:"token"`
	Requires2FA      bool         `json:"requires_2fa"`
	Requires2FASetup bool         `json:"requires_2fa_setup"`
	Message          string       `json:"message"`
}

// Login は資格情報と2FAコードを1回のリクエストで送信し、応答を分類する。
// 通信エラー・5xx・想定外の応答はErrTransportでラップして返す。
//
// 応答にトークンがなくセッションCookieが発行された場合は、そのCookieを資格情報として返す。
// どちらもなくユーザーだけが返った場合はトークンなしの認証成功になる。
func (c *Client) Login(ctx context.Context, creds model.Credentials) (*model.AuthResult, error) {
	// ログインごとに専用のCookieJarを使い、他のユーザーのCookieと混ざらないようにする
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	loginClient := *c.httpClient
	loginClient.Jar = jar

	status, body, err := c.do(ctx, &loginClient, http.MethodPost, LoginPath, "", loginRequest{
		Email:           creds.Email,
		Password:        creds.Password,
		CompanyUniqueID: creds.CompanyID,
		TwoFactorCode:   creds.TwoFactorCode,
	})
	if err != nil {
		return nil, err
	}

	if !isAuthStatus(status) {
		return nil, fmt.Errorf("%w: login returned status %d", ErrTransport, status)
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil && isSuccess(status) {
		return nil, fmt.Errorf("%w: failed to parse login response: %v", ErrTransport, err)
	}

	message := c.sanitizer.Sanitize(resp.Message)

	// 2FA未設定の判定を2FA要求より優先する
	switch {
	case resp.Requires2FASetup:
		return &model.AuthResult{Outcome: model.AuthOutcomeRequires2FASetup, Message: message}, nil
	case resp.Requires2FA:
		return &model.AuthResult{Outcome: model.AuthOutcomeRequires2FA, Message: message}, nil
	case !isSuccess(status) || strings.EqualFold(resp.Status, "error"):
		return &model.AuthResult{Outcome: model.AuthOutcomeRejected, Message: message}, nil
	}

	token := resp.Token
	if token == "" {
		if u, perr := url.Parse(c.baseURL + LoginPath); perr == nil {
			token = cookieCredential(jar.Cookies(u))
		}
	}

	user := resp.User.toUser()
	if user == nil {
		if token == "" {
			return nil, fmt.Errorf("%w: login response has neither user nor token", ErrTransport)
		}
		// トークンのみの応答ではユーザー情報を別途取得する
		user, err = c.CurrentUser(ctx, token)
		if errors.Is(err, ErrUnauthorized) {
			return &model.AuthResult{Outcome: model.AuthOutcomeRejected, Message: message}, nil
		}
		if err != nil {
			return nil, err
		}
	}

	return &model.AuthResult{
		Outcome: model.AuthOutcomeAuthenticated,
		User:    user,
		Token:   token,
		Message: message,
	}, nil
}

// Logout はバックエンドのセッションを破棄する。
// 呼び出し元はベストエフォートとして扱い、エラーでもローカルの状態はクリアする。
func (c *Client) Logout(ctx context.Context, token string) error {
	status, body, err := c.do(ctx, c.httpClient, http.MethodPost, LogoutPath, token, nil)
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		return fmt.Errorf("logout returned status %d", status)
	}

	var resp struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(body, &resp); err == nil && resp.Success != nil && !*resp.Success {
		return fmt.Errorf("logout was not acknowledged")
	}
	return nil
}

// CurrentUser はトークンに紐づくユーザーを取得する。
// 401/403の場合はErrUnauthorizedを返す。
func (c *Client) CurrentUser(ctx context.Context, token string) (*model.User, error) {
	status, body, err := c.do(ctx, c.httpClient, http.MethodGet, CurrentUserPath, token, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if !isSuccess(status) {
		return nil, fmt.Errorf("%w: current user returned status %d", ErrTransport, status)
	}

	// {"user": {...}} と素のユーザーオブジェクトの両方を受け付ける
	var wrapped struct {
		User *userPayload `json:"user"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: failed to parse current user: %v", ErrTransport, err)
	}
	if user := wrapped.User.toUser(); user != nil {
		return user, nil
	}

	var bare userPayload
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("%w: failed to parse current user: %v", ErrTransport, err)
	}
	user := bare.toUser()
	if user == nil {
		return nil, ErrUnauthorized
	}
	return user, nil
}

// GetJSON は認証付きGETリクエストを送り、レスポンスをoutにデコードする。
// ページ表示用のデータ取得に使う。
func (c *Client) GetJSON(ctx context.Context, token, path string, out any) error {
	status, body, err := c.do(ctx, c.httpClient, http.MethodGet, path, token, nil)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusNotFound:
		return ErrNotFound
	case !isSuccess(status):
		return fmt.Errorf("%w: %s returned status %d", ErrTransport, path, status)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: failed to parse %s: %v", ErrTransport, path, err)
	}
	return nil
}

// do はHTTPリクエストを実行し、ステータスコードとボディを返す。
// 通信エラーとボディ読み取りエラーはErrTransportでラップする。
func (c *Client) do(ctx context.Context, httpClient *http.Client, method, path, token string, payload any) (int, []byte, error) {
	ctx, span := c.tracer.Start(ctx, "backend "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		),
	)
	defer span.End()

	start := time.Now()
	status, body, err := c.roundTrip(ctx, httpClient, method, path, token, payload)
	duration := time.Since(start)

	c.metrics.RecordBackendRequest(path, status, duration)
	span.SetAttributes(attribute.Int("http.response.status_code", status))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		c.logger.Warn("backend request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return status, nil, err
	}
	if status >= 500 {
		span.SetStatus(codes.Error, http.StatusText(status))
	}

	c.logger.Debug("backend request completed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("http_status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return status, body, nil
}

func (c *Client) roundTrip(ctx context.Context, httpClient *http.Client, method, path, token string, payload any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "payportal/1.0")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	SetCredential(req.Header, token)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: failed to read response: %v", ErrTransport, err)
	}

	return resp.StatusCode, body, nil
}

// SetCredential はバックエンドへのリクエストに資格情報を設定する。
// Cookie由来の資格情報はCookieヘッダーで、それ以外はBearerトークンで送る。
func SetCredential(h http.Header, token string) {
	if token == "" {
		return
	}
	if raw, ok := strings.CutPrefix(token, cookieCredentialPrefix); ok {
		if header, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
			h.Set("Cookie", string(header))
			return
		}
	}
	h.Set("Authorization", "Bearer "+token)
}

// cookieCredential はバックエンドが発行したCookieを1つの資格情報にまとめる。
// ブラウザのCookie値に使える文字に収めるためbase64でエンコードする。
func cookieCredential(cookies []*http.Cookie) string {
	if len(cookies) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return cookieCredentialPrefix + base64.RawURLEncoding.EncodeToString([]byte(strings.Join(pairs, "; ")))
}

// isSuccess は2xxステータスかを判定する。
func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// isAuthStatus は認証エンドポイントが意味のある判定を返したステータスかを判定する。
// それ以外（429、5xx等）は通信エラーとして扱う。
func isAuthStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		return true
	}
	return isSuccess(status)
}
