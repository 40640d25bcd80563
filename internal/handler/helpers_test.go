package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/hitoshi/payportal/internal/loginflow"
	"github.com/hitoshi/payportal/internal/model"
	"github.com/hitoshi/payportal/internal/view"
)

// --- モック定義 ---

type mockSessionService struct {
	resolveFn  func(ctx context.Context, sessionID, token string) (model.SessionState, error)
	checkFn    func(ctx context.Context, sessionID, token string) (model.SessionState, error)
	beginFn    func(ctx context.Context) (string, loginflow.Submitter, error)
	logoutFn   func(ctx context.Context, sessionID, token string) error
	teardownFn func(ctx context.Context, sessionID string) error

	mu        sync.Mutex
	tornDown  []string
	beginCall int
}

func (m *mockSessionService) Resolve(ctx context.Context, sessionID, token string) (model.SessionState, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, sessionID, token)
	}
	return model.SessionState{}, nil
}

func (m *mockSessionService) Check(ctx context.Context, sessionID, token string) (model.SessionState, error) {
	if m.checkFn != nil {
		return m.checkFn(ctx, sessionID, token)
	}
	return model.SessionState{}, nil
}

func (m *mockSessionService) Begin(ctx context.Context) (string, loginflow.Submitter, error) {
	m.mu.Lock()
	m.beginCall++
	m.mu.Unlock()
	if m.beginFn != nil {
		return m.beginFn(ctx)
	}
	return "", nil, nil
}

func (m *mockSessionService) Logout(ctx context.Context, sessionID, token string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID, token)
	}
	return nil
}

func (m *mockSessionService) Teardown(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	m.tornDown = append(m.tornDown, sessionID)
	m.mu.Unlock()
	if m.teardownFn != nil {
		return m.teardownFn(ctx, sessionID)
	}
	return nil
}

func (m *mockSessionService) wasTornDown(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, got := range m.tornDown {
		if got == id {
			return true
		}
	}
	return false
}

func (m *mockSessionService) beginCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beginCall
}

type mockSubmitter struct {
	loginFn func(ctx context.Context, creds model.Credentials) (*model.AuthResult, error)

	mu    sync.Mutex
	calls []model.Credentials
}

func (m *mockSubmitter) Login(ctx context.Context, creds model.Credentials) (*model.AuthResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, creds)
	m.mu.Unlock()
	if m.loginFn != nil {
		return m.loginFn(ctx, creds)
	}
	return &model.AuthResult{Outcome: model.AuthOutcomeRejected}, nil
}

func (m *mockSubmitter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// --- ヘルパー ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRenderer(t *testing.T) *view.Renderer {
	t.Helper()
	r, err := view.New(discardLogger())
	if err != nil {
		t.Fatalf("view.New() error = %v", err)
	}
	return r
}

func postForm(target string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
