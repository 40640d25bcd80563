package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/payportal/internal/metrics"
	"github.com/hitoshi/payportal/internal/model"
)

// mockResolver はSessionResolverのモック。
type mockResolver struct {
	resolveFn func(ctx context.Context, sessionID, token string) (model.SessionState, error)
}

func (m *mockResolver) Resolve(ctx context.Context, sessionID, token string) (model.SessionState, error) {
	return m.resolveFn(ctx, sessionID, token)
}

func stateResolver(state model.SessionState) *mockResolver {
	return &mockResolver{
		resolveFn: func(ctx context.Context, sessionID, token string) (model.SessionState, error) {
			return state, nil
		},
	}
}

// decisionRecorder はガード判定のメトリクスを記録する。
type decisionRecorder struct {
	metrics.Nop
	decisions []string
}

func (d *decisionRecorder) RecordGuardDecision(decision string) {
	d.decisions = append(d.decisions, decision)
}

var guardUser = &model.User{ID: "emp-1", Email: "taro@example.com", DisplayName: "山田 太郎"}

func TestRouteGuard_Authenticated_RunsHandlerWithUser(t *testing.T) {
	var gotSessionID, gotToken string
	resolver := &mockResolver{
		resolveFn: func(ctx context.Context, sessionID, token string) (model.SessionState, error) {
			gotSessionID, gotToken = sessionID, token
			return model.SessionState{User: guardUser, IsAuthenticated: true}, nil
		},
	}
	rec := &decisionRecorder{}

	var ctxUser *model.User
	var ctxSessionID string
	handler := NewRouteGuard(resolver, GuardConfig{Metrics: rec})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxUser, _ = UserFromContext(r.Context())
		ctxSessionID = SessionIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "sess-1"})
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: "tok-1"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotSessionID != "sess-1" || gotToken != "tok-1" {
		t.Errorf("resolver got (%q, %q), want (sess-1, tok-1)", gotSessionID, gotToken)
	}
	if ctxUser == nil || ctxUser.ID != "emp-1" {
		t.Errorf("context user = %+v, want emp-1", ctxUser)
	}
	if ctxSessionID != "sess-1" {
		t.Errorf("context session ID = %q, want sess-1", ctxSessionID)
	}
	if len(rec.decisions) != 1 || rec.decisions[0] != DecisionAuthenticated {
		t.Errorf("decisions = %v, want [%s]", rec.decisions, DecisionAuthenticated)
	}
}

func TestRouteGuard_Loading_HTML(t *testing.T) {
	tests := []struct {
		name  string
		state model.SessionState
	}{
		{"loading without user", model.SessionState{IsLoading: true}},
		// ロード中は認証済みでも保護コンテンツを描画しない
		{"loading with user", model.SessionState{IsLoading: true, IsAuthenticated: true, User: guardUser}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRouteGuard(stateResolver(tt.state), GuardConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("protected handler should not run while loading")
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if w.Header().Get("Refresh") != "1" {
				t.Errorf("Refresh = %q, want 1", w.Header().Get("Refresh"))
			}
			if w.Header().Get("Location") != "" {
				t.Error("loading must not redirect")
			}
		})
	}
}

func TestRouteGuard_Loading_CustomRenderer(t *testing.T) {
	called := false
	cfg := GuardConfig{
		RenderLoading: func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		},
	}
	handler := NewRouteGuard(stateResolver(model.SessionState{IsLoading: true}), cfg)(http.NotFoundHandler())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if !called {
		t.Error("RenderLoading should be called")
	}
}

func TestRouteGuard_Loading_API(t *testing.T) {
	handler := NewRouteGuard(stateResolver(model.SessionState{IsLoading: true}), GuardConfig{Mode: GuardModeAPI})(http.NotFoundHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/payslips", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
}

func TestRouteGuard_Unauthenticated_RedirectsToLogin(t *testing.T) {
	rec := &decisionRecorder{}
	handler := NewRouteGuard(stateResolver(model.SessionState{}), GuardConfig{LoginPath: "/login", Metrics: rec})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("protected handler should not run")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/outsourced/payslips", nil))

	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
	if loc := w.Header().Get("Location"); loc != "/login" {
		t.Errorf("Location = %q, want /login", loc)
	}
	// 未認証時はエラーメッセージを出さない
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
	if len(rec.decisions) != 1 || rec.decisions[0] != DecisionUnauthenticated {
		t.Errorf("decisions = %v, want [%s]", rec.decisions, DecisionUnauthenticated)
	}
}

func TestRouteGuard_AuthenticatedWithoutUser_IsUnauthenticated(t *testing.T) {
	handler := NewRouteGuard(stateResolver(model.SessionState{IsAuthenticated: true}), GuardConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("protected handler should not run")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
}

func TestRouteGuard_Unauthenticated_API(t *testing.T) {
	handler := NewRouteGuard(stateResolver(model.SessionState{}), GuardConfig{Mode: GuardModeAPI})(http.NotFoundHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/payslips", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != model.ErrCodeUnauthenticated {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthenticated)
	}
}

func TestRouteGuard_ResolverError_TreatedAsUnauthenticated(t *testing.T) {
	resolver := &mockResolver{
		resolveFn: func(ctx context.Context, sessionID, token string) (model.SessionState, error) {
			return model.SessionState{User: guardUser, IsAuthenticated: true}, errors.New("boom")
		},
	}
	handler := NewRouteGuard(resolver, GuardConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("protected handler should not run")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
}
