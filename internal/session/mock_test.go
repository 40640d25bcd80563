package session

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/payportal/internal/metrics"
	"github.com/hitoshi/payportal/internal/model"
)

// mockAuth はAuthenticatorのモック。
type mockAuth struct {
	loginFn       func(ctx context.Context, creds model.Credentials) (*model.AuthResult, error)
	logoutFn      func(ctx context.Context, token string) error
	currentUserFn func(ctx context.Context, token string) (*model.User, error)

	mu           sync.Mutex
	logoutTokens []string
}

func (m *mockAuth) Login(ctx context.Context, creds model.Credentials) (*model.AuthResult, error) {
	return m.loginFn(ctx, creds)
}

func (m *mockAuth) Logout(ctx context.Context, token string) error {
	m.mu.Lock()
	m.logoutTokens = append(m.logoutTokens, token)
	m.mu.Unlock()
	if m.logoutFn != nil {
		return m.logoutFn(ctx, token)
	}
	return nil
}

func (m *mockAuth) CurrentUser(ctx context.Context, token string) (*model.User, error) {
	return m.currentUserFn(ctx, token)
}

func (m *mockAuth) logoutCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.logoutTokens...)
}

// memRepo はSessionRepositoryのインメモリ実装。
type memRepo struct {
	mu      sync.Mutex
	records map[string]model.SessionRecord
	now     func() time.Time
	saveErr error
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]model.SessionRecord), now: time.Now}
}

func (r *memRepo) Save(ctx context.Context, record *model.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	rec := *record
	if rec.Data.User != nil {
		u := *rec.Data.User
		rec.Data.User = &u
	}
	r.records[record.ID] = rec
	return nil
}

func (r *memRepo) FindByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || !rec.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (r *memRepo) DeleteByID(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

func (r *memRepo) DeleteExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.records {
		if !rec.ExpiresAt.After(r.now()) {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) get(id string) (model.SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// staleCounter は破棄された結果の件数を数えるMetricsCollector。
type staleCounter struct {
	metrics.Nop
	mu    sync.Mutex
	stale map[string]int
}

func (c *staleCounter) RecordStaleResult(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale == nil {
		c.stale = make(map[string]int)
	}
	c.stale[op]++
}

func (c *staleCounter) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale[op]
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestManager(t *testing.T, auth *mockAuth, repo *memRepo) (*Manager, *staleCounter) {
	t.Helper()
	var buf bytes.Buffer
	collector := &staleCounter{}
	m := NewManager(auth, repo, collector, newTestLogger(&buf), Config{
		MaxAge:         8 * time.Hour,
		RefreshTimeout: 5 * time.Second,
	})
	return m, collector
}

var testUser = &model.User{ID: "u-1", Email: "hr@example.com", DisplayName: "Hanako", Role: "hr_admin"}

func successLogin(token string) func(context.Context, model.Credentials) (*model.AuthResult, error) {
	return func(context.Context, model.Credentials) (*model.AuthResult, error) {
		u := *testUser
		return &model.AuthResult{Outcome: model.AuthOutcomeAuthenticated, User: &u, Token: token}, nil
	}
}

func validCreds() model.Credentials {
	return model.Credentials{Email: "hr@example.com", Password: "secret", CompanyID: "ACME", TwoFactorCode: "123456"}
}
