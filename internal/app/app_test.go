package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/payportal/internal/config"
)

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg == nil {
		t.Fatal("expected non-nil config")
	}

	if cfg.BackendURL != "http://127.0.0.1:1" {
		t.Errorf("BackendURL = %q, want http://127.0.0.1:1", cfg.BackendURL)
	}

	// Verify that slog global logger is configured for JSON output
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	// Clear all required env vars
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BACKEND_URL", "")
	t.Setenv("BASE_URL", "")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		notWant string
	}{
		{"postgres with password", "postgres://admin:hunter2@db:5432/payportal", "hunter2"},
		{"sqlite path", "sqlite:/var/lib/payportal/sessions.db", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := maskDatabaseURL(tt.input)
			if got == "" {
				t.Fatal("masked URL should not be empty")
			}
			if tt.notWant != "" && strings.Contains(got, tt.notWant) {
				t.Errorf("maskDatabaseURL(%q) = %q, leaks credentials", tt.input, got)
			}
		})
	}
}

func TestOpenSessionStore_SQLite(t *testing.T) {
	ctx := context.Background()
	db, repo, err := openSessionStore(ctx, "sqlite::memory:")
	if err != nil {
		t.Fatalf("openSessionStore() error = %v", err)
	}
	defer db.Close()

	if repo == nil {
		t.Fatal("repository should not be nil")
	}
	if _, err := repo.DeleteExpired(ctx); err != nil {
		t.Errorf("DeleteExpired() on a fresh store error = %v", err)
	}
}

func TestOpenSessionStore_UnreachablePostgres_ReturnsError(t *testing.T) {
	_, _, err := openSessionStore(context.Background(), unreachablePostgresURL)
	if err == nil {
		t.Fatal("openSessionStore() should fail when the database is unreachable")
	}
}

func newTestServer(t *testing.T, backendURL string) *server {
	t.Helper()
	ctx := context.Background()

	db, repo, err := openSessionStore(ctx, "sqlite::memory:")
	if err != nil {
		t.Fatalf("openSessionStore() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		DatabaseURL:         "sqlite::memory:",
		BackendURL:          backendURL,
		BackendTimeout:      time.Second,
		SessionMaxAge:       3600,
		SessionCheckTimeout: time.Second,
		SessionIdleEvict:    time.Minute,
		TokenCookieName:     "auth_token",
		LoginFlowTTL:        time.Minute,
		RateLimitLogin:      60,
		RateLimitAPI:        600,
		BaseURL:             "http://localhost:8080",
		DashboardPath:       "/outsourced/dashboard",
		CORSAllowedOrigin:   "http://localhost:3000",
	}

	srv, err := newServer(ctx, cfg, db, repo, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}
	t.Cleanup(srv.close)
	return srv
}

func TestNewServer_WiresRoutes(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	srv := newTestServer(t, backend.URL)

	tests := []struct {
		name         string
		path         string
		wantStatus   int
		wantLocation string
	}{
		{"health", "/health", http.StatusOK, ""},
		{"metrics", "/metrics", http.StatusOK, ""},
		{"root redirects to dashboard", "/", http.StatusSeeOther, "/outsourced/dashboard"},
		{"protected page without session", "/outsourced/dashboard", http.StatusSeeOther, "/login"},
		{"login page", "/login", http.StatusOK, ""},
		{"api without session", "/api/employees", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()

			srv.handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("GET %s status = %d, want %d", tt.path, rec.Code, tt.wantStatus)
			}
			if tt.wantLocation != "" && rec.Header().Get("Location") != tt.wantLocation {
				t.Errorf("GET %s Location = %q, want %q", tt.path, rec.Header().Get("Location"), tt.wantLocation)
			}
		})
	}
}

func TestNewServer_JanitorRunsAgainstWiredStores(t *testing.T) {
	srv := newTestServer(t, "http://127.0.0.1:1")

	if err := srv.janitor.Run(context.Background()); err != nil {
		t.Errorf("janitor.Run() error = %v", err)
	}
	if srv.flows.Len() != 0 {
		t.Errorf("flows.Len() = %d, want 0", srv.flows.Len())
	}
}
