package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/payportal/internal/model"
)

func withUser(r *http.Request, id string) *http.Request {
	return r.WithContext(ContextWithUser(r.Context(), &model.User{ID: id}))
}

func testLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		LoginRate:       1,
		LoginBurst:      2,
		CleanupInterval: time.Minute,
	}
}

// --- GeneralMiddleware (API全般) のテスト ---

func TestGeneralMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.GeneralBurst = 5

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		req := withUser(httptest.NewRequest(http.MethodGet, "/api/payslips", nil), "user-1")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestGeneralMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/api/payslips", nil), "user-429"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/api/payslips", nil), "user-429"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want positive integer", w.Header().Get("Retry-After"))
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimited)
	}
}

func TestGeneralMiddleware_IndependentPerUser(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.GeneralBurst = 1

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/api/x", nil), "user-A"))
	if w.Code != http.StatusOK {
		t.Fatalf("user-A first request: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/api/x", nil), "user-A"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("user-A second request: status = %d, want 429", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/api/x", nil), "user-B"))
	if w.Code != http.StatusOK {
		t.Errorf("user-B should not be limited by user-A: status = %d", w.Code)
	}
}

func TestGeneralMiddleware_NoUser_Returns401(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/x", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- LoginMiddleware のテスト ---

func TestLoginMiddleware_LimitsPerClientIP(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	handler := rl.LoginMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusSeeOther)
	}))

	post := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if got := post("10.0.0.1:1111"); got != http.StatusSeeOther {
		t.Fatalf("first: status = %d", got)
	}
	// 同一IPの別ポートも同じ枠を消費する
	if got := post("10.0.0.1:2222"); got != http.StatusSeeOther {
		t.Fatalf("second: status = %d", got)
	}
	if got := post("10.0.0.1:3333"); got != http.StatusTooManyRequests {
		t.Errorf("third: status = %d, want 429", got)
	}
	if got := post("10.0.0.2:1111"); got != http.StatusSeeOther {
		t.Errorf("other IP: status = %d, want 303", got)
	}
	if n := rl.LoginLimiterCount(); n != 2 {
		t.Errorf("LoginLimiterCount() = %d, want 2", n)
	}
}

func TestLoginMiddleware_DeniedHandler(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.LoginBurst = 1

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	var deniedRetry int
	denied := func(w http.ResponseWriter, r *http.Request, retryAfter int) {
		deniedRetry = retryAfter
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("<p>しばらく待ってから再度お試しください。</p>"))
	}

	handler := rl.LoginMiddleware(denied)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "192.0.2.1:5000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if i == 1 {
			if w.Code != http.StatusTooManyRequests {
				t.Errorf("status = %d, want 429", w.Code)
			}
			if w.Header().Get("Retry-After") != "1" {
				t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
			}
		}
	}

	if deniedRetry != 1 {
		t.Errorf("denied retryAfter = %d, want 1", deniedRetry)
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.CleanupInterval = 50 * time.Millisecond // テスト用に短く

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), withUser(httptest.NewRequest(http.MethodGet, "/api/x", nil), "user-cleanup"))

	if rl.GeneralLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// エントリのTTLはCleanupIntervalの2倍。50ms * 2 = 100ms なので300ms待てば削除される
	time.Sleep(300 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	rl.Stop()
	rl.Stop()
}

// --- 設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60 = 2
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.LoginBurst != 10 {
		t.Errorf("LoginBurst = %d, want 10", cfg.LoginBurst)
	}
	if got := retryAfterSeconds(cfg.LoginRate); got != 6 {
		t.Errorf("retryAfterSeconds(LoginRate) = %d, want 6", got)
	}
}
