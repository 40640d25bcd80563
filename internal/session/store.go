// Package session はブラウザセッションごとの認証状態を管理する。
//
// Managerがセッションごとに1つのStoreを所有し、Storeへの非同期操作は
// 単調増加するチケットで直列化する。後発の操作に追い越された結果と、
// 破棄済みのStoreに届いた結果は適用しない。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/payportal/internal/backend"
	"github.com/hitoshi/payportal/internal/metrics"
	"github.com/hitoshi/payportal/internal/model"
	"github.com/hitoshi/payportal/internal/repository"
)

// ErrStaleResult は操作の結果が後発の操作または破棄により無効になったことを示す。
var ErrStaleResult = errors.New("session result superseded")

// Authenticator はバックエンドの認証APIのインターフェース。
type Authenticator interface {
	Login(ctx context.Context, creds model.Credentials) (*model.AuthResult, error)
	Logout(ctx context.Context, token string) error
	CurrentUser(ctx context.Context, token string) (*model.User, error)
}

// tokenCheck はリクエストのトークンとStoreの状態の照合結果。
type tokenCheck int

const (
	tokenValid tokenCheck = iota
	tokenMissing
	tokenMismatch
	tokenExpired
	tokenUnverified
)

// Store は1つのブラウザセッションの認証状態を保持する。
// IsAuthenticated は常に user != nil と一致する。
type Store struct {
	mu sync.Mutex

	id          string
	user        *model.User
	isLoading   bool
	fingerprint string
	tokenless   bool // トークンを返さないバックエンドでのログイン
	expiresAt   time.Time
	createdAt   time.Time
	lastSeen    time.Time
	ticket      uint64
	closed      bool

	auth    Authenticator
	repo    repository.SessionRepository
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	maxAge  time.Duration
	now     func() time.Time
}

// ID はセッションIDを返す。
func (s *Store) ID() string {
	return s.id
}

// Snapshot は現在の状態のコピーを返す。
func (s *Store) Snapshot() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() model.SessionState {
	state := model.SessionState{IsLoading: s.isLoading}
	if s.user != nil {
		u := *s.user
		state.User = &u
		state.IsAuthenticated = true
	}
	return state
}

// Login は資格情報をバックエンドに送信し、認証成功時のみ状態を更新して永続化する。
// 成功以外の応答と通信エラーでは状態を一切変更しない。
func (s *Store) Login(ctx context.Context, creds model.Credentials) (*model.AuthResult, error) {
	ticket := s.begin()

	result, err := s.auth.Login(ctx, creds)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(ticket) {
		s.metrics.RecordStaleResult("login")
		return nil, ErrStaleResult
	}
	// 追い越したリフレッシュのロード中フラグはこの操作が引き継いで解除する
	s.isLoading = false

	if err != nil {
		return nil, err
	}
	if result.Outcome != model.AuthOutcomeAuthenticated {
		return result, nil
	}
	if result.User == nil {
		return nil, fmt.Errorf("%w: authenticated response without user", backend.ErrTransport)
	}

	user := *result.User
	s.user = &user
	s.fingerprint = ""
	s.tokenless = result.Token == ""
	if !s.tokenless {
		s.fingerprint = fingerprint(result.Token)
	}
	s.expiresAt = sessionExpiry(s.now(), s.maxAge, result.Token)
	s.persistLocked(ctx)

	return result, nil
}

// Logout はユーザーをクリアし、永続化レコードを削除する。
// tokenがあれば認証状態にかかわらずバックエンドのログアウトを呼ぶ。
// バックエンドのログアウトはベストエフォートで、エラーはログに記録するのみ。
// すでにログアウト済みの場合、ローカルの状態は変わらない。
func (s *Store) Logout(ctx context.Context, token string) {
	s.mu.Lock()
	s.ticket++
	wasAuthenticated := s.user != nil
	s.clearLocked()
	s.mu.Unlock()

	if wasAuthenticated {
		if err := s.repo.DeleteByID(ctx, s.id); err != nil {
			s.logger.Error("failed to delete session record",
				slog.String("session_id", s.id),
				slog.String("error", err.Error()),
			)
		}
	}

	logoutBackend(ctx, s.auth, s.logger, s.id, token)
}

// logoutBackend はバックエンドのセッションをベストエフォートで無効化する。
func logoutBackend(ctx context.Context, auth Authenticator, logger *slog.Logger, sessionID, token string) {
	if token == "" {
		return
	}
	if err := auth.Logout(ctx, token); err != nil {
		logger.Warn("backend logout failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// SetUser はユーザーを直接設定する。nilを渡すと未認証になり、
// トークンのフィンガープリントも破棄する。進行中の操作の結果は無効になる。
func (s *Store) SetUser(ctx context.Context, user *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticket++
	s.isLoading = false
	if user == nil {
		s.clearLocked()
		if err := s.repo.DeleteByID(ctx, s.id); err != nil {
			s.logger.Error("failed to delete session record",
				slog.String("session_id", s.id),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	u := *user
	s.user = &u
	if s.expiresAt.IsZero() {
		s.expiresAt = s.now().Add(s.maxAge)
	}
	s.persistLocked(ctx)
}

// SetLoading はロード中フラグを設定する。
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	s.isLoading = loading
	s.mu.Unlock()
}

// Refresh はバックエンドに現在のユーザーを問い合わせて状態を更新する。
// 通信エラーの場合はユーザーと認証状態を変更せずにエラーを返す。
func (s *Store) Refresh(ctx context.Context, token string) error {
	s.mu.Lock()
	s.ticket++
	ticket := s.ticket
	s.isLoading = true
	s.mu.Unlock()

	user, err := s.auth.CurrentUser(ctx, token)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currentLocked(ticket) {
		s.metrics.RecordStaleResult("refresh")
		return ErrStaleResult
	}
	s.isLoading = false

	switch {
	case errors.Is(err, backend.ErrUnauthorized), err == nil && user == nil:
		s.clearLocked()
		if derr := s.repo.DeleteByID(ctx, s.id); derr != nil {
			s.logger.Error("failed to delete session record",
				slog.String("session_id", s.id),
				slog.String("error", derr.Error()),
			)
		}
		return nil
	case err != nil:
		s.logger.Warn("session refresh failed",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()),
		)
		return err
	}

	s.user = user
	s.fingerprint = fingerprint(token)
	s.tokenless = false
	s.expiresAt = sessionExpiry(s.now(), s.maxAge, token)
	s.persistLocked(ctx)
	return nil
}

// checkToken はリクエストのトークンをStoreの状態と照合する。認証済みの場合にのみ呼ぶ。
func (s *Store) checkToken(token string) tokenCheck {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.tokenless && token != "":
		return tokenMismatch
	case s.tokenless && !s.now().Before(s.expiresAt):
		return tokenExpired
	case s.tokenless:
		return tokenValid
	case token == "":
		return tokenMissing
	case s.fingerprint == "":
		return tokenUnverified
	case !fingerprintMatches(s.fingerprint, token):
		return tokenMismatch
	case !s.now().Before(s.expiresAt):
		return tokenExpired
	}
	return tokenValid
}

// tryBeginLoading はロード中でなければロード中に遷移してtrueを返す。
// 同じStoreに対する検証用リフレッシュを1つに絞るために使う。
func (s *Store) tryBeginLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isLoading || s.closed {
		return false
	}
	s.isLoading = true
	return true
}

// expire は期限切れ・不一致のセッションを未認証にし、永続化レコードを削除する。
func (s *Store) expire(ctx context.Context) {
	s.mu.Lock()
	s.ticket++
	s.clearLocked()
	s.mu.Unlock()

	if err := s.repo.DeleteByID(ctx, s.id); err != nil {
		s.logger.Error("failed to delete session record",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()),
		)
	}
}

// close はStoreを破棄済みにする。以降に届いた結果は適用されない。
func (s *Store) close() {
	s.mu.Lock()
	s.ticket++
	s.closed = true
	s.isLoading = false
	s.mu.Unlock()
}

func (s *Store) touch() {
	s.mu.Lock()
	s.lastSeen = s.now()
	s.mu.Unlock()
}

// idleFor は最終アクセスからの経過時間を返す。ロード中は0を返す。
func (s *Store) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isLoading {
		return 0
	}
	return now.Sub(s.lastSeen)
}

func (s *Store) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticket++
	return s.ticket
}

func (s *Store) currentLocked(ticket uint64) bool {
	return !s.closed && s.ticket == ticket
}

func (s *Store) clearLocked() {
	s.user = nil
	s.isLoading = false
	s.fingerprint = ""
	s.tokenless = false
}

// persistLocked は {user, isAuthenticated} と有効期限を保存する。
// 保存に失敗してもメモリ上の状態は維持し、エラーはログに記録する。
func (s *Store) persistLocked(ctx context.Context) {
	now := s.now()
	record := &model.SessionRecord{
		ID: s.id,
		Data: model.PersistedSession{
			User:            s.user,
			IsAuthenticated: s.user != nil,
		},
		ExpiresAt: s.expiresAt,
		CreatedAt: s.createdAt,
		UpdatedAt: now,
	}
	if err := s.repo.Save(ctx, record); err != nil {
		s.logger.Error("failed to persist session",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()),
		)
	}
}
