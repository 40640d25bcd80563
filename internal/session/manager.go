package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/payportal/internal/metrics"
	"github.com/hitoshi/payportal/internal/model"
	"github.com/hitoshi/payportal/internal/repository"
)

// Config はManagerの設定。
type Config struct {
	// MaxAge はセッションの最大有効期間。トークンのexpが先ならそちらを優先する。
	MaxAge time.Duration
	// RefreshTimeout はバックグラウンドのセッション確認1回あたりの上限時間。
	RefreshTimeout time.Duration
}

// Manager はブラウザセッションごとのStoreを所有する。
// アプリケーション起動時にInitを、ログアウト時にTeardownを呼ぶ。
type Manager struct {
	mu     sync.Mutex
	stores map[string]*Store

	auth    Authenticator
	repo    repository.SessionRepository
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time

	wg sync.WaitGroup
}

// NewManager はManagerを生成する。
func NewManager(
	auth Authenticator,
	repo repository.SessionRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Manager {
	return &Manager{
		stores:  make(map[string]*Store),
		auth:    auth,
		repo:    repo,
		metrics: collector,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Init は起動時に呼ばれ、期限切れの永続化レコードを削除する。
func (m *Manager) Init(ctx context.Context) error {
	n, err := m.repo.DeleteExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to purge expired sessions: %w", err)
	}
	m.logger.Info("session manager initialized",
		slog.Int64("purged_sessions", n),
	)
	return nil
}

// Acquire はセッションIDに対応するStoreを返す。
// メモリにない場合は永続化レコードから復元し、どちらにもない場合は新しいIDで匿名のStoreを作る。
func (m *Manager) Acquire(ctx context.Context, sessionID string) (string, *Store, error) {
	if sessionID != "" {
		if st := m.lookup(sessionID); st != nil {
			st.touch()
			return sessionID, st, nil
		}

		record, err := m.repo.FindByID(ctx, sessionID)
		if err != nil {
			return "", nil, err
		}
		if record != nil {
			st := m.register(m.restore(record))
			st.touch()
			return sessionID, st, nil
		}
	}

	id, err := newSessionID()
	if err != nil {
		return "", nil, err
	}
	st := m.register(m.newStore(id))
	return id, st, nil
}

// Resolve はルートガードのためにセッション状態を判定する。
//
// 再起動後に永続化レコードから復元したセッションはロード中として返し、
// リクエストのトークンでバックグラウンド確認を開始する。
// 認証済みでもトークンがない・一致しない・期限切れの場合はセッションを破棄する。
func (m *Manager) Resolve(ctx context.Context, sessionID, token string) (model.SessionState, error) {
	if sessionID == "" {
		return model.SessionState{}, nil
	}

	st := m.lookup(sessionID)
	if st == nil {
		record, err := m.repo.FindByID(ctx, sessionID)
		if err != nil {
			return model.SessionState{}, err
		}
		if record == nil || !record.Data.IsAuthenticated {
			return model.SessionState{}, nil
		}
		if token == "" {
			if err := m.repo.DeleteByID(ctx, sessionID); err != nil {
				return model.SessionState{}, err
			}
			return model.SessionState{}, nil
		}

		restored := m.restore(record)
		if st = m.register(restored); st == restored {
			st.touch()
			m.startRefresh(ctx, st, token)
			return st.Snapshot(), nil
		}
	}

	st.touch()
	state := st.Snapshot()
	if state.IsLoading || !state.IsAuthenticated {
		return state, nil
	}

	switch st.checkToken(token) {
	case tokenValid:
		return state, nil
	case tokenUnverified:
		// 前回の確認が通信エラーで終わったセッションは再確認する
		if st.tryBeginLoading() {
			m.startRefresh(ctx, st, token)
		}
		return st.Snapshot(), nil
	default:
		m.logger.Info("session expired",
			slog.String("session_id", sessionID),
		)
		st.expire(ctx)
		m.remove(sessionID)
		return model.SessionState{}, nil
	}
}

// Check はセッションの確認を明示的にバックグラウンドで開始する。
// 確認中の場合は何もしない。
func (m *Manager) Check(ctx context.Context, sessionID, token string) (model.SessionState, error) {
	st := m.lookup(sessionID)
	if st == nil {
		return m.Resolve(ctx, sessionID, token)
	}
	if token != "" && st.tryBeginLoading() {
		m.startRefresh(ctx, st, token)
	}
	return st.Snapshot(), nil
}

// Logout はセッションをログアウトさせて破棄する。
// メモリにないセッションも永続化レコードから復元してバックエンドのログアウトを呼ぶ。
// セッションが見つからなくても、tokenがあればバックエンドのログアウトは呼ぶ。
func (m *Manager) Logout(ctx context.Context, sessionID, token string) error {
	if sessionID == "" {
		logoutBackend(ctx, m.auth, m.logger, sessionID, token)
		return nil
	}

	st := m.lookup(sessionID)
	if st == nil {
		record, err := m.repo.FindByID(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		if record != nil {
			st = m.restore(record)
		}
	}
	if st != nil {
		st.Logout(ctx, token)
	} else {
		logoutBackend(ctx, m.auth, m.logger, sessionID, token)
	}
	return m.Teardown(ctx, sessionID)
}

// Teardown はStoreをメモリから取り除き、永続化レコードを削除する。
// 破棄後に届いた操作の結果は適用されない。
func (m *Manager) Teardown(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if st := m.remove(sessionID); st != nil {
		st.close()
	}
	if err := m.repo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// EvictIdle は一定時間アクセスのないStoreをメモリから取り除き、取り除いた数を返す。
// 永続化レコードは残るため、次のアクセスで復元される。
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	now := m.now()

	m.mu.Lock()
	var evicted []*Store
	for id, st := range m.stores {
		if st.idleFor(now) > maxIdle {
			delete(m.stores, id)
			evicted = append(evicted, st)
		}
	}
	count := len(m.stores)
	m.mu.Unlock()

	for _, st := range evicted {
		st.close()
	}
	m.metrics.SetActiveSessions(count)
	return len(evicted)
}

// Wait は実行中のバックグラウンド確認の完了を待つ。シャットダウン時に使う。
func (m *Manager) Wait() {
	m.wg.Wait()
}

// startRefresh はリクエストのキャンセルから切り離してバックグラウンド確認を開始する。
func (m *Manager) startRefresh(ctx context.Context, st *Store, token string) {
	st.SetLoading(true)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
		defer cancel()

		if err := st.Refresh(refreshCtx, token); err != nil && !errors.Is(err, ErrStaleResult) {
			m.logger.Warn("background session check failed",
				slog.String("session_id", st.ID()),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (m *Manager) lookup(id string) *Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stores[id]
}

// register はStoreを登録する。同じIDがすでにあれば既存のStoreを返す。
func (m *Manager) register(st *Store) *Store {
	m.mu.Lock()
	if existing, ok := m.stores[st.id]; ok {
		m.mu.Unlock()
		return existing
	}
	m.stores[st.id] = st
	count := len(m.stores)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(count)
	return st
}

func (m *Manager) remove(id string) *Store {
	m.mu.Lock()
	st := m.stores[id]
	delete(m.stores, id)
	count := len(m.stores)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(count)
	return st
}

func (m *Manager) newStore(id string) *Store {
	now := m.now()
	return &Store{
		id:        id,
		createdAt: now,
		lastSeen:  now,
		auth:      m.auth,
		repo:      m.repo,
		metrics:   m.metrics,
		logger:    m.logger,
		maxAge:    m.cfg.MaxAge,
		now:       func() time.Time { return m.now() },
	}
}

// restore は永続化レコードからStoreを復元する。
// トークンのフィンガープリントは永続化しないため、検証が済むまでは未検証状態になる。
func (m *Manager) restore(record *model.SessionRecord) *Store {
	st := m.newStore(record.ID)
	st.createdAt = record.CreatedAt
	st.expiresAt = record.ExpiresAt
	if record.Data.IsAuthenticated && record.Data.User != nil {
		u := *record.Data.User
		st.user = &u
	}
	return st
}

// newSessionID は256ビットの乱数からセッションIDを生成する。
func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
