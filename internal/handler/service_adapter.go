package handler

import (
	"context"

	"github.com/hitoshi/payportal/internal/loginflow"
	"github.com/hitoshi/payportal/internal/model"
	"github.com/hitoshi/payportal/internal/session"
)

// SessionServiceAdapter は session.Manager を SessionService に適合させるアダプタ。
type SessionServiceAdapter struct {
	manager *session.Manager
}

// NewSessionServiceAdapter はSessionServiceAdapterを生成する。
func NewSessionServiceAdapter(manager *session.Manager) *SessionServiceAdapter {
	return &SessionServiceAdapter{manager: manager}
}

// Resolve はセッション状態を判定する。
func (a *SessionServiceAdapter) Resolve(ctx context.Context, sessionID, token string) (model.SessionState, error) {
	return a.manager.Resolve(ctx, sessionID, token)
}

// Check はバックグラウンドでのセッション確認を開始する。
func (a *SessionServiceAdapter) Check(ctx context.Context, sessionID, token string) (model.SessionState, error) {
	return a.manager.Check(ctx, sessionID, token)
}

// Begin は新しいIDのセッションを作り、そのStoreをログインの送信先として返す。
// ログインのたびにIDを発行し直すため、ログイン前のIDを引き継がない。
func (a *SessionServiceAdapter) Begin(ctx context.Context) (string, loginflow.Submitter, error) {
	id, store, err := a.manager.Acquire(ctx, "")
	if err != nil {
		return "", nil, err
	}
	return id, store, nil
}

// Logout はセッションをログアウトさせて破棄する。
func (a *SessionServiceAdapter) Logout(ctx context.Context, sessionID, token string) error {
	return a.manager.Logout(ctx, sessionID, token)
}

// Teardown はセッションを破棄する。
func (a *SessionServiceAdapter) Teardown(ctx context.Context, sessionID string) error {
	return a.manager.Teardown(ctx, sessionID)
}
