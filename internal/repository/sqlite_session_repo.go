package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/payportal/internal/model"
)

// SQLiteSessionRepo はSQLiteを使用したセッションリポジトリ。
// ローカル開発とテストで使用する。タイムスタンプはUnixミリ秒で保存する。
type SQLiteSessionRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteSessionRepo はSQLiteSessionRepoを生成する。
// スキーマはdatabase.OpenSQLiteが作成済みであること。
func NewSQLiteSessionRepo(db *sql.DB) *SQLiteSessionRepo {
	return &SQLiteSessionRepo{db: db, now: time.Now}
}

// Save はセッションをUPSERTする。
func (r *SQLiteSessionRepo) Save(ctx context.Context, record *model.SessionRecord) error {
	data, err := json.Marshal(record.Data)
	if err != nil {
		return fmt.Errorf("failed to encode session data: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, data, is_authenticated, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   data = excluded.data,
		   is_authenticated = excluded.is_authenticated,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		record.ID, string(data), record.Data.IsAuthenticated,
		record.ExpiresAt.UnixMilli(), record.CreatedAt.UnixMilli(), record.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *SQLiteSessionRepo) FindByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	var (
		data                            string
		expiresAt, createdAt, updatedAt int64
	)
	record := &model.SessionRecord{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, data, expires_at, created_at, updated_at
		 FROM sessions
		 WHERE id = ? AND expires_at > ?`,
		id, r.now().UnixMilli(),
	).Scan(&record.ID, &data, &expiresAt, &createdAt, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	if err := decodeSessionData([]byte(data), &record.Data); err != nil {
		return nil, err
	}
	record.ExpiresAt = time.UnixMilli(expiresAt)
	record.CreatedAt = time.UnixMilli(createdAt)
	record.UpdatedAt = time.UnixMilli(updatedAt)
	return record, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *SQLiteSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *SQLiteSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`,
		r.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sessions: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SessionRepository = (*SQLiteSessionRepo)(nil)
