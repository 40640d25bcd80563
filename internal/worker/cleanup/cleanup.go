// Package cleanup は期限切れデータの定期削除ジョブを提供する。
// workerプロセスでは永続化されたセッションレコードを、
// serveプロセスではメモリ上のログインフローとアイドルなセッションストアを掃除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredSessionDeleter は期限切れのセッションレコードを削除する。
// repository.SessionRepositoryが実装する。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// CleanupJob は期限切れセッションレコードの削除ジョブ。
// 冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	repo   ExpiredSessionDeleter
	logger *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(repo ExpiredSessionDeleter, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		repo:   repo,
		logger: logger,
	}
}

// Run はexpires_atを過ぎたセッションレコードを削除し、件数と処理時間をログに記録する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.repo.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// RunEvery は起動直後に1回fnを実行し、その後intervalごとに繰り返す。
// ctxがキャンセルされるまでブロックする。fnのエラーはログに記録して継続する。
func RunEvery(ctx context.Context, interval time.Duration, logger *slog.Logger, name string, fn func(context.Context) error) {
	run := func() {
		if err := fn(ctx); err != nil {
			logger.Error("periodic job failed",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
		}
	}

	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
