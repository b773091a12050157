// Package cleanup は保持期間を過ぎたデータの自動削除ジョブを提供する。
// 論理削除から保持期間を超えたファイル行と、既読から保持期間を超えた通知を
// 定期バッチで物理削除する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// 削除対象の名前。メトリクスのラベルにも使う。
const (
	TargetFiles         = "files"
	TargetNotifications = "notifications"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Recorder は削除件数を記録する。metrics.Collectorが実装する。
type Recorder interface {
	RecordCleanupDeleted(target string, count int64)
}

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 削除対象がなくてもエラーにならず、何度実行しても結果は同じになる。
type CleanupJob struct {
	db       Executor
	logger   *slog.Logger
	recorder Recorder

	FileRetentionDays         int // 論理削除されたファイルの保持日数（デフォルト: 30）
	NotificationRetentionDays int // 既読通知の保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(db Executor, logger *slog.Logger, recorder Recorder) *CleanupJob {
	return &CleanupJob{
		db:                        db,
		logger:                    logger,
		recorder:                  recorder,
		FileRetentionDays:         30,
		NotificationRetentionDays: 90,
	}
}

type cleanupTarget struct {
	name          string
	query         string
	retentionDays int
}

func (j *CleanupJob) targets() []cleanupTarget {
	return []cleanupTarget{
		{
			name:          TargetFiles,
			query:         `DELETE FROM files WHERE is_deleted = TRUE AND deleted_at < now() - $1::interval`,
			retentionDays: j.FileRetentionDays,
		},
		{
			name:          TargetNotifications,
			query:         `DELETE FROM notifications WHERE seen_status = 'SEEN' AND seen_at < now() - $1::interval`,
			retentionDays: j.NotificationRetentionDays,
		},
	}
}

// Run は各対象の削除を順に実行する。
// 1つの対象が失敗しても残りの対象は実行し、失敗をまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	var errs []error
	for _, target := range j.targets() {
		if err := j.runTarget(ctx, target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (j *CleanupJob) runTarget(ctx context.Context, target cleanupTarget) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", target.retentionDays)

	result, err := j.db.ExecContext(ctx, target.query, interval)
	if err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("target", target.name),
			slog.String("error", err.Error()),
			slog.Int("retention_days", target.retentionDays),
		)
		return fmt.Errorf("%sのクリーンアップの実行に失敗: %w", target.name, err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("target", target.name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%sの削除件数の取得に失敗: %w", target.name, err)
	}

	if j.recorder != nil {
		j.recorder.RecordCleanupDeleted(target.name, deletedCount)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.String("target", target.name),
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", target.retentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
