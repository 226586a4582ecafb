// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// verifyが期限切れを判定できるよう、失効直後の行は保持期間が過ぎるまで残す。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultRetention は失効後にセッション行を保持する既定期間。
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultInterval は実行間隔が正でないときに使う間隔。
	DefaultInterval = 24 * time.Hour
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Job は保持期間を超過した期限切れセッションの削除ジョブ。
// 冪等な削除処理のため、何度実行しても結果は変わらない。
type Job struct {
	db     Executor
	logger *slog.Logger

	// Retention はexpires_atからの保持期間（デフォルト: 720h）。
	Retention time.Duration
	// OnPurged は削除件数の通知先。メトリクス記録に使う。
	OnPurged func(count int64)
}

// NewJob は新しいJobを生成する。
func NewJob(db Executor, logger *slog.Logger) *Job {
	return &Job{
		db:        db,
		logger:    logger,
		Retention: DefaultRetention,
	}
}

// Run はexpires_atが保持期間より前のセッションを削除する。
func (j *Job) Run(ctx context.Context) error {
	if j.Retention < 0 {
		return fmt.Errorf("retention must not be negative: %s", j.Retention)
	}
	start := time.Now()

	interval := fmt.Sprintf("%d seconds", int64(j.Retention/time.Second))

	query := `DELETE FROM sessions WHERE expires_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("セッションクリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("failed to purge expired sessions: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to get purged session count: %w", err)
	}

	if j.OnPurged != nil {
		j.OnPurged(deletedCount)
	}

	duration := time.Since(start)
	j.logger.Info("セッションクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回、その後interval間隔でRunを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("セッションクリーンアップワーカーを開始しました",
		slog.Duration("interval", interval),
	)

	// エラーはRun内でログ出力済み
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションクリーンアップワーカーを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
