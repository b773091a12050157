// Package reminder は期限超過の書類依頼に対するリマインド通知の定期実行を提供する。
package reminder

import (
	"context"
	"log/slog"
	"time"
)

// Reminder は期限超過の書類依頼を走査し、顧客への緊急通知を作成する。
type Reminder interface {
	// RemindOverdue は作成した通知の件数を返す。
	RemindOverdue(ctx context.Context) (int, error)
}

// Recorder はリマインド件数の記録先。
type Recorder interface {
	RecordRemindersSent(count int)
}

// Scheduler はリマインドを一定間隔で実行する。
type Scheduler struct {
	reminder Reminder
	recorder Recorder
	logger   *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// recorderはnilでもよい。
func NewScheduler(reminder Reminder, recorder Recorder, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		reminder: reminder,
		recorder: recorder,
		logger:   logger,
	}
}

// Start はintervalごとにリマインドを実行する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("リマインドスケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("リマインドスケジューラを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("リマインドの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce はリマインドを1回実行し、作成した通知の件数を返す。
// 途中でエラーになっても、それまでに作成した件数は記録する。
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()

	sent, err := s.reminder.RemindOverdue(ctx)
	if sent > 0 && s.recorder != nil {
		s.recorder.RecordRemindersSent(sent)
	}
	if err != nil {
		return sent, err
	}

	s.logger.Info("リマインドを実行しました",
		slog.Int("sent", sent),
		slog.Duration("duration", time.Since(start)),
	)
	return sent, nil
}
