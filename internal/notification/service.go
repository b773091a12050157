package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/taxportal/internal/events"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/repository"
)

// Service は通知のサービス層。
// 一覧取得、既読化、スター切り替え、通知の作成とイベント発行を提供する。
type Service struct {
	repo repository.NotificationRepository
	bus  events.Bus
	now  func() time.Time
}

// NewService はServiceを生成する。busがnilの場合はイベントを発行しない。
func NewService(repo repository.NotificationRepository, bus events.Bus) *Service {
	return &Service{repo: repo, bus: bus, now: time.Now}
}

// List はユーザーの通知を新しい順で返す。
func (s *Service) List(ctx context.Context, userID, token string, limit int) (model.Page[model.Notification], error) {
	page, err := s.repo.ListByUser(ctx, userID, token, limit)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidToken) {
			return model.Page[model.Notification]{}, model.NewInvalidContinuationTokenError()
		}
		return model.Page[model.Notification]{}, fmt.Errorf("通知一覧の取得に失敗しました: %w", err)
	}
	return page, nil
}

// MarkSeen は通知を既読にする。既読の通知に対しても成功する。
func (s *Service) MarkSeen(ctx context.Context, userID, id string) error {
	ok, err := s.repo.MarkSeen(ctx, userID, id)
	if err != nil {
		return fmt.Errorf("通知の既読化に失敗しました: %w", err)
	}
	if !ok {
		return model.NewNotificationNotFoundError(id)
	}
	return nil
}

// SetStarred は通知のスター状態を更新する。
func (s *Service) SetStarred(ctx context.Context, userID, id string, starred bool) error {
	ok, err := s.repo.SetStarred(ctx, userID, id, starred)
	if err != nil {
		return fmt.Errorf("通知のスター更新に失敗しました: %w", err)
	}
	if !ok {
		return model.NewNotificationNotFoundError(id)
	}
	return nil
}

// MarkAllSeen はユーザーの未読通知をすべて既読にし、更新件数を返す。
func (s *Service) MarkAllSeen(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.MarkAllSeen(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("通知の一括既読化に失敗しました: %w", err)
	}
	return n, nil
}

// Notify は通知を作成し、宛先ユーザーのトピックにnotification.createdを発行する。
// dedupeKeyが同じ通知が既にある場合は作成せずfalseを返す。
// 通知の作成に成功していればイベント発行の失敗はログに残すだけにする。
func (s *Service) Notify(ctx context.Context, n *model.Notification, dedupeKey string) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.SeenStatus == "" {
		n.SeenStatus = model.SeenStatusUnseen
	}
	if n.Priority == "" {
		n.Priority = model.PriorityNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}

	created, err := s.repo.Create(ctx, n, dedupeKey)
	if err != nil {
		return false, fmt.Errorf("通知の作成に失敗しました: %w", err)
	}
	if !created {
		return false, nil
	}

	if s.bus != nil {
		if err := events.Publish(ctx, s.bus, events.TypeNotificationCreated, n.ID, n, events.UserTopic(n.UserID)); err != nil {
			slog.WarnContext(ctx, "通知イベントの発行に失敗しました",
				slog.String("notification_id", n.ID),
				slog.String("user_id", n.UserID),
				slog.String("error", err.Error()),
			)
		}
	}
	return true, nil
}
