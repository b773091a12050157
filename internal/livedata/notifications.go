package livedata

import (
	"context"
	"log/slog"

	"github.com/hitoshi/taxportal/internal/events"
	"github.com/hitoshi/taxportal/internal/model"
)

// NotificationService は通知フックが使う操作。notification.Serviceが実装する。
type NotificationService interface {
	List(ctx context.Context, userID, token string, limit int) (model.Page[model.Notification], error)
	MarkSeen(ctx context.Context, userID, id string) error
	SetStarred(ctx context.Context, userID, id string, starred bool) error
	MarkAllSeen(ctx context.Context, userID string) (int64, error)
}

// NotificationsHook はユーザーの通知一覧を保持する。
type NotificationsHook struct {
	*List[string, model.Notification]
	userID string
	svc    NotificationService
}

// NewNotificationsHook はNotificationsHookを生成する。
func NewNotificationsHook(userID string, svc NotificationService, onChange func()) *NotificationsHook {
	h := &NotificationsHook{userID: userID, svc: svc}
	h.List = NewList(ListConfig[string, model.Notification]{
		Name: "notifications",
		Key:  func(n model.Notification) string { return n.ID },
		Fetch: func(ctx context.Context, token string) (model.Page[model.Notification], error) {
			return svc.List(ctx, userID, token, 0)
		},
		OnChange: onChange,
	})
	return h
}

// MarkSeen は通知を楽観的に既読にする。
func (h *NotificationsHook) MarkSeen(ctx context.Context, id string) error {
	return h.Update(ctx, id,
		func(n model.Notification) model.Notification {
			n.SeenStatus = model.SeenStatusSeen
			return n
		},
		func(ctx context.Context) (*model.Notification, error) {
			return nil, h.svc.MarkSeen(ctx, h.userID, id)
		},
	)
}

// SetStarred はスター状態を楽観的に切り替える。
func (h *NotificationsHook) SetStarred(ctx context.Context, id string, starred bool) error {
	return h.Update(ctx, id,
		func(n model.Notification) model.Notification {
			n.IsStarred = starred
			return n
		},
		func(ctx context.Context) (*model.Notification, error) {
			return nil, h.svc.SetStarred(ctx, h.userID, id, starred)
		},
	)
}

// MarkAllSeen はすべての通知を楽観的に既読にする。失敗時は一覧を再取得する。
func (h *NotificationsHook) MarkAllSeen(ctx context.Context) error {
	h.PatchAll(func(n model.Notification) model.Notification {
		n.SeenStatus = model.SeenStatusSeen
		return n
	})
	if _, err := h.svc.MarkAllSeen(ctx, h.userID); err != nil {
		return h.revert(ctx, "mark_all_seen", err)
	}
	return nil
}

// HandleEvent はユーザートピックのnotification.createdを反映する。
func (h *NotificationsHook) HandleEvent(ev events.Event) {
	if ev.Type != events.TypeNotificationCreated {
		return
	}
	n, err := events.Decode[model.Notification](ev)
	if err != nil {
		slog.Warn("dropping undecodable notification event", slog.String("error", err.Error()))
		return
	}
	if n.UserID != h.userID {
		return
	}
	h.Upsert(n, true)
}
