package livedata

import (
	"context"

	"github.com/hitoshi/taxportal/internal/model"
)

// ConversationService は会話一覧フックが使う操作。messaging.Serviceが実装する。
type ConversationService interface {
	ListConversations(ctx context.Context, userID, token string, limit int) (model.Page[model.Conversation], error)
	MarkRead(ctx context.Context, userID, conversationID string) (int64, error)
}

// ConversationsHook はユーザーが参加している会話一覧を保持する。
type ConversationsHook struct {
	*List[string, model.Conversation]
	userID string
	svc    ConversationService
}

// NewConversationsHook はConversationsHookを生成する。
func NewConversationsHook(userID string, svc ConversationService, onChange func()) *ConversationsHook {
	h := &ConversationsHook{userID: userID, svc: svc}
	h.List = NewList(ListConfig[string, model.Conversation]{
		Name: "conversations",
		Key:  func(c model.Conversation) string { return c.ID },
		Fetch: func(ctx context.Context, token string) (model.Page[model.Conversation], error) {
			return svc.ListConversations(ctx, userID, token, 0)
		},
		OnChange: onChange,
	})
	return h
}

// MarkRead は会話の未読数を楽観的に0にしてから既読化を要求する。
func (h *ConversationsHook) MarkRead(ctx context.Context, conversationID string) error {
	return h.Update(ctx, conversationID,
		func(c model.Conversation) model.Conversation {
			c.UnreadCount = 0
			return c
		},
		func(ctx context.Context) (*model.Conversation, error) {
			_, err := h.svc.MarkRead(ctx, h.userID, conversationID)
			return nil, err
		},
	)
}

// ApplyUpdate はサーバーから通知された会話を先頭に移動して反映する。
func (h *ConversationsHook) ApplyUpdate(c model.Conversation) {
	if !c.HasParticipant(h.userID) {
		return
	}
	h.Upsert(c, true)
}
