package livedata

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/taxportal/internal/events"
	"github.com/hitoshi/taxportal/internal/model"
)

// MessageService はメッセージフックが使う操作。messaging.Serviceが実装する。
type MessageService interface {
	// GetConversation は参加していない会話に対してエラーを返す。
	GetConversation(ctx context.Context, userID, conversationID string) (*model.Conversation, error)
	ListMessages(ctx context.Context, userID, conversationID, token string, limit int) (model.Page[model.Message], error)
	SendMessage(ctx context.Context, userID, conversationID, content string, attachments []model.Attachment) (*model.Message, error)
}

// PendingIDPrefix は送信中のメッセージに付ける仮IDの接頭辞。
const PendingIDPrefix = "pending-"

// MessagesHook は開いている1つの会話のメッセージを保持し、新着メッセージを購読する。
// 会話を切り替えると古い会話の購読を解除してから新しい会話を購読する。
// 参加を確認できない会話は購読しない。
type MessagesHook struct {
	*List[string, model.Message]
	userID         string
	svc            MessageService
	conversationID atomic.Pointer[string]
	sub            *Subscriber[events.Event]

	// OpenとSendを直列化し、購読中の会話と送信先の会話を一致させる
	mu sync.Mutex
}

// NewMessagesHook はMessagesHookを生成する。subscribeにはConversationTopicを購読する関数を渡す。
func NewMessagesHook(userID string, svc MessageService, subscribe SubscribeFunc[events.Event], onChange func()) *MessagesHook {
	h := &MessagesHook{userID: userID, svc: svc}
	h.setConversation("")
	h.List = NewList(ListConfig[string, model.Message]{
		Name: "messages",
		Key:  func(m model.Message) string { return m.ID },
		Fetch: func(ctx context.Context, token string) (model.Page[model.Message], error) {
			return svc.ListMessages(ctx, userID, h.ConversationID(), token, 0)
		},
		OnChange: onChange,
	})
	h.sub = NewSubscriber("messages", subscribe, h.handleEvent)
	return h
}

// ConversationID は開いている会話のIDを返す。
func (h *MessagesHook) ConversationID() string {
	return *h.conversationID.Load()
}

// Open は会話を開く。参加を確認してから購読を切り替え、先頭ページを取得する。
// 確認や取得に失敗した場合は購読を解除して状態を空にし、エラーを状態に記録して返す。
func (h *MessagesHook) Open(ctx context.Context, conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conversationID != h.ConversationID() {
		h.Reset()
	}
	if conversationID == "" {
		h.setConversation("")
		return h.sub.Watch("")
	}

	if _, err := h.svc.GetConversation(ctx, h.userID, conversationID); err != nil {
		return h.abandon(&HookError{Op: "messages.open", Err: err})
	}

	h.setConversation(conversationID)
	if err := h.sub.Watch(conversationID); err != nil {
		return err
	}
	if err := h.Fetch(ctx, ""); err != nil {
		var herr *HookError
		if errors.As(err, &herr) {
			return h.abandon(herr)
		}
		return err
	}
	return nil
}

// abandon は開きかけた会話を閉じる。
func (h *MessagesHook) abandon(herr *HookError) error {
	_ = h.sub.Watch("")
	h.setConversation("")
	h.Reset()
	h.setErr(herr)
	return herr
}

func (h *MessagesHook) setConversation(id string) {
	h.conversationID.Store(&id)
}

// Send は仮のメッセージを先頭に追加してから、開いている会話へ送信する。
func (h *MessagesHook) Send(ctx context.Context, content string, attachments []model.Attachment) (model.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conversationID := h.ConversationID()
	if conversationID == "" {
		return model.Message{}, ErrNoConversation
	}
	pending := model.Message{
		ID:             PendingIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       h.userID,
		Content:        content,
		Attachments:    attachments,
		SeenStatus:     model.SeenStatusUnseen,
		CreatedAt:      time.Now(),
	}
	return h.Insert(ctx, pending, func(ctx context.Context) (model.Message, error) {
		msg, err := h.svc.SendMessage(ctx, h.userID, conversationID, content, attachments)
		if err != nil {
			return model.Message{}, err
		}
		return *msg, nil
	})
}

// SubscriptionErr は購読失敗を返す。
func (h *MessagesHook) SubscriptionErr() *HookError {
	return h.sub.Err()
}

// Close は購読を解除し、以降の結果を捨てる。
func (h *MessagesHook) Close() {
	h.sub.Close()
	h.List.Close()
}

func (h *MessagesHook) handleEvent(ev events.Event) {
	if ev.Type != events.TypeMessageCreated {
		return
	}
	msg, err := events.Decode[model.Message](ev)
	if err != nil {
		slog.Warn("dropping undecodable message event", slog.String("error", err.Error()))
		return
	}
	if msg.ConversationID != h.ConversationID() {
		return
	}
	h.Upsert(msg, false)
}
