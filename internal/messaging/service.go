// Package messaging は会話とメッセージのドメインロジックを提供する。
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/taxportal/internal/events"
	"github.com/hitoshi/taxportal/internal/files"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/repository"
	"github.com/hitoshi/taxportal/internal/security"
)

const (
	// maxContentLength はサニタイズ後の本文の最大文字数。
	maxContentLength = 10000
	// maxAttachments は1メッセージに添付できるファイル数の上限。
	maxAttachments = 10
	// previewLength は通知の説明文に使う本文の文字数。
	previewLength = 100
)

// Notifier は通知を作成する。notification.Serviceが実装する。
type Notifier interface {
	Notify(ctx context.Context, n *model.Notification, dedupeKey string) (bool, error)
}

// Service は会話・メッセージのサービス層。
// 会話一覧、メッセージ一覧、送信、既読化のビジネスロジックを提供する。
// 変更はイベントバスに発行し、開いているワークスペースへ届ける。
type Service struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	sanitizer     security.Sanitizer
	notifier      Notifier
	bus           events.Bus
	now           func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。notifierとbusはnilでもよい。
func NewService(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	sanitizer security.Sanitizer,
	notifier Notifier,
	bus events.Bus,
) *Service {
	return &Service{
		conversations: conversations,
		messages:      messages,
		sanitizer:     sanitizer,
		notifier:      notifier,
		bus:           bus,
		now:           time.Now,
	}
}

// ListConversations はユーザーが参加している会話を最終メッセージ日時の降順で返す。
func (s *Service) ListConversations(ctx context.Context, userID, token string, limit int) (model.Page[model.Conversation], error) {
	page, err := s.conversations.ListByParticipant(ctx, userID, token, limit)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidToken) {
			return model.Page[model.Conversation]{}, model.NewInvalidContinuationTokenError()
		}
		return model.Page[model.Conversation]{}, fmt.Errorf("会話一覧の取得に失敗しました: %w", err)
	}
	return page, nil
}

// GetConversation はユーザー視点の会話を返す。参加していない会話は見つからない扱いにする。
func (s *Service) GetConversation(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	c, err := s.conversations.FindByID(ctx, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("会話の取得に失敗しました: %w", err)
	}
	if c == nil || !c.HasParticipant(userID) {
		return nil, model.NewConversationNotFoundError(conversationID)
	}
	return c, nil
}

// StartConversation は相手との会話を取得し、なければ作成する。
func (s *Service) StartConversation(ctx context.Context, userID, otherID string) (*model.Conversation, error) {
	otherID = strings.TrimSpace(otherID)
	if otherID == "" || otherID == userID {
		return nil, model.NewInvalidRequestError("会話の相手が不正です")
	}
	c, err := s.conversations.FindOrCreate(ctx, userID, otherID)
	if err != nil {
		return nil, fmt.Errorf("会話の作成に失敗しました: %w", err)
	}
	return c, nil
}

// ListMessages は会話のメッセージを新しい順で返す。
func (s *Service) ListMessages(ctx context.Context, userID, conversationID, token string, limit int) (model.Page[model.Message], error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return model.Page[model.Message]{}, err
	}
	page, err := s.messages.ListByConversation(ctx, conversationID, token, limit)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidToken) {
			return model.Page[model.Message]{}, model.NewInvalidContinuationTokenError()
		}
		return model.Page[model.Message]{}, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}
	return page, nil
}

// SendMessage は本文をサニタイズしてメッセージを保存し、相手に通知する。
// 添付ファイルは送信者自身のストレージキーのみ指定できる。
func (s *Service) SendMessage(ctx context.Context, userID, conversationID, content string, attachments []model.Attachment) (*model.Message, error) {
	c, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	// 1. 入力の検証
	content = s.sanitizer.Sanitize(content)
	if content == "" && len(attachments) == 0 {
		return nil, model.NewInvalidRequestError("本文または添付ファイルが必要です")
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("本文は%d文字以内で入力してください", maxContentLength))
	}
	if err := validateAttachments(userID, attachments); err != nil {
		return nil, err
	}

	// 2. 保存
	msg := &model.Message{
		ConversationID: conversationID,
		SenderID:       userID,
		ReceiverID:     c.OtherParticipant(userID),
		Content:        content,
		Attachments:    attachments,
		SeenStatus:     model.SeenStatusUnseen,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("メッセージの保存に失敗しました: %w", err)
	}

	// 3. 配信（保存済みのため失敗してもエラーにしない）
	s.publish(ctx, events.TypeMessageCreated, msg.ID, msg, events.ConversationTopic(conversationID))
	s.publishConversation(ctx, conversationID, msg.SenderID, msg.ReceiverID)
	s.notifyReceiver(ctx, msg)

	return msg, nil
}

// MarkRead はユーザー宛ての未読メッセージを既読にし、更新件数を返す。
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string) (int64, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return 0, err
	}
	n, err := s.messages.MarkSeen(ctx, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("メッセージの既読化に失敗しました: %w", err)
	}
	if n > 0 {
		s.publishConversation(ctx, conversationID, userID)
	}
	return n, nil
}

func validateAttachments(userID string, attachments []model.Attachment) error {
	if len(attachments) > maxAttachments {
		return model.NewInvalidRequestError(fmt.Sprintf("添付ファイルは%d件までです", maxAttachments))
	}
	prefix := files.StoragePrefix(userID)
	for _, a := range attachments {
		if strings.TrimSpace(a.Name) == "" || a.Size < 0 {
			return model.NewInvalidRequestError("添付ファイルの情報が不正です")
		}
		if !strings.HasPrefix(a.StorageKey, prefix) {
			return model.NewForbiddenError()
		}
	}
	return nil
}

// publishConversation は会話を閲覧者ごとの未読数で取得し直し、各閲覧者のトピックに発行する。
func (s *Service) publishConversation(ctx context.Context, conversationID string, viewers ...string) {
	if s.bus == nil {
		return
	}
	for _, viewer := range viewers {
		c, err := s.conversations.FindByID(ctx, conversationID, viewer)
		if err != nil || c == nil {
			slog.WarnContext(ctx, "会話の再取得に失敗したため更新イベントを発行しません",
				slog.String("conversation_id", conversationID),
				slog.String("user_id", viewer),
			)
			continue
		}
		s.publish(ctx, events.TypeConversationUpdated, conversationID, c, events.UserTopic(viewer))
	}
}

func (s *Service) notifyReceiver(ctx context.Context, msg *model.Message) {
	if s.notifier == nil {
		return
	}
	description := s.sanitizer.PlainText(msg.Content)
	if description == "" && len(msg.Attachments) > 0 {
		description = msg.Attachments[0].Name
	}
	if runes := []rune(description); len(runes) > previewLength {
		description = string(runes[:previewLength]) + "…"
	}

	n := &model.Notification{
		UserID:                msg.ReceiverID,
		Type:                  model.NotificationTypeNewMessage,
		Title:                 "新着メッセージ",
		Description:           description,
		Priority:              model.PriorityNormal,
		RelatedConversationID: msg.ConversationID,
	}
	if _, err := s.notifier.Notify(ctx, n, "message:"+msg.ID); err != nil {
		slog.WarnContext(ctx, "新着メッセージ通知の作成に失敗しました",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) publish(ctx context.Context, eventType, key string, payload any, topic string) {
	if s.bus == nil {
		return
	}
	if err := events.Publish(ctx, s.bus, eventType, key, payload, topic); err != nil {
		slog.WarnContext(ctx, "イベントの発行に失敗しました",
			slog.String("type", eventType),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
