// Package events はワークスペースへサーバー側の変更を届けるイベントバスを提供する。
// ブローカー自体は実装せず、単一プロセスではメモリ、複数プロセスではNATSまたはRedisに委譲する。
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// イベント種別
const (
	TypeMessageCreated         = "message.created"
	TypeConversationUpdated    = "conversation.updated"
	TypeNotificationCreated    = "notification.created"
	TypeDocumentRequestUpdated = "document_request.updated"
)

// ErrBusClosed はClose済みのBusを操作した場合に返される。
var ErrBusClosed = errors.New("event bus closed")

// Event はバス上を流れる1件のイベント。PayloadはJSONエンコード済みのエンティティ。
type Event struct {
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Handler はイベントを受け取るコールバック。
type Handler func(Event)

// Bus はトピック単位のpublish/subscribeを提供する。
// Subscribeが返す関数を呼ぶと購読を解除する。ハンドラー内から解除関数を呼んではならない。
type Bus interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)
	Close() error
}

// UserTopic はユーザー宛てイベント（通知・会話一覧の更新）のトピック。
func UserTopic(userID string) string {
	return "user." + userID
}

// AdminTopic は管理者全員が受け取るイベント（書類依頼の更新）のトピック。
const AdminTopic = "role.admin"

// ConversationTopic は会話内のメッセージイベントのトピック。
func ConversationTopic(conversationID string) string {
	return "conversation." + conversationID
}

// New はpayloadをJSONエンコードしたEventを生成する。
func New(eventType, key string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s event: %w", eventType, err)
	}
	return Event{Type: eventType, Key: key, Payload: data, OccurredAt: time.Now().UTC()}, nil
}

// Decode はEventのPayloadをTにデコードする。
func Decode[T any](ev Event) (T, error) {
	var v T
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s event: %w", ev.Type, err)
	}
	return v, nil
}

// Publish はpayloadからEventを生成して複数トピックに発行する。
// 1つのトピックへの発行に失敗しても残りのトピックには発行し、最初のエラーを返す。
func Publish(ctx context.Context, bus Bus, eventType, key string, payload any, topics ...string) error {
	ev, err := New(eventType, key, payload)
	if err != nil {
		return err
	}
	var first error
	for _, topic := range topics {
		if err := bus.Publish(ctx, topic, ev); err != nil && first == nil {
			first = fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
	}
	return first
}
