package model

import "time"

// SeenStatus はメッセージ・通知の既読状態を表す。
// UNSEEN → SEEN の一方向にのみ遷移する。
type SeenStatus string

const (
	// SeenStatusUnseen は未読。
	SeenStatusUnseen SeenStatus = "UNSEEN"
	// SeenStatusSeen は既読。
	SeenStatusSeen SeenStatus = "SEEN"
)

// Conversation は2者間の会話を表す。
// UnreadCountは閲覧ユーザー視点の未読数で、負になることはない。
type Conversation struct {
	ID             string
	ParticipantAID string
	ParticipantBID string
	LastMessage    string
	LastMessageAt  time.Time
	UnreadCount    int
}

// OtherParticipant はuserIDから見た相手側の参加者IDを返す。
func (c Conversation) OtherParticipant(userID string) string {
	if c.ParticipantAID == userID {
		return c.ParticipantBID
	}
	return c.ParticipantAID
}

// HasParticipant はuserIDが会話の参加者かどうかを返す。
func (c Conversation) HasParticipant(userID string) bool {
	return c.ParticipantAID == userID || c.ParticipantBID == userID
}

// Attachment はメッセージに添付されたファイルへの参照。
type Attachment struct {
	Name       string `json:"name"`
	StorageKey string `json:"storage_key"`
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size"`
}

// Message は会話内の1メッセージを表す。作成後はSeenStatus以外変更されない。
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string // サニタイズ済みHTML
	Attachments    []Attachment
	SeenStatus     SeenStatus
	CreatedAt      time.Time
}
