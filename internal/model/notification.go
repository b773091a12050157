package model

import "time"

// NotificationType は通知の種別。
type NotificationType string

const (
	NotificationTypeNewMessage        NotificationType = "NEW_MESSAGE"
	NotificationTypeDocumentRequested NotificationType = "DOCUMENT_REQUESTED"
	NotificationTypeDocumentUploaded  NotificationType = "DOCUMENT_UPLOADED"
	NotificationTypeDocumentReviewed  NotificationType = "DOCUMENT_REVIEWED"
	NotificationTypeDocumentOverdue   NotificationType = "DOCUMENT_OVERDUE"
	NotificationTypeSystem            NotificationType = "SYSTEM"
)

// Notification はサーバー側イベントで生成される通知を表す。
// クライアントが変更できるのはSeenStatusとIsStarredのみ。
type Notification struct {
	ID                    string
	UserID                string
	Type                  NotificationType
	Title                 string
	Description           string
	SeenStatus            SeenStatus
	IsStarred             bool
	Priority              Priority
	RelatedConversationID string
	RelatedPath           string
	CreatedAt             time.Time
}

// Unseen は未読かどうかを返す。
func (n Notification) Unseen() bool {
	return n.SeenStatus != SeenStatusSeen
}
