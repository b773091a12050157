// Package wire はドメインモデルのJSON表現を定義する。
// REST APIのレスポンスとワークスペースのフレームで同じ表現を使う。
package wire

import (
	"time"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/model"
)

// Page は継続トークン付きの一覧レスポンス。
type Page[T any] struct {
	Items     []T    `json:"items"`
	NextToken string `json:"next_token,omitempty"`
	HasMore   bool   `json:"has_more"`
}

// MapPage はmodel.Pageの各要素をfで変換する。Itemsは空でもnullにしない。
func MapPage[T, R any](p model.Page[T], f func(T) R) Page[R] {
	return Page[R]{
		Items:     MapSlice(p.Items, f),
		NextToken: p.NextToken,
		HasMore:   p.HasMore(),
	}
}

// MapSlice はスライスの各要素をfで変換する。結果は空でもnullにしない。
func MapSlice[T, R any](items []T, f func(T) R) []R {
	out := make([]R, 0, len(items))
	for _, it := range items {
		out = append(out, f(it))
	}
	return out
}

// Conversation は会話のJSON表現。UnreadCountは閲覧ユーザー視点。
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantAID string    `json:"participant_a_id"`
	ParticipantBID string    `json:"participant_b_id"`
	LastMessage    string    `json:"last_message"`
	LastMessageAt  time.Time `json:"last_message_at"`
	UnreadCount    int       `json:"unread_count"`
}

// FromConversation はmodel.ConversationをJSON表現に変換する。
func FromConversation(c model.Conversation) Conversation {
	return Conversation{
		ID:             c.ID,
		ParticipantAID: c.ParticipantAID,
		ParticipantBID: c.ParticipantBID,
		LastMessage:    c.LastMessage,
		LastMessageAt:  c.LastMessageAt,
		UnreadCount:    c.UnreadCount,
	}
}

// Message はメッセージのJSON表現。Contentはサニタイズ済みHTML。
type Message struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	SenderID       string             `json:"sender_id"`
	ReceiverID     string             `json:"receiver_id"`
	Content        string             `json:"content"`
	Attachments    []model.Attachment `json:"attachments"`
	SeenStatus     model.SeenStatus   `json:"seen_status"`
	CreatedAt      time.Time          `json:"created_at"`
}

// FromMessage はmodel.MessageをJSON表現に変換する。
func FromMessage(m model.Message) Message {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []model.Attachment{}
	}
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Attachments:    attachments,
		SeenStatus:     m.SeenStatus,
		CreatedAt:      m.CreatedAt,
	}
}

// Notification は通知のJSON表現。
type Notification struct {
	ID                    string                 `json:"id"`
	Type                  model.NotificationType `json:"type"`
	Title                 string                 `json:"title"`
	Description           string                 `json:"description"`
	SeenStatus            model.SeenStatus       `json:"seen_status"`
	IsStarred             bool                   `json:"is_starred"`
	Priority              model.Priority         `json:"priority"`
	RelatedConversationID string                 `json:"related_conversation_id,omitempty"`
	RelatedPath           string                 `json:"related_path,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
}

// FromNotification はmodel.NotificationをJSON表現に変換する。
func FromNotification(n model.Notification) Notification {
	return Notification{
		ID:                    n.ID,
		Type:                  n.Type,
		Title:                 n.Title,
		Description:           n.Description,
		SeenStatus:            n.SeenStatus,
		IsStarred:             n.IsStarred,
		Priority:              n.Priority,
		RelatedConversationID: n.RelatedConversationID,
		RelatedPath:           n.RelatedPath,
		CreatedAt:             n.CreatedAt,
	}
}

// DocumentRequest は書類依頼のJSON表現。
type DocumentRequest struct {
	ID             string                      `json:"id"`
	ClientID       string                      `json:"client_id"`
	ProfessionalID string                      `json:"professional_id"`
	DocumentType   string                      `json:"document_type"`
	Note           string                      `json:"note,omitempty"`
	Priority       model.Priority              `json:"priority"`
	Status         model.DocumentRequestStatus `json:"status"`
	DueDate        time.Time                   `json:"due_date"`
	FulfilledAt    *time.Time                  `json:"fulfilled_at,omitempty"`
	FulfilledPath  string                      `json:"fulfilled_path,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// FromDocumentRequest はmodel.DocumentRequestをJSON表現に変換する。
func FromDocumentRequest(r model.DocumentRequest) DocumentRequest {
	return DocumentRequest{
		ID:             r.ID,
		ClientID:       r.ClientID,
		ProfessionalID: r.ProfessionalID,
		DocumentType:   r.DocumentType,
		Note:           r.Note,
		Priority:       r.Priority,
		Status:         r.Status,
		DueDate:        r.DueDate,
		FulfilledAt:    r.FulfilledAt,
		FulfilledPath:  r.FulfilledPath,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// FileEntry はファイル・フォルダのJSON表現。StorageKeyは公開しない。
type FileEntry struct {
	Path       string         `json:"path"`
	ParentPath string         `json:"parent_path"`
	Name       string         `json:"name"`
	Type       model.FileType `json:"type"`
	Size       *int64         `json:"size,omitempty"`
	MimeType   string         `json:"mime_type,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// FromFileEntry はmodel.FileEntryをJSON表現に変換する。
func FromFileEntry(f model.FileEntry) FileEntry {
	return FileEntry{
		Path:       f.Path,
		ParentPath: f.ParentPath,
		Name:       f.Name,
		Type:       f.Type,
		Size:       f.Size,
		MimeType:   f.MimeType,
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
	}
}

// User はプロフィールのJSON表現。RoleLabelは表示用のロール名。
type User struct {
	ID                     string `json:"id"`
	Email                  string `json:"email"`
	DisplayName            string `json:"display_name"`
	Role                   string `json:"role"`
	RoleLabel              string `json:"role_label"`
	AssignedProfessionalID string `json:"assigned_professional_id,omitempty"`
}

// FromUser はmodel.UserをJSON表現に変換する。未知のロールも表示名を持つ。
func FromUser(u model.User) User {
	return User{
		ID:                     u.ID,
		Email:                  u.Email,
		DisplayName:            u.DisplayName,
		Role:                   u.Role,
		RoleLabel:              auth.ParseRole(u.Role).Label(),
		AssignedProfessionalID: u.AssignedProfessionalID,
	}
}

// FromUserPtr はnilを許容するFromUser。
func FromUserPtr(u *model.User) *User {
	if u == nil {
		return nil
	}
	w := FromUser(*u)
	return &w
}

// Identity はセッションのIdentityのJSON表現。
type Identity struct {
	SubjectID              string `json:"sub"`
	Email                  string `json:"email"`
	DisplayName            string `json:"display_name"`
	Role                   string `json:"role"`
	RoleLabel              string `json:"role_label"`
	AssignedProfessionalID string `json:"assigned_professional_id,omitempty"`
}

// FromIdentity はauth.IdentityをJSON表現に変換する。
func FromIdentity(id *auth.Identity) Identity {
	return Identity{
		SubjectID:              id.SubjectID,
		Email:                  id.Email,
		DisplayName:            id.DisplayName,
		Role:                   id.Role.String(),
		RoleLabel:              id.Role.Label(),
		AssignedProfessionalID: id.AssignedProfessionalID,
	}
}
