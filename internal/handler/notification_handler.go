package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/notification"
	"github.com/hitoshi/taxportal/internal/wire"
)

// NotificationServiceInterface は通知ハンドラーが必要とするサービスインターフェース。
type NotificationServiceInterface interface {
	List(ctx context.Context, userID, token string, limit int) (model.Page[model.Notification], error)
	MarkSeen(ctx context.Context, userID, id string) error
	SetStarred(ctx context.Context, userID, id string, starred bool) error
	MarkAllSeen(ctx context.Context, userID string) (int64, error)
}

// ConversationLister は通知ビューの集約に使う会話一覧の取得。
type ConversationLister interface {
	ListConversations(ctx context.Context, userID, token string, limit int) (model.Page[model.Conversation], error)
}

// NotificationHandler は通知のHTTPハンドラー。
type NotificationHandler struct {
	service       NotificationServiceInterface
	conversations ConversationLister
	location      *time.Location
	now           func() time.Time
}

// NewNotificationHandler はNotificationHandlerを生成する。locationは日付グループの基準タイムゾーン。
func NewNotificationHandler(service NotificationServiceInterface, conversations ConversationLister, location *time.Location) *NotificationHandler {
	if location == nil {
		location = time.Local
	}
	return &NotificationHandler{
		service:       service,
		conversations: conversations,
		location:      location,
		now:           time.Now,
	}
}

// setStarredRequest はスター設定リクエストのボディ。
type setStarredRequest struct {
	Starred *bool `json:"starred"`
}

// markAllSeenResponse は一括既読のレスポンス。
type markAllSeenResponse struct {
	MarkedCount int64 `json:"marked_count"`
}

// List は通知の一覧を新しい順に返す。
// GET /api/notifications?token=xxx&limit=n
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	token, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	page, err := h.service.List(r.Context(), identity.SubjectID, token, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.MapPage(page, wire.FromNotification))
}

// View は会話の未読と通知を集約したビューを返す。
// 集約対象はそれぞれの先頭ページで、ワークスペースの初期表示と同じ範囲になる。
// GET /api/notifications/view?filter=all|unread|starred|urgent
func (h *NotificationHandler) View(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	conversations, err := h.conversations.ListConversations(ctx, identity.SubjectID, "", 0)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	notifications, err := h.service.List(ctx, identity.SubjectID, "", 0)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	view, err := notification.BuildView(conversations.Items, notifications.Items, identity.SubjectID,
		r.URL.Query().Get("filter"), h.now(), h.location)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// MarkSeen は通知を既読にする。
// POST /api/notifications/{id}/seen
func (h *NotificationHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	if err := h.service.MarkSeen(r.Context(), identity.SubjectID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetStarred は通知のスターを設定・解除する。
// PUT /api/notifications/{id}/star
func (h *NotificationHandler) SetStarred(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req setStarredRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Starred == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("starredを指定してください"))
		return
	}

	if err := h.service.SetStarred(r.Context(), identity.SubjectID, chi.URLParam(r, "id"), *req.Starred); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkAllSeen はすべての通知を既読にする。
// POST /api/notifications/seen
func (h *NotificationHandler) MarkAllSeen(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	n, err := h.service.MarkAllSeen(r.Context(), identity.SubjectID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markAllSeenResponse{MarkedCount: n})
}
