package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/wire"
)

// ConversationServiceInterface は会話・メッセージハンドラーが必要とするサービスインターフェース。
type ConversationServiceInterface interface {
	ListConversations(ctx context.Context, userID, token string, limit int) (model.Page[model.Conversation], error)
	GetConversation(ctx context.Context, userID, conversationID string) (*model.Conversation, error)
	StartConversation(ctx context.Context, userID, otherID string) (*model.Conversation, error)
	ListMessages(ctx context.Context, userID, conversationID, token string, limit int) (model.Page[model.Message], error)
	SendMessage(ctx context.Context, userID, conversationID, content string, attachments []model.Attachment) (*model.Message, error)
	MarkRead(ctx context.Context, userID, conversationID string) (int64, error)
}

// ConversationHandler は会話・メッセージのHTTPハンドラー。
type ConversationHandler struct {
	service ConversationServiceInterface
}

// NewConversationHandler はConversationHandlerを生成する。
func NewConversationHandler(service ConversationServiceInterface) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// startConversationRequest は会話開始リクエストのボディ。
type startConversationRequest struct {
	ParticipantID string `json:"participant_id"`
}

// sendMessageRequest はメッセージ送信リクエストのボディ。
type sendMessageRequest struct {
	Content     string             `json:"content"`
	Attachments []model.Attachment `json:"attachments"`
}

// markReadResponse は既読化のレスポンス。
type markReadResponse struct {
	ConversationID string `json:"conversation_id"`
	MarkedCount    int64  `json:"marked_count"`
}

// ListConversations は参加している会話の一覧を返す。
// GET /api/conversations?token=xxx&limit=n
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	token, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	page, err := h.service.ListConversations(r.Context(), identity.SubjectID, token, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.MapPage(page, wire.FromConversation))
}

// StartConversation は相手との会話を取得または作成する。
// POST /api/conversations
func (h *ConversationHandler) StartConversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req startConversationRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	conv, err := h.service.StartConversation(r.Context(), identity.SubjectID, req.ParticipantID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.FromConversation(*conv))
}

// GetConversation は会話を1件返す。
// GET /api/conversations/{id}
func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	conv, err := h.service.GetConversation(r.Context(), identity.SubjectID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.FromConversation(*conv))
}

// ListMessages は会話のメッセージを新しい順に返す。
// GET /api/conversations/{id}/messages?token=xxx&limit=n
func (h *ConversationHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	token, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	page, err := h.service.ListMessages(r.Context(), identity.SubjectID, chi.URLParam(r, "id"), token, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.MapPage(page, wire.FromMessage))
}

// SendMessage はメッセージを送信する。
// POST /api/conversations/{id}/messages
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	msg, err := h.service.SendMessage(r.Context(), identity.SubjectID, chi.URLParam(r, "id"), req.Content, req.Attachments)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.FromMessage(*msg))
}

// MarkRead は会話内の自分宛て未読メッセージを既読にする。
// POST /api/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")

	n, err := h.service.MarkRead(r.Context(), identity.SubjectID, conversationID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{ConversationID: conversationID, MarkedCount: n})
}
