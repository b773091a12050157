package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/wire"
)

func TestConversationHandler_ListConversations_PassesPaging(t *testing.T) {
	svc := &mockConversationService{
		listConversationsFn: func(ctx context.Context, userID, token string, limit int) (model.Page[model.Conversation], error) {
			if userID != "client-1" || token != "tok" || limit != 20 {
				t.Errorf("args = (%q, %q, %d), want (client-1, tok, 20)", userID, token, limit)
			}
			return model.Page[model.Conversation]{
				Items:     []model.Conversation{{ID: "c-1", ParticipantAID: "client-1", ParticipantBID: "pro-1", UnreadCount: 2}},
				NextToken: "next",
			}, nil
		},
	}
	h := NewConversationHandler(svc)

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/conversations?token=tok&limit=20", nil), testClient)
	w := httptest.NewRecorder()

	h.ListConversations(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var page wire.Page[wire.Conversation]
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].UnreadCount != 2 {
		t.Errorf("items = %+v, want one conversation with 2 unread", page.Items)
	}
	if page.NextToken != "next" || !page.HasMore {
		t.Errorf("next_token = %q has_more = %v, want next/true", page.NextToken, page.HasMore)
	}
}

func TestConversationHandler_ListConversations_InvalidLimit(t *testing.T) {
	h := NewConversationHandler(&mockConversationService{})

	for _, limit := range []string{"0", "101", "abc"} {
		req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/conversations?limit="+limit, nil), testClient)
		w := httptest.NewRecorder()

		h.ListConversations(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want %d", limit, w.Code, http.StatusBadRequest)
		}
	}
}

func TestConversationHandler_NoIdentity_ReturnsUnauthorized(t *testing.T) {
	h := NewConversationHandler(&mockConversationService{})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	w := httptest.NewRecorder()

	h.ListConversations(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if code := decodeErrorCode(t, w.Body.Bytes()); code != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", code, model.ErrCodeUnauthorized)
	}
}

func TestConversationHandler_GetConversation_NotFound(t *testing.T) {
	h := NewConversationHandler(&mockConversationService{})

	req := withIdentity(httptest.NewRequest(http.MethodGet, "/api/conversations/c-x", nil), testClient)
	req = withChiURLParam(req, "id", "c-x")
	w := httptest.NewRecorder()

	h.GetConversation(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if code := decodeErrorCode(t, w.Body.Bytes()); code != model.ErrCodeConversationNotFound {
		t.Errorf("code = %q, want %q", code, model.ErrCodeConversationNotFound)
	}
}

func TestConversationHandler_StartConversation(t *testing.T) {
	var gotOther string
	svc := &mockConversationService{
		startConversationFn: func(ctx context.Context, userID, otherID string) (*model.Conversation, error) {
			gotOther = otherID
			return &model.Conversation{ID: "c-9", ParticipantAID: userID, ParticipantBID: otherID}, nil
		},
	}
	h := NewConversationHandler(svc)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/conversations", strings.NewReader(`{"participant_id":"pro-1"}`)), testClient)
	w := httptest.NewRecorder()

	h.StartConversation(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotOther != "pro-1" {
		t.Errorf("otherID = %q, want %q", gotOther, "pro-1")
	}
}

func TestConversationHandler_SendMessage(t *testing.T) {
	var gotContent string
	var gotAttachments []model.Attachment
	svc := &mockConversationService{
		sendMessageFn: func(ctx context.Context, userID, conversationID, content string, attachments []model.Attachment) (*model.Message, error) {
			gotContent = content
			gotAttachments = attachments
			return &model.Message{ID: "m-1", ConversationID: conversationID, SenderID: userID, Content: content, Attachments: attachments}, nil
		},
	}
	h := NewConversationHandler(svc)

	body := `{"content":"<p>源泉徴収票を送ります</p>","attachments":[{"name":"gensen.pdf","storage_key":"client-1/abc","mime_type":"application/pdf","size":2048}]}`
	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/conversations/c-1/messages", strings.NewReader(body)), testClient)
	req = withChiURLParam(req, "id", "c-1")
	w := httptest.NewRecorder()

	h.SendMessage(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
	}
	if gotContent != "<p>源泉徴収票を送ります</p>" {
		t.Errorf("content = %q", gotContent)
	}
	if len(gotAttachments) != 1 || gotAttachments[0].StorageKey != "client-1/abc" {
		t.Errorf("attachments = %+v", gotAttachments)
	}

	var msg wire.Message
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if msg.ID != "m-1" || msg.ConversationID != "c-1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestConversationHandler_SendMessage_InvalidBody(t *testing.T) {
	h := NewConversationHandler(&mockConversationService{})

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/conversations/c-1/messages", strings.NewReader(`{`)), testClient)
	req = withChiURLParam(req, "id", "c-1")
	w := httptest.NewRecorder()

	h.SendMessage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestConversationHandler_MarkRead(t *testing.T) {
	svc := &mockConversationService{
		markReadFn: func(ctx context.Context, userID, conversationID string) (int64, error) {
			return 3, nil
		},
	}
	h := NewConversationHandler(svc)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/conversations/c-1/read", nil), testClient)
	req = withChiURLParam(req, "id", "c-1")
	w := httptest.NewRecorder()

	h.MarkRead(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp markReadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ConversationID != "c-1" || resp.MarkedCount != 3 {
		t.Errorf("response = %+v, want c-1/3", resp)
	}
}

func TestConversationHandler_InternalError_HidesDetails(t *testing.T) {
	svc := &mockConversationService{
		markReadFn: func(ctx context.Context, userID, conversationID string) (int64, error) {
			return 0, errors.New("pq: connection refused")
		},
	}
	h := NewConversationHandler(svc)

	req := withIdentity(httptest.NewRequest(http.MethodPost, "/api/conversations/c-1/read", nil), testClient)
	req = withChiURLParam(req, "id", "c-1")
	w := httptest.NewRecorder()

	h.MarkRead(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if strings.Contains(w.Body.String(), "pq:") {
		t.Errorf("response should not leak internal error: %s", w.Body.String())
	}
}
