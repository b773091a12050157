package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/docrequest"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/wire"
)

// DocumentRequestServiceInterface は書類依頼ハンドラーが必要とするサービスインターフェース。
type DocumentRequestServiceInterface interface {
	Create(ctx context.Context, actor *auth.Identity, in docrequest.CreateInput) (*model.DocumentRequest, error)
	List(ctx context.Context, actor *auth.Identity, token string, limit int) (model.Page[model.DocumentRequest], error)
	Get(ctx context.Context, actor *auth.Identity, id string) (*model.DocumentRequest, error)
	Transition(ctx context.Context, actor *auth.Identity, id string, to model.DocumentRequestStatus, fulfilledPath string) (*model.DocumentRequest, error)
}

// DocumentRequestHandler は書類依頼のHTTPハンドラー。
type DocumentRequestHandler struct {
	service DocumentRequestServiceInterface
}

// NewDocumentRequestHandler はDocumentRequestHandlerを生成する。
func NewDocumentRequestHandler(service DocumentRequestServiceInterface) *DocumentRequestHandler {
	return &DocumentRequestHandler{service: service}
}

// createDocumentRequestRequest は書類依頼作成リクエストのボディ。
// due_dateはRFC 3339形式または YYYY-MM-DD。
type createDocumentRequestRequest struct {
	ClientID     string         `json:"client_id"`
	DocumentType string         `json:"document_type"`
	Note         string         `json:"note"`
	Priority     model.Priority `json:"priority"`
	DueDate      string         `json:"due_date"`
}

// transitionRequest はステータス変更リクエストのボディ。
type transitionRequest struct {
	Status        model.DocumentRequestStatus `json:"status"`
	FulfilledPath string                      `json:"fulfilled_path"`
}

// List は閲覧ユーザーに関係する書類依頼の一覧を返す。
// GET /api/document-requests?token=xxx&limit=n
func (h *DocumentRequestHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	token, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	page, err := h.service.List(r.Context(), identity, token, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.MapPage(page, wire.FromDocumentRequest))
}

// Create は書類依頼を作成する。税理士と管理者のみ。
// POST /api/document-requests
func (h *DocumentRequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req createDocumentRequestRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	due, err := parseDueDate(req.DueDate)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("期限の形式が不正です"))
		return
	}

	created, err := h.service.Create(r.Context(), identity, docrequest.CreateInput{
		ClientID:     req.ClientID,
		DocumentType: req.DocumentType,
		Note:         req.Note,
		Priority:     req.Priority,
		DueDate:      due,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.FromDocumentRequest(*created))
}

// Get は書類依頼を1件返す。
// GET /api/document-requests/{id}
func (h *DocumentRequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	req, err := h.service.Get(r.Context(), identity, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.FromDocumentRequest(*req))
}

// Transition は書類依頼のステータスを変更する。
// 許可されない遷移は409、当事者以外は403を返す。
// POST /api/document-requests/{id}/transition
func (h *DocumentRequestHandler) Transition(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	updated, err := h.service.Transition(r.Context(), identity, chi.URLParam(r, "id"), req.Status, req.FulfilledPath)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.FromDocumentRequest(*updated))
}

// parseDueDate はRFC 3339または日付のみの形式を受け付ける。空文字列はゼロ値を返す。
func parseDueDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
