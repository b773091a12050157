package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/wire"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	GetProfile(ctx context.Context, userID string) (*model.User, error)
	UpdateDisplayName(ctx context.Context, userID, displayName string) (*model.User, error)
	// ListClients は担当顧客の一覧を返す。顧客ロールの場合は権限エラー。
	ListClients(ctx context.Context, actor *auth.Identity) ([]*model.User, error)
}

// UserHandler はプロフィール関連のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// updateProfileRequest はプロフィール更新リクエストのボディ。
type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
}

// GetProfile はログインユーザーのプロフィールを返す。
// GET /api/profile
func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	u, err := h.service.GetProfile(r.Context(), identity.SubjectID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.FromUser(*u))
}

// UpdateProfile は表示名を更新する。入力の検証はサービス層で行う。
// PATCH /api/profile
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req updateProfileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	u, err := h.service.UpdateDisplayName(r.Context(), identity.SubjectID, req.DisplayName)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.FromUser(*u))
}

// ListClients は担当顧客の一覧を返す。
// GET /api/clients
func (h *UserHandler) ListClients(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	clients, err := h.service.ListClients(r.Context(), identity)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.MapSlice(clients, wire.FromUserPtr))
}
