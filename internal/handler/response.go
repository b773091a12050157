package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/middleware"
	"github.com/hitoshi/taxportal/internal/model"
)

const (
	// maxPageSize は一覧APIで指定できるlimitの上限。
	maxPageSize = 100

	// maxRequestBodySize はJSONリクエストボディの上限（1MB）。
	maxRequestBodySize = 1 << 20
)

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.ErrorContext(r.Context(), "internal server error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	return middleware.StatusForAPIError(apiErr)
}

// requireIdentity はゲートが注入したIdentityを取得する。ない場合は401を書き込んでfalseを返す。
func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok || identity.SubjectID == "" {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return nil, false
	}
	return identity, true
}

// decodeJSONBody はリクエストボディをvにデコードする。失敗した場合は400を書き込んでfalseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディを解析できません"))
		return false
	}
	return true
}

// pageParams はクエリのtokenとlimitを取得する。limitが不正な場合は400を書き込んでfalseを返す。
// limitを省略した場合は0を返し、サービス層の既定値を使う。
func pageParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	q := r.URL.Query()
	token := q.Get("token")
	raw := q.Get("limit")
	if raw == "" {
		return token, 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxPageSize {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limitは1から100の整数で指定してください"))
		return "", 0, false
	}
	return token, limit, true
}
