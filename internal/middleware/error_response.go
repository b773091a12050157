package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/taxportal/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// StatusForAPIError はAPIErrorのコードに対応するHTTPステータスコードを返す。
// 未知のコードは500として扱う。
func StatusForAPIError(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden, model.ErrCodeCSRF:
		return http.StatusForbidden
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidFilter, model.ErrCodeInvalidToken, model.ErrCodeInvalidPath:
		return http.StatusBadRequest
	case model.ErrCodeConversationNotFound, model.ErrCodeNotificationNotFound,
		model.ErrCodeDocumentRequestNotFound, model.ErrCodeFileNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidTransition, model.ErrCodeFileAlreadyExists:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteAPIError はコードに対応するステータスでAPIErrorを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForAPIError(apiErr), apiErr)
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// ゲートのリダイレクト以外のエラーはすべてこの形式で返す。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}); err != nil {
		slog.Error("failed to encode error response", slog.String("error", err.Error()))
	}
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
