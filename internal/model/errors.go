// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, messaging, document, file, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeForbidden               = "FORBIDDEN"
	ErrCodeInvalidRequest          = "INVALID_REQUEST"
	ErrCodeInvalidFilter           = "INVALID_FILTER"
	ErrCodeInvalidToken            = "INVALID_CONTINUATION_TOKEN"
	ErrCodeConversationNotFound    = "CONVERSATION_NOT_FOUND"
	ErrCodeNotificationNotFound    = "NOTIFICATION_NOT_FOUND"
	ErrCodeDocumentRequestNotFound = "DOCUMENT_REQUEST_NOT_FOUND"
	ErrCodeInvalidTransition       = "INVALID_STATUS_TRANSITION"
	ErrCodeFileNotFound            = "FILE_NOT_FOUND"
	ErrCodeFileAlreadyExists       = "FILE_ALREADY_EXISTS"
	ErrCodeInvalidPath             = "INVALID_PATH"
	ErrCodeUserNotFound            = "USER_NOT_FOUND"
	ErrCodeCSRF                    = "CSRF_VALIDATION_FAILED"
	ErrCodeRateLimited             = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "担当者に権限を確認してください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidFilterError は無効なフィルタエラーを生成する。
func NewInvalidFilterError(filter string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効なフィルタです: %s", filter),
		Category: "validation",
		Action:   "フィルタには all、unread、starred、urgent のいずれかを指定してください。",
	}
}

// NewInvalidContinuationTokenError は継続トークンが解釈できない場合のエラーを生成する。
func NewInvalidContinuationTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "継続トークンが不正です。",
		Category: "validation",
		Action:   "一覧を最初から読み込み直してください。",
	}
}

// NewConversationNotFoundError は会話未検出エラーを生成する。
func NewConversationNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeConversationNotFound,
		Message:  fmt.Sprintf("指定された会話が見つかりません: %s", id),
		Category: "messaging",
		Action:   "会話一覧を再読み込みしてください。",
	}
}

// NewNotificationNotFoundError は通知未検出エラーを生成する。
func NewNotificationNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeNotificationNotFound,
		Message:  fmt.Sprintf("指定された通知が見つかりません: %s", id),
		Category: "messaging",
		Action:   "通知一覧を再読み込みしてください。",
	}
}

// NewDocumentRequestNotFoundError は書類依頼未検出エラーを生成する。
func NewDocumentRequestNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeDocumentRequestNotFound,
		Message:  fmt.Sprintf("指定された書類依頼が見つかりません: %s", id),
		Category: "document",
		Action:   "書類依頼一覧を再読み込みしてください。",
	}
}

// NewInvalidTransitionError は書類依頼のステータス遷移が許可されない場合のエラーを生成する。
func NewInvalidTransitionError(from, to DocumentRequestStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("ステータスを %s から %s に変更できません。", from, to),
		Category: "document",
		Action:   "書類依頼の現在のステータスを確認してください。",
	}
}

// NewFileNotFoundError はファイル未検出エラーを生成する。
func NewFileNotFoundError(path string) *APIError {
	return &APIError{
		Code:     ErrCodeFileNotFound,
		Message:  fmt.Sprintf("指定されたファイルが見つかりません: %s", path),
		Category: "file",
		Action:   "フォルダを再読み込みしてください。",
	}
}

// NewFileAlreadyExistsError は同一パスのエントリが既に存在する場合のエラーを生成する。
func NewFileAlreadyExistsError(path string) *APIError {
	return &APIError{
		Code:     ErrCodeFileAlreadyExists,
		Message:  fmt.Sprintf("同じ名前のファイルまたはフォルダが既に存在します: %s", path),
		Category: "file",
		Action:   "別の名前を指定してください。",
	}
}

// NewInvalidPathError は不正なファイル名・パスのエラーを生成する。
func NewInvalidPathError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPath,
		Message:  fmt.Sprintf("無効なパスです: %s", reason),
		Category: "validation",
		Action:   "ファイル名に「/」を含めないでください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewCSRFError はCSRFトークン検証失敗のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRF,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
