package workspace

import (
	"errors"

	"github.com/hitoshi/taxportal/internal/livedata"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/wire"
)

// listData は一覧フレームのペイロード。
type listData[T any] struct {
	Key       string            `json:"key,omitempty"`
	Items     []T               `json:"items"`
	NextToken string            `json:"next_token,omitempty"`
	HasMore   bool              `json:"has_more"`
	Loading   bool              `json:"loading"`
	Error     *errorPayloadData `json:"error,omitempty"`
}

type profilePayload struct {
	User      *wire.User        `json:"user,omitempty"`
	RoleLabel string            `json:"role_label"`
	Loaded    bool              `json:"loaded"`
	Loading   bool              `json:"loading"`
	Error     *errorPayloadData `json:"error,omitempty"`
}

type subscriptionPayload struct {
	User     *errorPayloadData `json:"user,omitempty"`
	Messages *errorPayloadData `json:"messages,omitempty"`
}

// errorPayloadData はエラーフレームおよび各スナップショットのエラー表現。
type errorPayloadData struct {
	Op       string `json:"op,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
	Action   string `json:"action,omitempty"`
}

// listPayload は一覧スナップショットの要素をfでJSON表現に変換する。
func listPayload[T, R any](s livedata.ListState[T], f func(T) R) listData[R] {
	return listData[R]{
		Items:     wire.MapSlice(s.Items, f),
		NextToken: s.NextToken,
		HasMore:   s.HasMore(),
		Loading:   s.Loading,
		Error:     hookErrorPayload(s.Err),
	}
}

func hookErrorPayload(err *livedata.HookError) *errorPayloadData {
	if err == nil {
		return nil
	}
	p := errorPayload(err.Err)
	p.Op = err.Op
	return p
}

// errorPayload はエラーをブラウザ向けの表現に変換する。
// APIError以外の内部エラーはメッセージを伏せる。
func errorPayload(err error) *errorPayloadData {
	var hookErr *livedata.HookError
	if errors.As(err, &hookErr) {
		return hookErrorPayload(hookErr)
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return &errorPayloadData{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Action:   apiErr.Action,
		}
	}
	return &errorPayloadData{
		Code:     "INTERNAL_ERROR",
		Message:  "処理中にエラーが発生しました。",
		Category: "system",
		Action:   "しばらくしてから再度お試しください。",
	}
}
