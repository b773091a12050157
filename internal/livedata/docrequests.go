package livedata

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/events"
	"github.com/hitoshi/taxportal/internal/model"
)

// DocumentRequestService は書類依頼フックが使う操作。docrequest.Serviceが実装する。
type DocumentRequestService interface {
	List(ctx context.Context, actor *auth.Identity, token string, limit int) (model.Page[model.DocumentRequest], error)
	Transition(ctx context.Context, actor *auth.Identity, id string, to model.DocumentRequestStatus, fulfilledPath string) (*model.DocumentRequest, error)
}

// DocumentRequestsHook は閲覧ユーザーに関係する書類依頼一覧を保持する。
type DocumentRequestsHook struct {
	*List[string, model.DocumentRequest]
	actor *auth.Identity
	svc   DocumentRequestService
}

// NewDocumentRequestsHook はDocumentRequestsHookを生成する。
func NewDocumentRequestsHook(actor *auth.Identity, svc DocumentRequestService, onChange func()) *DocumentRequestsHook {
	h := &DocumentRequestsHook{actor: actor, svc: svc}
	h.List = NewList(ListConfig[string, model.DocumentRequest]{
		Name: "document_requests",
		Key:  func(r model.DocumentRequest) string { return r.ID },
		Fetch: func(ctx context.Context, token string) (model.Page[model.DocumentRequest], error) {
			return svc.List(ctx, actor, token, 0)
		},
		OnChange: onChange,
	})
	return h
}

// Transition はステータスを楽観的に変更してから遷移を要求する。
// 差し戻しでは提出情報を消し、提出では提出日時とパスを設定する。
func (h *DocumentRequestsHook) Transition(ctx context.Context, id string, to model.DocumentRequestStatus, fulfilledPath string) error {
	return h.Update(ctx, id,
		func(r model.DocumentRequest) model.DocumentRequest {
			r.Status = to
			switch to {
			case model.DocumentRequestUploaded:
				now := time.Now()
				r.FulfilledAt = &now
				r.FulfilledPath = fulfilledPath
			case model.DocumentRequestRejected:
				r.FulfilledAt = nil
				r.FulfilledPath = ""
			}
			return r
		},
		func(ctx context.Context) (*model.DocumentRequest, error) {
			return h.svc.Transition(ctx, h.actor, id, to, fulfilledPath)
		},
	)
}

// HandleEvent はユーザートピックのdocument_request.updatedを反映する。
func (h *DocumentRequestsHook) HandleEvent(ev events.Event) {
	if ev.Type != events.TypeDocumentRequestUpdated {
		return
	}
	r, err := events.Decode[model.DocumentRequest](ev)
	if err != nil {
		slog.Warn("dropping undecodable document request event", slog.String("error", err.Error()))
		return
	}
	h.Upsert(r, false)
}
