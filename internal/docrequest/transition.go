// Package docrequest は書類依頼のドメインロジックを提供する。
package docrequest

import (
	"time"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/model"
)

// party は遷移を実行できる当事者。
type party int

const (
	partyClient party = iota
	partyProfessional
)

// transitions は許可されたステータス遷移と、それを実行できる当事者の表。
// approved と cancelled は終端。差し戻し後は顧客が再提出できる。
var transitions = map[model.DocumentRequestStatus]map[model.DocumentRequestStatus]party{
	model.DocumentRequestPending: {
		model.DocumentRequestUploaded:  partyClient,
		model.DocumentRequestCancelled: partyProfessional,
	},
	model.DocumentRequestUploaded: {
		model.DocumentRequestApproved: partyProfessional,
		model.DocumentRequestRejected: partyProfessional,
	},
	model.DocumentRequestRejected: {
		model.DocumentRequestUploaded:  partyClient,
		model.DocumentRequestCancelled: partyProfessional,
	},
}

// CanTransition はfromからtoへの遷移が許可されているかどうかを返す。
func CanTransition(from, to model.DocumentRequestStatus) bool {
	_, ok := transitions[from][to]
	return ok
}

// mayPerform はactorが依頼に対してtoへの遷移を実行できるかどうかを返す。管理者はどちらの当事者も代行できる。
func mayPerform(actor *auth.Identity, req *model.DocumentRequest, to model.DocumentRequestStatus) bool {
	who, ok := transitions[req.Status][to]
	if !ok {
		return false
	}
	if actor.Role == auth.RoleAdmin {
		return true
	}
	switch who {
	case partyClient:
		return actor.Role == auth.RoleClient && req.ClientID == actor.SubjectID
	case partyProfessional:
		return actor.Role == auth.RoleTaxPro && req.ProfessionalID == actor.SubjectID
	}
	return false
}

// canView はactorが依頼を閲覧できるかどうかを返す。
func canView(actor *auth.Identity, req *model.DocumentRequest) bool {
	switch actor.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleTaxPro:
		return req.ProfessionalID == actor.SubjectID
	case auth.RoleClient:
		return req.ClientID == actor.SubjectID
	}
	return false
}

// apply はtoへの遷移に伴う提出情報の変更を適用する。差し戻しは提出情報を消す。
func apply(req *model.DocumentRequest, to model.DocumentRequestStatus, fulfilledPath string, now time.Time) {
	req.Status = to
	req.UpdatedAt = now
	switch to {
	case model.DocumentRequestUploaded:
		req.FulfilledAt = &now
		req.FulfilledPath = fulfilledPath
	case model.DocumentRequestRejected:
		req.FulfilledAt = nil
		req.FulfilledPath = ""
	}
}
