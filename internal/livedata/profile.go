package livedata

import (
	"context"
	"strings"

	"github.com/hitoshi/taxportal/internal/model"
)

// ProfileService はプロフィールフックが使う操作。user.Serviceが実装する。
type ProfileService interface {
	GetProfile(ctx context.Context, userID string) (*model.User, error)
	UpdateDisplayName(ctx context.Context, userID, displayName string) (*model.User, error)
}

// ProfileHook はログインユーザーのプロフィールを保持する。
type ProfileHook struct {
	*Query[model.User]
	userID string
	svc    ProfileService
}

// NewProfileHook はProfileHookを生成する。
func NewProfileHook(userID string, svc ProfileService, onChange func()) *ProfileHook {
	h := &ProfileHook{userID: userID, svc: svc}
	h.Query = NewQuery("profile", func(ctx context.Context) (model.User, error) {
		u, err := svc.GetProfile(ctx, userID)
		if err != nil {
			return model.User{}, err
		}
		return *u, nil
	}, onChange)
	return h
}

// UpdateDisplayName は表示名を楽観的に更新する。
func (h *ProfileHook) UpdateDisplayName(ctx context.Context, displayName string) error {
	displayName = strings.TrimSpace(displayName)
	return h.Update(ctx,
		func(u model.User) model.User {
			u.DisplayName = displayName
			return u
		},
		func(ctx context.Context) (*model.User, error) {
			return h.svc.UpdateDisplayName(ctx, h.userID, displayName)
		},
	)
}
