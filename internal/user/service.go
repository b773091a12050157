// Package user はユーザープロフィールのドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/repository"
)

// maxDisplayNameLength は表示名の最大文字数。
const maxDisplayNameLength = 50

// Profile はプロフィールに画面表示用のロール名を加えたもの。
type Profile struct {
	model.User
	RoleLabel string
}

// Service はユーザープロフィールのサービス層。
type Service struct {
	userRepo repository.UserRepository
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository) *Service {
	return &Service{userRepo: userRepo, now: time.Now}
}

// SyncFromIdentity は検証済みIDトークンのクレームでユーザーを作成または更新する。
// ログインとトークンのリフレッシュのたびに呼ぶ。表示名は未設定の場合のみ反映される。
func (s *Service) SyncFromIdentity(ctx context.Context, identity *auth.Identity) error {
	now := s.now().UTC()
	u := &model.User{
		ID:                     identity.SubjectID,
		Email:                  identity.Email,
		DisplayName:            identity.DisplayName,
		Role:                   identity.Role.String(),
		AssignedProfessionalID: identity.AssignedProfessionalID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.userRepo.Upsert(ctx, u); err != nil {
		return fmt.Errorf("ユーザー情報の同期に失敗しました: %w", err)
	}
	return nil
}

// GetProfile はユーザーのプロフィールを返す。
func (s *Service) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}
	return u, nil
}

// Describe はプロフィールに画面表示用のロール名を付けて返す。
// 未知のロールでもエラーにせず「不明なロール」と表示する。
func (s *Service) Describe(ctx context.Context, userID string) (*Profile, error) {
	u, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Profile{User: *u, RoleLabel: auth.ParseRole(u.Role).Label()}, nil
}

// UpdateDisplayName は表示名を更新する。前後の空白は取り除く。
func (s *Service) UpdateDisplayName(ctx context.Context, userID, displayName string) (*model.User, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, model.NewInvalidRequestError("表示名を入力してください")
	}
	if utf8.RuneCountInString(displayName) > maxDisplayNameLength {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("表示名は%d文字以内で入力してください", maxDisplayNameLength))
	}

	u, err := s.userRepo.UpdateDisplayName(ctx, userID, displayName)
	if err != nil {
		return nil, fmt.Errorf("表示名の更新に失敗しました: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}

	slog.InfoContext(ctx, "表示名を更新しました",
		slog.String("user_id", userID),
	)
	return u, nil
}

// ListClients は税理士に割り当てられた顧客一覧を返す。顧客には参照を許可しない。
func (s *Service) ListClients(ctx context.Context, actor *auth.Identity) ([]*model.User, error) {
	if !actor.Role.IsStaff() {
		return nil, model.NewForbiddenError()
	}
	clients, err := s.userRepo.ListByAssignedProfessional(ctx, actor.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("顧客一覧の取得に失敗しました: %w", err)
	}
	return clients, nil
}
