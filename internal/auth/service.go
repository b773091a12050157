// Package auth はIDトークンの検証、IdPとのOAuthフロー、ロール定義を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/repository"
)

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	idp      IdentityProvider
	verifier Verifier
	userRepo repository.UserRepository
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(idp IdentityProvider, verifier Verifier, userRepo repository.UserRepository) *Service {
	return &Service{
		idp:      idp,
		verifier: verifier,
		userRepo: userRepo,
		now:      time.Now,
	}
}

// GetLoginURL はHosted UIのログインURLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.idp.GetLoginURL(state)
}

// GetLogoutURL はHosted UIのログアウトURLを生成する。
func (s *Service) GetLogoutURL(returnTo string) string {
	return s.idp.GetLogoutURL(returnTo)
}

// HandleCallback は認可コードをトークンに交換し、IDトークンを検証してプロフィールを同期する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*Tokens, *Identity, error) {
	// 1. 認可コードをトークンに交換
	tokens, err := s.idp.ExchangeCode(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	// 2. 発行されたIDトークンを検証
	identity, err := s.verifier.Verify(ctx, tokens.IDToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to verify id token: %w", err)
	}

	// 3. プロフィールを同期
	if err := s.SyncProfile(ctx, identity); err != nil {
		return nil, nil, err
	}

	slog.Info("user logged in",
		slog.String("user_id", identity.SubjectID),
		slog.String("role", identity.Role.String()),
	)
	return tokens, identity, nil
}

// Refresh はリフレッシュトークンで新しいIDトークンを取得し、検証済みのIdentityを返す。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Tokens, *Identity, error) {
	tokens, err := s.idp.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to refresh tokens: %w", err)
	}

	identity, err := s.verifier.Verify(ctx, tokens.IDToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to verify refreshed id token: %w", err)
	}
	return tokens, identity, nil
}

// SyncProfile はIdentityの内容でユーザープロフィールを作成または更新する。
func (s *Service) SyncProfile(ctx context.Context, identity *Identity) error {
	user := &model.User{
		ID:                     identity.SubjectID,
		Email:                  identity.Email,
		DisplayName:            identity.DisplayName,
		Role:                   identity.Role.String(),
		AssignedProfessionalID: identity.AssignedProfessionalID,
		UpdatedAt:              s.now(),
	}
	if err := s.userRepo.Upsert(ctx, user); err != nil {
		return fmt.Errorf("failed to sync user profile: %w", err)
	}
	return nil
}
