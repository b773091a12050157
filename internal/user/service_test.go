package user

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/repository"
)

// --- モック ---

type mockUserRepo struct {
	findByIDFn          func(ctx context.Context, id string) (*model.User, error)
	upsertFn            func(ctx context.Context, user *model.User) error
	updateDisplayNameFn func(ctx context.Context, id, displayName string) (*model.User, error)
	listFn              func(ctx context.Context, professionalID string) ([]*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}
func (m *mockUserRepo) Upsert(ctx context.Context, user *model.User) error {
	return m.upsertFn(ctx, user)
}
func (m *mockUserRepo) UpdateDisplayName(ctx context.Context, id, displayName string) (*model.User, error) {
	return m.updateDisplayNameFn(ctx, id, displayName)
}
func (m *mockUserRepo) ListByAssignedProfessional(ctx context.Context, professionalID string) ([]*model.User, error) {
	return m.listFn(ctx, professionalID)
}

// compile-time interface check
var _ repository.UserRepository = (*mockUserRepo)(nil)

func apiCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// --- テスト ---

func TestSyncFromIdentity(t *testing.T) {
	var stored *model.User
	repo := &mockUserRepo{upsertFn: func(_ context.Context, u *model.User) error {
		stored = u
		return nil
	}}
	svc := NewService(repo)
	fixed := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	err := svc.SyncFromIdentity(context.Background(), &auth.Identity{
		SubjectID: "sub-1", Email: "a@example.com", DisplayName: "山田", Role: auth.RoleClient, AssignedProfessionalID: "pro-1",
	})
	if err != nil {
		t.Fatalf("SyncFromIdentity() error = %v", err)
	}
	if stored.ID != "sub-1" || stored.Role != "client" || stored.AssignedProfessionalID != "pro-1" || !stored.UpdatedAt.Equal(fixed) {
		t.Errorf("stored = %+v", stored)
	}
}

func TestSyncFromIdentity_WrapsError(t *testing.T) {
	dbErr := errors.New("connection refused")
	svc := NewService(&mockUserRepo{upsertFn: func(context.Context, *model.User) error { return dbErr }})

	if err := svc.SyncFromIdentity(context.Background(), &auth.Identity{SubjectID: "x"}); !errors.Is(err, dbErr) {
		t.Errorf("error = %v, want wrapped %v", err, dbErr)
	}
}

func TestGetProfile_NotFound(t *testing.T) {
	svc := NewService(&mockUserRepo{})
	if _, err := svc.GetProfile(context.Background(), "missing"); apiCode(err) != model.ErrCodeUserNotFound {
		t.Errorf("error = %v, want USER_NOT_FOUND", err)
	}
}

func TestDescribe_RoleLabel(t *testing.T) {
	tests := []struct {
		role string
		want string
	}{
		{"client", "顧客"},
		{"tax_pro", "税理士"},
		{"admin", "管理者"},
		{"auditor", "不明なロール"},
		{"", "不明なロール"},
	}
	for _, tt := range tests {
		repo := &mockUserRepo{findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Role: tt.role}, nil
		}}
		p, err := NewService(repo).Describe(context.Background(), "u-1")
		if err != nil {
			t.Fatalf("Describe(%q) error = %v", tt.role, err)
		}
		if p.RoleLabel != tt.want {
			t.Errorf("Describe(%q).RoleLabel = %q, want %q", tt.role, p.RoleLabel, tt.want)
		}
	}
}

func TestUpdateDisplayName(t *testing.T) {
	var gotName string
	repo := &mockUserRepo{updateDisplayNameFn: func(_ context.Context, id, name string) (*model.User, error) {
		gotName = name
		if id == "missing" {
			return nil, nil
		}
		return &model.User{ID: id, DisplayName: name}, nil
	}}
	svc := NewService(repo)
	ctx := context.Background()

	u, err := svc.UpdateDisplayName(ctx, "u-1", "  佐藤 花子  ")
	if err != nil {
		t.Fatalf("UpdateDisplayName() error = %v", err)
	}
	if gotName != "佐藤 花子" || u.DisplayName != "佐藤 花子" {
		t.Errorf("name = %q / %q", gotName, u.DisplayName)
	}

	invalid := []string{"", "   ", strings.Repeat("名", maxDisplayNameLength+1)}
	for _, name := range invalid {
		if _, err := svc.UpdateDisplayName(ctx, "u-1", name); apiCode(err) != model.ErrCodeInvalidRequest {
			t.Errorf("UpdateDisplayName(%q) error = %v, want INVALID_REQUEST", name, err)
		}
	}

	if _, err := svc.UpdateDisplayName(ctx, "missing", "x"); apiCode(err) != model.ErrCodeUserNotFound {
		t.Errorf("missing user error = %v", err)
	}
}

func TestListClients(t *testing.T) {
	repo := &mockUserRepo{listFn: func(_ context.Context, professionalID string) ([]*model.User, error) {
		return []*model.User{{ID: "client-1", AssignedProfessionalID: professionalID}}, nil
	}}
	svc := NewService(repo)
	ctx := context.Background()

	clients, err := svc.ListClients(ctx, &auth.Identity{SubjectID: "pro-1", Role: auth.RoleTaxPro})
	if err != nil || len(clients) != 1 || clients[0].AssignedProfessionalID != "pro-1" {
		t.Errorf("ListClients() = %+v, %v", clients, err)
	}

	if _, err := svc.ListClients(ctx, &auth.Identity{SubjectID: "client-1", Role: auth.RoleClient}); apiCode(err) != model.ErrCodeForbidden {
		t.Errorf("client error = %v, want FORBIDDEN", err)
	}
}
