package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/taxportal/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userColumns = `id, email, display_name, role, COALESCE(assigned_professional_id, ''), created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	user := &model.User{}
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.Role,
		&user.AssignedProfessionalID, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// Upsert はIDトークンのクレームからユーザーを作成または更新する。
// メールアドレス・ロール・担当税理士はIdPの値で常に上書きする。
func (r *PostgresUserRepo) Upsert(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, role, assigned_professional_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   email = EXCLUDED.email,
		   display_name = CASE WHEN users.display_name = '' THEN EXCLUDED.display_name ELSE users.display_name END,
		   role = EXCLUDED.role,
		   assigned_professional_id = EXCLUDED.assigned_professional_id,
		   updated_at = EXCLUDED.updated_at`,
		user.ID, user.Email, user.DisplayName, user.Role, user.AssignedProfessionalID, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// UpdateDisplayName は表示名を更新し、更新後のユーザーを返す。見つからない場合はnilを返す。
func (r *PostgresUserRepo) UpdateDisplayName(ctx context.Context, id, displayName string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users SET display_name = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, displayName,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update display name: %w", err)
	}
	return user, nil
}

// ListByAssignedProfessional は税理士に割り当てられた顧客一覧を表示名順で返す。
func (r *PostgresUserRepo) ListByAssignedProfessional(ctx context.Context, professionalID string) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE assigned_professional_id = $1
		 ORDER BY display_name, id`,
		professionalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list assigned clients: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
