package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/taxportal/internal/model"
)

// PostgresDocumentRequestRepo はPostgreSQLを使用した書類依頼リポジトリ。
type PostgresDocumentRequestRepo struct {
	db *sql.DB
}

// NewPostgresDocumentRequestRepo はPostgresDocumentRequestRepoを生成する。
func NewPostgresDocumentRequestRepo(db *sql.DB) *PostgresDocumentRequestRepo {
	return &PostgresDocumentRequestRepo{db: db}
}

const documentRequestColumns = `id, client_id, professional_id, document_type, note, priority, status,
	due_date, fulfilled_at, fulfilled_path, created_at, updated_at`

func scanDocumentRequest(row interface{ Scan(...any) error }) (*model.DocumentRequest, error) {
	req := &model.DocumentRequest{}
	var fulfilledAt sql.NullTime
	err := row.Scan(&req.ID, &req.ClientID, &req.ProfessionalID, &req.DocumentType, &req.Note,
		&req.Priority, &req.Status, &req.DueDate, &fulfilledAt, &req.FulfilledPath,
		&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if fulfilledAt.Valid {
		req.FulfilledAt = &fulfilledAt.Time
	}
	return req, nil
}

// FindByID は指定IDの書類依頼を取得する。見つからない場合はnilを返す。
func (r *PostgresDocumentRequestRepo) FindByID(ctx context.Context, id string) (*model.DocumentRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	req, err := scanDocumentRequest(r.db.QueryRowContext(ctx,
		`SELECT `+documentRequestColumns+` FROM document_requests WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find document request: %w", err)
	}
	return req, nil
}

// ListByClient は顧客宛ての書類依頼を作成日時の降順で返す。
func (r *PostgresDocumentRequestRepo) ListByClient(ctx context.Context, clientID, token string, limit int) (model.Page[model.DocumentRequest], error) {
	return r.listBy(ctx, "client_id", clientID, token, limit)
}

// ListByProfessional は税理士が作成した書類依頼を作成日時の降順で返す。
func (r *PostgresDocumentRequestRepo) ListByProfessional(ctx context.Context, professionalID, token string, limit int) (model.Page[model.DocumentRequest], error) {
	return r.listBy(ctx, "professional_id", professionalID, token, limit)
}

// ListAll はすべての書類依頼を作成日時の降順で返す。
func (r *PostgresDocumentRequestRepo) ListAll(ctx context.Context, token string, limit int) (model.Page[model.DocumentRequest], error) {
	return r.listBy(ctx, "", "", token, limit)
}

// listBy はcolumnで絞り込んだ一覧を返す。columnは呼び出し元の定数のみを受け付け、空の場合は絞り込まない。
func (r *PostgresDocumentRequestRepo) listBy(ctx context.Context, column, value, token string, limit int) (model.Page[model.DocumentRequest], error) {
	limit = clampLimit(limit)
	cur, ts, err := decodeUUIDTimeCursor(token)
	if err != nil {
		return model.Page[model.DocumentRequest]{}, err
	}

	var (
		conds []string
		args  []any
	)
	if column != "" {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(`%s = $%d`, column, len(args)))
	}
	if cur != nil {
		args = append(args, ts, cur.ID)
		conds = append(conds, fmt.Sprintf(`(created_at, id) < ($%d, $%d)`, len(args)-1, len(args)))
	}
	query := `SELECT ` + documentRequestColumns + ` FROM document_requests`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	list, err := r.queryList(ctx, query, args...)
	if err != nil {
		return model.Page[model.DocumentRequest]{}, err
	}
	items, next := buildPage(list, limit, func(req model.DocumentRequest) string {
		return encodeTimeCursor(req.CreatedAt, req.ID)
	})
	return model.Page[model.DocumentRequest]{Items: items, NextToken: next}, nil
}

// Create は書類依頼を作成する。
func (r *PostgresDocumentRequestRepo) Create(ctx context.Context, req *model.DocumentRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO document_requests
		   (id, client_id, professional_id, document_type, note, priority, status, due_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.ClientID, req.ProfessionalID, req.DocumentType, req.Note,
		req.Priority, req.Status, req.DueDate, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document request: %w", err)
	}
	return nil
}

// UpdateStatus はステータスと提出情報を更新する。
// 現在のステータスがexpectedと異なる場合は更新せずfalseを返す。
func (r *PostgresDocumentRequestRepo) UpdateStatus(ctx context.Context, req *model.DocumentRequest, expected model.DocumentRequestStatus) (bool, error) {
	var fulfilledAt any
	if req.FulfilledAt != nil {
		fulfilledAt = *req.FulfilledAt
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE document_requests
		 SET status = $2, fulfilled_at = $3, fulfilled_path = $4, updated_at = $5
		 WHERE id = $1 AND status = $6`,
		req.ID, req.Status, fulfilledAt, req.FulfilledPath, req.UpdatedAt, expected,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update document request status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ListOverdue は期限を過ぎたpendingの書類依頼を期限の古い順に返す。
func (r *PostgresDocumentRequestRepo) ListOverdue(ctx context.Context, now time.Time, after *OverdueCursor, limit int) ([]*model.DocumentRequest, error) {
	query := `SELECT ` + documentRequestColumns + ` FROM document_requests
		 WHERE status = 'pending' AND due_date < $1`
	args := []any{now}
	if after != nil {
		query += ` AND (due_date, id) > ($2, $3)`
		args = append(args, after.DueDate, after.ID)
	}
	query += fmt.Sprintf(` ORDER BY due_date, id LIMIT $%d`, len(args)+1)
	args = append(args, clampLimit(limit))

	list, err := r.queryList(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*model.DocumentRequest, len(list))
	for i := range list {
		out[i] = &list[i]
	}
	return out, nil
}

func (r *PostgresDocumentRequestRepo) queryList(ctx context.Context, query string, args ...any) ([]model.DocumentRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list document requests: %w", err)
	}
	defer rows.Close()

	var list []model.DocumentRequest
	for rows.Next() {
		req, err := scanDocumentRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document request: %w", err)
		}
		list = append(list, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate document requests: %w", err)
	}
	return list, nil
}

// compile-time interface check
var _ DocumentRequestRepository = (*PostgresDocumentRequestRepo)(nil)
