package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/hitoshi/taxportal/internal/model"
)

// PostgresNotificationRepo はPostgreSQLを使用した通知リポジトリ。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

const notificationColumns = `id, user_id, type, title, description, seen_status, is_starred, priority,
	COALESCE(related_conversation_id::text, ''), related_path, created_at`

func scanNotification(row interface{ Scan(...any) error }) (model.Notification, error) {
	var n model.Notification
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Description, &n.SeenStatus,
		&n.IsStarred, &n.Priority, &n.RelatedConversationID, &n.RelatedPath, &n.CreatedAt)
	return n, err
}

// FindByID は指定ユーザーの通知を取得する。見つからない場合はnilを返す。
func (r *PostgresNotificationRepo) FindByID(ctx context.Context, userID, id string) (*model.Notification, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	n, err := scanNotification(r.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1 AND user_id = $2`,
		id, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find notification: %w", err)
	}
	return &n, nil
}

// ListByUser は通知を新しい順で返す。
func (r *PostgresNotificationRepo) ListByUser(ctx context.Context, userID, token string, limit int) (model.Page[model.Notification], error) {
	limit = clampLimit(limit)
	cur, ts, err := decodeUUIDTimeCursor(token)
	if err != nil {
		return model.Page[model.Notification]{}, err
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	args := []any{userID}
	if cur != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, ts, cur.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.Page[model.Notification]{}, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var list []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return model.Page[model.Notification]{}, fmt.Errorf("failed to scan notification: %w", err)
		}
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return model.Page[model.Notification]{}, fmt.Errorf("failed to iterate notifications: %w", err)
	}

	items, next := buildPage(list, limit, func(n model.Notification) string {
		return encodeTimeCursor(n.CreatedAt, n.ID)
	})
	return model.Page[model.Notification]{Items: items, NextToken: next}, nil
}

// Create は通知を作成する。dedupeKeyが空でなく同一キーの通知が既にある場合は作成せずfalseを返す。
func (r *PostgresNotificationRepo) Create(ctx context.Context, n *model.Notification, dedupeKey string) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications
		   (id, user_id, type, title, description, seen_status, is_starred, priority,
		    related_conversation_id, related_path, dedupe_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, '')::uuid, $10, NULLIF($11, ''), $12)
		 ON CONFLICT (user_id, dedupe_key) DO NOTHING`,
		n.ID, n.UserID, n.Type, n.Title, n.Description, n.SeenStatus, n.IsStarred, n.Priority,
		n.RelatedConversationID, n.RelatedPath, dedupeKey, n.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkSeen は通知を既読にする。既読済みでも対象が存在すればtrueを返す。
func (r *PostgresNotificationRepo) MarkSeen(ctx context.Context, userID, id string) (bool, error) {
	return r.updateOne(ctx,
		`UPDATE notifications
		 SET seen_status = 'SEEN', seen_at = COALESCE(seen_at, now())
		 WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
}

// SetStarred はスター状態を更新する。対象が存在しない場合はfalseを返す。
func (r *PostgresNotificationRepo) SetStarred(ctx context.Context, userID, id string, starred bool) (bool, error) {
	return r.updateOne(ctx,
		`UPDATE notifications SET is_starred = $3 WHERE id = $1 AND user_id = $2`,
		id, userID, starred,
	)
}

// MarkAllSeen はユーザーの未読通知をすべて既読にし、更新件数を返す。
func (r *PostgresNotificationRepo) MarkAllSeen(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET seen_status = 'SEEN', seen_at = now()
		 WHERE user_id = $1 AND seen_status = 'UNSEEN'`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications seen: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (r *PostgresNotificationRepo) updateOne(ctx context.Context, query, id string, args ...any) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	result, err := r.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return false, fmt.Errorf("failed to update notification: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
