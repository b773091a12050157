package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hitoshi/taxportal/internal/model"
)

// lastMessagePreviewLen は会話一覧に表示する最終メッセージの最大文字数。
const lastMessagePreviewLen = 120

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// ListByConversation は会話のメッセージを新しい順で返す。
func (r *PostgresMessageRepo) ListByConversation(ctx context.Context, conversationID, token string, limit int) (model.Page[model.Message], error) {
	limit = clampLimit(limit)
	cur, ts, err := decodeUUIDTimeCursor(token)
	if err != nil {
		return model.Page[model.Message]{}, err
	}

	query := `SELECT id, conversation_id, sender_id, receiver_id, content, attachments, seen_status, created_at
		FROM messages WHERE conversation_id = $1`
	args := []any{conversationID}
	if cur != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, ts, cur.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.Page[model.Message]{}, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var list []model.Message
	for rows.Next() {
		var m model.Message
		var attachments []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID,
			&m.Content, &attachments, &m.SeenStatus, &m.CreatedAt); err != nil {
			return model.Page[model.Message]{}, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return model.Page[model.Message]{}, fmt.Errorf("failed to decode attachments: %w", err)
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return model.Page[model.Message]{}, fmt.Errorf("failed to iterate messages: %w", err)
	}

	items, next := buildPage(list, limit, func(m model.Message) string {
		return encodeTimeCursor(m.CreatedAt, m.ID)
	})
	return model.Page[model.Message]{Items: items, NextToken: next}, nil
}

// Create はメッセージを作成し、会話の最終メッセージを同一トランザクションで更新する。
func (r *PostgresMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []model.Attachment{}
	}
	encoded, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, attachments, seen_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Content, encoded, msg.SeenStatus, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_message = $2, last_message_at = $3 WHERE id = $1`,
		msg.ConversationID, previewOf(msg), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkSeen は受信者宛ての未読メッセージを既読にし、更新件数を返す。
func (r *PostgresMessageRepo) MarkSeen(ctx context.Context, conversationID, receiverID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE messages SET seen_status = 'SEEN'
		 WHERE conversation_id = $1 AND receiver_id = $2 AND seen_status = 'UNSEEN'`,
		conversationID, receiverID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages seen: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// previewOf は会話一覧用のプレビュー文字列を返す。本文が空なら添付ファイル名を使う。
func previewOf(msg *model.Message) string {
	text := msg.Content
	if text == "" && len(msg.Attachments) > 0 {
		text = msg.Attachments[0].Name
	}
	runes := []rune(text)
	if len(runes) > lastMessagePreviewLen {
		return string(runes[:lastMessagePreviewLen])
	}
	return text
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
