package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/hitoshi/taxportal/internal/model"
)

// PostgresConversationRepo はPostgreSQLを使用した会話リポジトリ。
type PostgresConversationRepo struct {
	db *sql.DB
}

// NewPostgresConversationRepo はPostgresConversationRepoを生成する。
func NewPostgresConversationRepo(db *sql.DB) *PostgresConversationRepo {
	return &PostgresConversationRepo{db: db}
}

// 未読数は閲覧ユーザー宛てのUNSEENメッセージ数で、$1に閲覧ユーザーIDを渡す。
const conversationSelect = `
	SELECT c.id, c.participant_a_id, c.participant_b_id, c.last_message, c.last_message_at,
	       (SELECT count(*) FROM messages m
	         WHERE m.conversation_id = c.id AND m.receiver_id = $1 AND m.seen_status = 'UNSEEN')
	FROM conversations c`

func scanConversation(row interface{ Scan(...any) error }) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.ParticipantAID, &c.ParticipantBID, &c.LastMessage, &c.LastMessageAt, &c.UnreadCount)
	return c, err
}

// FindByID は閲覧ユーザー視点の会話を取得する。見つからない場合はnilを返す。
func (r *PostgresConversationRepo) FindByID(ctx context.Context, id, viewerID string) (*model.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	c, err := scanConversation(r.db.QueryRowContext(ctx, conversationSelect+` WHERE c.id = $2`, viewerID, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return &c, nil
}

// FindOrCreate は2者間の会話を取得し、存在しなければ作成する。
// 参加者は辞書順に並べて保存するため、引数の順序に依存しない。
func (r *PostgresConversationRepo) FindOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	a, b := userA, userB
	if b < a {
		a, b = b, a
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conversations (id, participant_a_id, participant_b_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (participant_a_id, participant_b_id) DO NOTHING`,
		uuid.New().String(), a, b,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	c, err := scanConversation(r.db.QueryRowContext(ctx,
		conversationSelect+` WHERE c.participant_a_id = $2 AND c.participant_b_id = $3`,
		userA, a, b,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return &c, nil
}

// ListByParticipant は参加中の会話を最終メッセージ日時の降順で返す。
func (r *PostgresConversationRepo) ListByParticipant(ctx context.Context, userID, token string, limit int) (model.Page[model.Conversation], error) {
	limit = clampLimit(limit)
	cur, ts, err := decodeUUIDTimeCursor(token)
	if err != nil {
		return model.Page[model.Conversation]{}, err
	}

	query := conversationSelect + ` WHERE (c.participant_a_id = $1 OR c.participant_b_id = $1)`
	args := []any{userID}
	if cur != nil {
		query += ` AND (c.last_message_at, c.id) < ($2, $3)`
		args = append(args, ts, cur.ID)
	}
	query += fmt.Sprintf(` ORDER BY c.last_message_at DESC, c.id DESC LIMIT %d`, limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.Page[model.Conversation]{}, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var list []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return model.Page[model.Conversation]{}, fmt.Errorf("failed to scan conversation: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return model.Page[model.Conversation]{}, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	items, next := buildPage(list, limit, func(c model.Conversation) string {
		return encodeTimeCursor(c.LastMessageAt, c.ID)
	})
	return model.Page[model.Conversation]{Items: items, NextToken: next}, nil
}

// compile-time interface check
var _ ConversationRepository = (*PostgresConversationRepo)(nil)
