// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/taxportal/internal/model"
)

// ErrAlreadyExists は一意制約に違反した場合に返される。
var ErrAlreadyExists = errors.New("already exists")

// UserRepository はユーザープロフィールの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Upsert はIDトークンのクレームからユーザーを作成または更新する。
	// 表示名は既存の値が空の場合のみ上書きする。
	Upsert(ctx context.Context, user *model.User) error

	// UpdateDisplayName は表示名を更新し、更新後のユーザーを返す。見つからない場合はnilを返す。
	UpdateDisplayName(ctx context.Context, id, displayName string) (*model.User, error)

	// ListByAssignedProfessional は税理士に割り当てられた顧客一覧を返す。
	ListByAssignedProfessional(ctx context.Context, professionalID string) ([]*model.User, error)
}

// ConversationRepository は会話の永続化インターフェース。
// UnreadCountは閲覧ユーザー宛ての未読メッセージ数から算出する。
type ConversationRepository interface {
	// FindByID は閲覧ユーザー視点の会話を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id, viewerID string) (*model.Conversation, error)

	// FindOrCreate は2者間の会話を取得し、存在しなければ作成する。
	FindOrCreate(ctx context.Context, userA, userB string) (*model.Conversation, error)

	// ListByParticipant は参加中の会話を最終メッセージ日時の降順で返す。
	ListByParticipant(ctx context.Context, userID, token string, limit int) (model.Page[model.Conversation], error)
}

// MessageRepository はメッセージの永続化インターフェース。
type MessageRepository interface {
	// ListByConversation は会話のメッセージを新しい順で返す。
	ListByConversation(ctx context.Context, conversationID, token string, limit int) (model.Page[model.Message], error)

	// Create はメッセージを作成し、会話の最終メッセージを同一トランザクションで更新する。
	Create(ctx context.Context, msg *model.Message) error

	// MarkSeen は受信者宛ての未読メッセージを既読にし、更新件数を返す。
	MarkSeen(ctx context.Context, conversationID, receiverID string) (int64, error)
}

// NotificationRepository は通知の永続化インターフェース。
type NotificationRepository interface {
	// FindByID は指定ユーザーの通知を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID, id string) (*model.Notification, error)

	// ListByUser は通知を新しい順で返す。
	ListByUser(ctx context.Context, userID, token string, limit int) (model.Page[model.Notification], error)

	// Create は通知を作成する。dedupeKeyが空でなく同一キーの通知が既にある場合は作成せずfalseを返す。
	Create(ctx context.Context, n *model.Notification, dedupeKey string) (bool, error)

	// MarkSeen は通知を既読にする。対象が存在しない場合はfalseを返す。
	MarkSeen(ctx context.Context, userID, id string) (bool, error)

	// SetStarred はスター状態を更新する。対象が存在しない場合はfalseを返す。
	SetStarred(ctx context.Context, userID, id string, starred bool) (bool, error)

	// MarkAllSeen はユーザーの未読通知をすべて既読にし、更新件数を返す。
	MarkAllSeen(ctx context.Context, userID string) (int64, error)
}

// DocumentRequestRepository は書類依頼の永続化インターフェース。
type DocumentRequestRepository interface {
	// FindByID は指定IDの書類依頼を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.DocumentRequest, error)

	// ListByClient は顧客宛ての書類依頼を作成日時の降順で返す。
	ListByClient(ctx context.Context, clientID, token string, limit int) (model.Page[model.DocumentRequest], error)

	// ListByProfessional は税理士が作成した書類依頼を作成日時の降順で返す。
	ListByProfessional(ctx context.Context, professionalID, token string, limit int) (model.Page[model.DocumentRequest], error)

	// ListAll はすべての書類依頼を作成日時の降順で返す。管理者向け。
	ListAll(ctx context.Context, token string, limit int) (model.Page[model.DocumentRequest], error)

	// Create は書類依頼を作成する。
	Create(ctx context.Context, req *model.DocumentRequest) error

	// UpdateStatus はステータスと提出情報を更新する。
	// 現在のステータスがexpectedと異なる場合は更新せずfalseを返す。
	UpdateStatus(ctx context.Context, req *model.DocumentRequest, expected model.DocumentRequestStatus) (bool, error)

	// ListOverdue は期限を過ぎたpendingの書類依頼を(期限, ID)の昇順で返す。
	// afterがnilでない場合はその位置より後ろから返す。
	ListOverdue(ctx context.Context, now time.Time, after *OverdueCursor, limit int) ([]*model.DocumentRequest, error)
}

// OverdueCursor は期限超過一覧の読み込み位置。
type OverdueCursor struct {
	DueDate time.Time
	ID      string
}

// FileRepository はファイルメタデータの永続化インターフェース。
// (owner_id, path) が主キー。削除済みのエントリは一覧・検索に含めない。
type FileRepository interface {
	// Find は指定パスのエントリを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, ownerID, path string) (*model.FileEntry, error)

	// ListByParent は親フォルダ直下のエントリをフォルダ優先・名前順で返す。
	ListByParent(ctx context.Context, ownerID, parentPath, token string, limit int) (model.Page[model.FileEntry], error)

	// SearchByName は親フォルダ直下で名前が前方一致するエントリを返す。
	SearchByName(ctx context.Context, ownerID, parentPath, prefix string, limit int) ([]model.FileEntry, error)

	// Create はエントリを作成する。同一パスが存在する場合はErrAlreadyExistsを返す。
	Create(ctx context.Context, entry *model.FileEntry) error

	// SoftDelete はエントリとその配下を論理削除し、更新件数を返す。
	SoftDelete(ctx context.Context, ownerID, path string) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
