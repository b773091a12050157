package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hitoshi/taxportal/internal/files"
	"github.com/hitoshi/taxportal/internal/livedata"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/wire"
)

// コマンド種別
const (
	OpOpenConversation  = "open_conversation"
	OpSendMessage       = "send_message"
	OpMarkRead          = "mark_read"
	OpLoadMore          = "load_more"
	OpOpenFolder        = "open_folder"
	OpCreateFolder      = "create_folder"
	OpRegisterUpload    = "register_upload"
	OpDeleteFile        = "delete_file"
	OpSearchFiles       = "search_files"
	OpMarkSeen          = "mark_seen"
	OpSetStarred        = "set_starred"
	OpMarkAllSeen       = "mark_all_seen"
	OpTransition        = "transition"
	OpUpdateDisplayName = "update_display_name"
	OpSetFilter         = "set_filter"
	OpRefresh           = "refresh"
)

// Command はブラウザから受け取る1件の操作要求。
type Command struct {
	ID   string          `json:"id,omitempty"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

type conversationArgs struct {
	ConversationID string `json:"conversation_id"`
}

type sendMessageArgs struct {
	Content     string             `json:"content"`
	Attachments []model.Attachment `json:"attachments"`
}

type loadMoreArgs struct {
	List string `json:"list"`
}

type folderArgs struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

type uploadArgs struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mime_type"`
	StorageKey string `json:"storage_key"`
}

type searchArgs struct {
	Prefix string `json:"prefix"`
}

type notificationArgs struct {
	NotificationID string `json:"notification_id"`
	Starred        bool   `json:"starred"`
}

type transitionArgs struct {
	RequestID     string                      `json:"request_id"`
	Status        model.DocumentRequestStatus `json:"status"`
	FulfilledPath string                      `json:"fulfilled_path"`
}

type displayNameArgs struct {
	DisplayName string `json:"display_name"`
}

type filterArgs struct {
	Filter string `json:"filter"`
}

// Dispatch はコマンドを対応するフックの操作に変換して実行する。
// 状態の変化はRunが送るフレームで通知され、戻り値は操作固有の結果のみを持つ。
// 失敗した場合はエラーフレームを送り、IDのあるコマンドが成功した場合はresultフレームを送る。
func (w *Workspace) Dispatch(ctx context.Context, cmd Command) (any, error) {
	result, err := w.dispatch(ctx, cmd)
	if err != nil {
		w.reply(Frame{Type: FrameError, ID: cmd.ID, Op: cmd.Op, Data: errorPayload(err)})
		return nil, err
	}
	if cmd.ID != "" {
		w.reply(Frame{Type: FrameResult, ID: cmd.ID, Op: cmd.Op, Data: result})
	}
	return result, nil
}

func (w *Workspace) dispatch(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Op {
	case OpOpenConversation:
		var a conversationArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		return nil, w.Messages.Open(ctx, a.ConversationID)

	case OpSendMessage:
		var a sendMessageArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		msg, err := w.Messages.Send(ctx, a.Content, a.Attachments)
		if errors.Is(err, livedata.ErrNoConversation) {
			return nil, model.NewInvalidRequestError("会話が開かれていません")
		}
		if err != nil {
			return nil, err
		}
		return wire.FromMessage(msg), nil

	case OpMarkRead:
		var a conversationArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		return nil, w.Conversations.MarkRead(ctx, a.ConversationID)

	case OpLoadMore:
		var a loadMoreArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		return nil, w.loadMore(ctx, a.List)

	case OpOpenFolder:
		var a folderArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		return nil, w.Files.Open(ctx, a.Path)

	case OpCreateFolder:
		var a folderArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		entry, err := w.Files.CreateFolder(ctx, a.Name)
		if err != nil {
			return nil, err
		}
		return wire.FromFileEntry(entry), nil

	case OpRegisterUpload:
		var a uploadArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		entry, err := w.Files.Upload(ctx, files.UploadInput{
			Name:       a.Name,
			Size:       a.Size,
			MimeType:   a.MimeType,
			StorageKey: a.StorageKey,
		})
		if err != nil {
			return nil, err
		}
		return wire.FromFileEntry(entry), nil

	case OpDeleteFile:
		var a folderArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		return nil, w.Files.Delete(ctx, a.Path)

	case OpSearchFiles:
		var a searchArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		found, err := w.Files.Search(ctx, a.Prefix)
		if err != nil {
			return nil, err
		}
		return wire.MapSlice(found, wire.FromFileEntry), nil

	case OpMarkSeen:
		var a notificationArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		return nil, w.Notifications.MarkSeen(ctx, a.NotificationID)

	case OpSetStarred:
		var a notificationArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		return nil, w.Notifications.SetStarred(ctx, a.NotificationID, a.Starred)

	case OpMarkAllSeen:
		return nil, w.Notifications.MarkAllSeen(ctx)

	case OpTransition:
		var a transitionArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		return nil, w.DocumentRequests.Transition(ctx, a.RequestID, a.Status, a.FulfilledPath)

	case OpUpdateDisplayName:
		var a displayNameArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		return nil, w.Profile.UpdateDisplayName(ctx, a.DisplayName)

	case OpSetFilter:
		var a filterArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		return nil, w.SetFilter(a.Filter)

	case OpRefresh:
		var a loadMoreArgs
		if err := decodeArgs(cmd, &a); err != nil {
			return nil, err
		}
		return nil, w.refresh(ctx, a.List)
	}
	return nil, model.NewInvalidRequestError(fmt.Sprintf("不明な操作です: %s", cmd.Op))
}

func (w *Workspace) loadMore(ctx context.Context, list string) error {
	switch list {
	case FrameConversations:
		return w.Conversations.LoadMore(ctx)
	case FrameMessages:
		return w.Messages.LoadMore(ctx)
	case FrameFiles:
		return w.Files.LoadMore(ctx)
	case FrameNotifications:
		return w.Notifications.LoadMore(ctx)
	case FrameDocumentRequests:
		return w.DocumentRequests.LoadMore(ctx)
	}
	return model.NewInvalidRequestError(fmt.Sprintf("不明な一覧です: %s", list))
}

// refresh は一覧の先頭ページを取得し直す。
func (w *Workspace) refresh(ctx context.Context, list string) error {
	switch list {
	case FrameConversations:
		return w.Conversations.Fetch(ctx, "")
	case FrameMessages:
		if w.Messages.ConversationID() == "" {
			return nil
		}
		return w.Messages.Fetch(ctx, "")
	case FrameFiles:
		return w.Files.Fetch(ctx, "")
	case FrameNotifications:
		return w.Notifications.Fetch(ctx, "")
	case FrameDocumentRequests:
		return w.DocumentRequests.Fetch(ctx, "")
	case FrameProfile:
		return w.Profile.Load(ctx)
	}
	return model.NewInvalidRequestError(fmt.Sprintf("不明な一覧です: %s", list))
}

func decodeArgs(cmd Command, v any) error {
	if len(cmd.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(cmd.Args, v); err != nil {
		return model.NewInvalidRequestError("引数を解析できません")
	}
	return nil
}
