package livedata

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hitoshi/taxportal/internal/files"
	"github.com/hitoshi/taxportal/internal/model"
)

// FileService はファイルフックが使う操作。files.Serviceが実装する。
type FileService interface {
	List(ctx context.Context, ownerID, parentPath, token string, limit int) (model.Page[model.FileEntry], error)
	Search(ctx context.Context, ownerID, parentPath, prefix string, limit int) ([]model.FileEntry, error)
	CreateFolder(ctx context.Context, ownerID, parentPath, name string) (*model.FileEntry, error)
	RegisterUpload(ctx context.Context, ownerID string, in files.UploadInput) (*model.FileEntry, error)
	Delete(ctx context.Context, ownerID, path string) error
}

// FilesHook は1つのフォルダ直下のエントリを保持する。
// 親パスは取得・作成・検索のすべてでfiles.NormalizeParentPathを通す。
type FilesHook struct {
	*List[string, model.FileEntry]
	ownerID    string
	svc        FileService
	parentPath atomic.Pointer[string]
}

// NewFilesHook はFilesHookを生成する。
func NewFilesHook(ownerID string, svc FileService, onChange func()) *FilesHook {
	h := &FilesHook{ownerID: ownerID, svc: svc}
	root := files.RootPath
	h.parentPath.Store(&root)
	h.List = NewList(ListConfig[string, model.FileEntry]{
		Name: "files",
		Key:  func(f model.FileEntry) string { return f.Path },
		Fetch: func(ctx context.Context, token string) (model.Page[model.FileEntry], error) {
			return svc.List(ctx, ownerID, h.ParentPath(), token, 0)
		},
		OnChange: onChange,
	})
	return h
}

// ParentPath は表示中のフォルダの正規化済みパスを返す。
func (h *FilesHook) ParentPath() string {
	return *h.parentPath.Load()
}

// Open はフォルダを開いて先頭ページを取得する。
func (h *FilesHook) Open(ctx context.Context, parentPath string) error {
	normalized := files.NormalizeParentPath(parentPath)
	if normalized != h.ParentPath() {
		h.Reset()
	}
	h.parentPath.Store(&normalized)
	return h.Fetch(ctx, "")
}

// CreateFolder は表示中のフォルダにフォルダを作成する。
func (h *FilesHook) CreateFolder(ctx context.Context, name string) (model.FileEntry, error) {
	parent := h.ParentPath()
	now := time.Now()
	pending := model.FileEntry{
		OwnerID:    h.ownerID,
		Path:       files.EntryPath(parent, name, true),
		ParentPath: parent,
		Name:       name,
		Type:       model.FileTypeFolder,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return h.Insert(ctx, pending, func(ctx context.Context) (model.FileEntry, error) {
		entry, err := h.svc.CreateFolder(ctx, h.ownerID, parent, name)
		if err != nil {
			return model.FileEntry{}, err
		}
		return *entry, nil
	})
}

// Upload はアップロード済みファイルを表示中のフォルダに登録する。
func (h *FilesHook) Upload(ctx context.Context, in files.UploadInput) (model.FileEntry, error) {
	in.ParentPath = h.ParentPath()
	size := in.Size
	now := time.Now()
	pending := model.FileEntry{
		OwnerID:    h.ownerID,
		Path:       files.EntryPath(in.ParentPath, in.Name, false),
		ParentPath: in.ParentPath,
		Name:       in.Name,
		Type:       files.DetectType(in.MimeType),
		Size:       &size,
		MimeType:   in.MimeType,
		StorageKey: in.StorageKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return h.Insert(ctx, pending, func(ctx context.Context) (model.FileEntry, error) {
		entry, err := h.svc.RegisterUpload(ctx, h.ownerID, in)
		if err != nil {
			return model.FileEntry{}, err
		}
		return *entry, nil
	})
}

// Delete はエントリを楽観的に取り除いてから削除する。
func (h *FilesHook) Delete(ctx context.Context, path string) error {
	return h.Remove(ctx, path, func(ctx context.Context) error {
		return h.svc.Delete(ctx, h.ownerID, path)
	})
}

// Search は表示中のフォルダ直下を名前の前方一致で検索する。ローカル状態は変更しない。
func (h *FilesHook) Search(ctx context.Context, prefix string) ([]model.FileEntry, error) {
	list, err := h.svc.Search(ctx, h.ownerID, h.ParentPath(), prefix, 0)
	if err != nil {
		return nil, &HookError{Op: "files.search", Err: err}
	}
	return list, nil
}
