package files

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/repository"
)

// StorageConfig はオブジェクトストレージの設定。
type StorageConfig struct {
	Bucket string
	Region string
}

// Service はファイル・フォルダ管理のサービス層。
type Service struct {
	repo    repository.FileRepository
	storage StorageConfig
	now     func() time.Time
}

// NewService はServiceを生成する。
func NewService(repo repository.FileRepository, storage StorageConfig) *Service {
	return &Service{repo: repo, storage: storage, now: time.Now}
}

// UploadInput はアップロード済みファイルの登録内容。
type UploadInput struct {
	ParentPath string
	Name       string
	Size       int64
	MimeType   string
	StorageKey string // 空の場合は生成する
}

// CreateFolder はフォルダを作成する。
func (s *Service) CreateFolder(ctx context.Context, ownerID, parentPath, name string) (*model.FileEntry, error) {
	if err := ValidateName(name); err != nil {
		return nil, model.NewInvalidPathError(err.Error())
	}
	now := s.now()
	entry := &model.FileEntry{
		OwnerID:    ownerID,
		ParentPath: NormalizeParentPath(parentPath),
		Name:       strings.TrimSpace(name),
		Type:       model.FileTypeFolder,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	entry.Path = EntryPath(entry.ParentPath, entry.Name, true)
	if err := s.create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// RegisterUpload はオブジェクトストレージへアップロードしたファイルのメタデータを登録する。
// MIMEタイプがimage/*の場合はIMAGEとして扱う。
func (s *Service) RegisterUpload(ctx context.Context, ownerID string, in UploadInput) (*model.FileEntry, error) {
	if err := ValidateName(in.Name); err != nil {
		return nil, model.NewInvalidPathError(err.Error())
	}
	if in.Size < 0 {
		return nil, model.NewInvalidRequestError("サイズが不正です")
	}

	name := strings.TrimSpace(in.Name)
	storageKey := in.StorageKey
	if storageKey == "" {
		storageKey = NewStorageKey(ownerID, name)
	}
	if !strings.HasPrefix(storageKey, StoragePrefix(ownerID)) {
		return nil, model.NewForbiddenError()
	}
	size := in.Size
	now := s.now()
	entry := &model.FileEntry{
		OwnerID:    ownerID,
		ParentPath: NormalizeParentPath(in.ParentPath),
		Name:       name,
		Type:       DetectType(in.MimeType),
		Size:       &size,
		MimeType:   in.MimeType,
		StorageKey: storageKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	entry.Path = EntryPath(entry.ParentPath, name, false)
	if err := s.create(ctx, entry); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "file registered",
		slog.String("owner_id", ownerID),
		slog.String("path", entry.Path),
		slog.Int64("size", size),
	)
	return entry, nil
}

func (s *Service) create(ctx context.Context, entry *model.FileEntry) error {
	if err := s.repo.Create(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return model.NewFileAlreadyExistsError(entry.Path)
		}
		return fmt.Errorf("ファイルの作成に失敗しました: %w", err)
	}
	return nil
}

// List は親フォルダ直下のエントリを返す。
func (s *Service) List(ctx context.Context, ownerID, parentPath, token string, limit int) (model.Page[model.FileEntry], error) {
	page, err := s.repo.ListByParent(ctx, ownerID, NormalizeParentPath(parentPath), token, limit)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidToken) {
			return model.Page[model.FileEntry]{}, model.NewInvalidContinuationTokenError()
		}
		return model.Page[model.FileEntry]{}, fmt.Errorf("ファイル一覧の取得に失敗しました: %w", err)
	}
	return page, nil
}

// Search は親フォルダ直下で名前が前方一致するエントリを返す。
func (s *Service) Search(ctx context.Context, ownerID, parentPath, prefix string, limit int) ([]model.FileEntry, error) {
	list, err := s.repo.SearchByName(ctx, ownerID, NormalizeParentPath(parentPath), strings.TrimSpace(prefix), limit)
	if err != nil {
		return nil, fmt.Errorf("ファイル検索に失敗しました: %w", err)
	}
	return list, nil
}

// Get は指定パスのエントリを返す。
func (s *Service) Get(ctx context.Context, ownerID, entryPath string) (*model.FileEntry, error) {
	entry, err := s.repo.Find(ctx, ownerID, entryPath)
	if err != nil {
		return nil, fmt.Errorf("ファイルの取得に失敗しました: %w", err)
	}
	if entry == nil || entry.IsDeleted {
		return nil, model.NewFileNotFoundError(entryPath)
	}
	return entry, nil
}

// Delete はエントリを論理削除する。フォルダの場合は配下もすべて削除する。
func (s *Service) Delete(ctx context.Context, ownerID, entryPath string) error {
	n, err := s.repo.SoftDelete(ctx, ownerID, entryPath)
	if err != nil {
		return fmt.Errorf("ファイルの削除に失敗しました: %w", err)
	}
	if n == 0 {
		return model.NewFileNotFoundError(entryPath)
	}
	slog.InfoContext(ctx, "file deleted",
		slog.String("owner_id", ownerID),
		slog.String("path", entryPath),
		slog.Int64("affected", n),
	)
	return nil
}

// DownloadURL はファイルの公開ダウンロードURLを返す。フォルダには存在しない。
func (s *Service) DownloadURL(entry *model.FileEntry) string {
	if entry.Type == model.FileTypeFolder || entry.StorageKey == "" {
		return ""
	}
	return PublicURL(s.storage.Bucket, s.storage.Region, entry.StorageKey)
}

// DetectType はMIMEタイプからエントリ種別を判定する。
func DetectType(mimeType string) model.FileType {
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return model.FileTypeImage
	}
	return model.FileTypeFile
}

// StoragePrefix はユーザーのオブジェクトキーの接頭辞を返す。
func StoragePrefix(ownerID string) string {
	return "private/" + ownerID + "/"
}

// NewStorageKey は衝突しないオブジェクトキーを生成する。拡張子は元のファイル名から引き継ぐ。
func NewStorageKey(ownerID, name string) string {
	return StoragePrefix(ownerID) + uuid.NewString() + strings.ToLower(path.Ext(name))
}
