package model

import "time"

// FileType はファイルエントリの種別。
type FileType string

const (
	FileTypeFolder FileType = "FOLDER"
	FileTypeFile   FileType = "FILE"
	FileTypeImage  FileType = "IMAGE"
)

// FileEntry はファイルまたはフォルダのメタデータ。
// (OwnerID, Path) が一意キー。ParentPathは常に正規化済み（"/" または "/a/b/"）。
type FileEntry struct {
	OwnerID    string
	Path       string
	ParentPath string
	Name       string
	Type       FileType
	Size       *int64
	MimeType   string
	StorageKey string
	IsDeleted  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
