package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/taxportal/internal/files"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/wire"
)

// FileServiceInterface はファイルハンドラーが必要とするサービスインターフェース。
type FileServiceInterface interface {
	List(ctx context.Context, ownerID, parentPath, token string, limit int) (model.Page[model.FileEntry], error)
	Search(ctx context.Context, ownerID, parentPath, prefix string, limit int) ([]model.FileEntry, error)
	CreateFolder(ctx context.Context, ownerID, parentPath, name string) (*model.FileEntry, error)
	RegisterUpload(ctx context.Context, ownerID string, in files.UploadInput) (*model.FileEntry, error)
	Get(ctx context.Context, ownerID, entryPath string) (*model.FileEntry, error)
	Delete(ctx context.Context, ownerID, entryPath string) error
	DownloadURL(entry *model.FileEntry) string
}

// FileHandler はファイル・フォルダのHTTPハンドラー。
// 操作対象は常にログインユーザー自身のファイル。
type FileHandler struct {
	service FileServiceInterface
}

// NewFileHandler はFileHandlerを生成する。
func NewFileHandler(service FileServiceInterface) *FileHandler {
	return &FileHandler{service: service}
}

// createFolderRequest はフォルダ作成リクエストのボディ。
type createFolderRequest struct {
	ParentPath string `json:"parent_path"`
	Name       string `json:"name"`
}

// registerUploadRequest はアップロード登録リクエストのボディ。
// ファイル本体はオブジェクトストレージへ直接アップロード済みであること。
type registerUploadRequest struct {
	ParentPath string `json:"parent_path"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mime_type"`
	StorageKey string `json:"storage_key"`
}

// downloadResponse はダウンロードURLのレスポンス。
type downloadResponse struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// List はフォルダ直下のエントリを返す。
// GET /api/files?parent=/a/b/&token=xxx&limit=n
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	token, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	page, err := h.service.List(r.Context(), identity.SubjectID, r.URL.Query().Get("parent"), token, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.MapPage(page, wire.FromFileEntry))
}

// Search はフォルダ直下を名前の前方一致で検索する。
// GET /api/files/search?parent=/a/&prefix=xxx
func (h *FileHandler) Search(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	found, err := h.service.Search(r.Context(), identity.SubjectID, q.Get("parent"), q.Get("prefix"), 0)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.MapSlice(found, wire.FromFileEntry))
}

// CreateFolder はフォルダを作成する。
// POST /api/files/folders
func (h *FileHandler) CreateFolder(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req createFolderRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	entry, err := h.service.CreateFolder(r.Context(), identity.SubjectID, req.ParentPath, req.Name)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.FromFileEntry(*entry))
}

// RegisterUpload はアップロード済みファイルのメタデータを登録する。
// POST /api/files
func (h *FileHandler) RegisterUpload(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req registerUploadRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	entry, err := h.service.RegisterUpload(r.Context(), identity.SubjectID, files.UploadInput{
		ParentPath: req.ParentPath,
		Name:       req.Name,
		Size:       req.Size,
		MimeType:   req.MimeType,
		StorageKey: req.StorageKey,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wire.FromFileEntry(*entry))
}

// Download はファイルの公開URLを返す。
// GET /api/files/download?path=/a/b.pdf
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")

	entry, err := h.service.Get(r.Context(), identity.SubjectID, path)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if entry.Type == model.FileTypeFolder {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidPathError("フォルダはダウンロードできません"))
		return
	}
	writeJSON(w, http.StatusOK, downloadResponse{Path: entry.Path, URL: h.service.DownloadURL(entry)})
}

// Delete はエントリを論理削除する。
// DELETE /api/files?path=/a/b.pdf
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), identity.SubjectID, r.URL.Query().Get("path")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
