package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/docrequest"
	"github.com/hitoshi/taxportal/internal/files"
	"github.com/hitoshi/taxportal/internal/middleware"
	"github.com/hitoshi/taxportal/internal/model"
)

// --- テストヘルパー ---

var (
	testClient = &auth.Identity{SubjectID: "client-1", Email: "client@example.com", DisplayName: "山田 花子", Role: auth.RoleClient, AssignedProfessionalID: "pro-1"}
	testPro    = &auth.Identity{SubjectID: "pro-1", Email: "pro@example.com", DisplayName: "佐藤 税理士", Role: auth.RoleTaxPro}
)

// withIdentity はゲートが注入するIdentityをリクエストのコンテキストに設定する。
func withIdentity(r *http.Request, identity *auth.Identity) *http.Request {
	return r.WithContext(middleware.ContextWithIdentity(r.Context(), identity))
}

// withChiURLParam はchiのURLパラメータをリクエストのコンテキストに設定する。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeErrorCode はエラーレスポンスのエラーコードを返す。
func decodeErrorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to decode error response: %v (body=%s)", err, body)
	}
	return resp.Code
}

// findCookie はレスポンスから指定名のCookieを探す。
func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// --- モック定義 ---

type mockAuthService struct {
	getLoginURLFn    func(state string) string
	handleCallbackFn func(ctx context.Context, code string) (*auth.Tokens, *auth.Identity, error)
	refreshFn        func(ctx context.Context, refreshToken string) (*auth.Tokens, *auth.Identity, error)
}

func (m *mockAuthService) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return "https://idp.example.com/login?state=" + state
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string) (*auth.Tokens, *auth.Identity, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code)
	}
	return nil, nil, nil
}

func (m *mockAuthService) Refresh(ctx context.Context, refreshToken string) (*auth.Tokens, *auth.Identity, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, nil, auth.ErrInvalidToken
}

type mockConversationService struct {
	listConversationsFn func(ctx context.Context, userID, token string, limit int) (model.Page[model.Conversation], error)
	getConversationFn   func(ctx context.Context, userID, conversationID string) (*model.Conversation, error)
	startConversationFn func(ctx context.Context, userID, otherID string) (*model.Conversation, error)
	listMessagesFn      func(ctx context.Context, userID, conversationID, token string, limit int) (model.Page[model.Message], error)
	sendMessageFn       func(ctx context.Context, userID, conversationID, content string, attachments []model.Attachment) (*model.Message, error)
	markReadFn          func(ctx context.Context, userID, conversationID string) (int64, error)
}

func (m *mockConversationService) ListConversations(ctx context.Context, userID, token string, limit int) (model.Page[model.Conversation], error) {
	if m.listConversationsFn != nil {
		return m.listConversationsFn(ctx, userID, token, limit)
	}
	return model.Page[model.Conversation]{}, nil
}

func (m *mockConversationService) GetConversation(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	if m.getConversationFn != nil {
		return m.getConversationFn(ctx, userID, conversationID)
	}
	return nil, model.NewConversationNotFoundError(conversationID)
}

func (m *mockConversationService) StartConversation(ctx context.Context, userID, otherID string) (*model.Conversation, error) {
	if m.startConversationFn != nil {
		return m.startConversationFn(ctx, userID, otherID)
	}
	return &model.Conversation{ID: "c-new", ParticipantAID: userID, ParticipantBID: otherID}, nil
}

func (m *mockConversationService) ListMessages(ctx context.Context, userID, conversationID, token string, limit int) (model.Page[model.Message], error) {
	if m.listMessagesFn != nil {
		return m.listMessagesFn(ctx, userID, conversationID, token, limit)
	}
	return model.Page[model.Message]{}, nil
}

func (m *mockConversationService) SendMessage(ctx context.Context, userID, conversationID, content string, attachments []model.Attachment) (*model.Message, error) {
	if m.sendMessageFn != nil {
		return m.sendMessageFn(ctx, userID, conversationID, content, attachments)
	}
	return &model.Message{ID: "m-new", ConversationID: conversationID, SenderID: userID, Content: content, SeenStatus: model.SeenStatusUnseen}, nil
}

func (m *mockConversationService) MarkRead(ctx context.Context, userID, conversationID string) (int64, error) {
	if m.markReadFn != nil {
		return m.markReadFn(ctx, userID, conversationID)
	}
	return 0, nil
}

type mockNotificationService struct {
	listFn        func(ctx context.Context, userID, token string, limit int) (model.Page[model.Notification], error)
	markSeenFn    func(ctx context.Context, userID, id string) error
	setStarredFn  func(ctx context.Context, userID, id string, starred bool) error
	markAllSeenFn func(ctx context.Context, userID string) (int64, error)
}

func (m *mockNotificationService) List(ctx context.Context, userID, token string, limit int) (model.Page[model.Notification], error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID, token, limit)
	}
	return model.Page[model.Notification]{}, nil
}

func (m *mockNotificationService) MarkSeen(ctx context.Context, userID, id string) error {
	if m.markSeenFn != nil {
		return m.markSeenFn(ctx, userID, id)
	}
	return nil
}

func (m *mockNotificationService) SetStarred(ctx context.Context, userID, id string, starred bool) error {
	if m.setStarredFn != nil {
		return m.setStarredFn(ctx, userID, id, starred)
	}
	return nil
}

func (m *mockNotificationService) MarkAllSeen(ctx context.Context, userID string) (int64, error) {
	if m.markAllSeenFn != nil {
		return m.markAllSeenFn(ctx, userID)
	}
	return 0, nil
}

type mockDocumentRequestService struct {
	createFn     func(ctx context.Context, actor *auth.Identity, in docrequest.CreateInput) (*model.DocumentRequest, error)
	listFn       func(ctx context.Context, actor *auth.Identity, token string, limit int) (model.Page[model.DocumentRequest], error)
	getFn        func(ctx context.Context, actor *auth.Identity, id string) (*model.DocumentRequest, error)
	transitionFn func(ctx context.Context, actor *auth.Identity, id string, to model.DocumentRequestStatus, fulfilledPath string) (*model.DocumentRequest, error)
}

func (m *mockDocumentRequestService) Create(ctx context.Context, actor *auth.Identity, in docrequest.CreateInput) (*model.DocumentRequest, error) {
	if m.createFn != nil {
		return m.createFn(ctx, actor, in)
	}
	return &model.DocumentRequest{ID: "r-new", ClientID: in.ClientID, ProfessionalID: actor.SubjectID, Status: model.DocumentRequestPending}, nil
}

func (m *mockDocumentRequestService) List(ctx context.Context, actor *auth.Identity, token string, limit int) (model.Page[model.DocumentRequest], error) {
	if m.listFn != nil {
		return m.listFn(ctx, actor, token, limit)
	}
	return model.Page[model.DocumentRequest]{}, nil
}

func (m *mockDocumentRequestService) Get(ctx context.Context, actor *auth.Identity, id string) (*model.DocumentRequest, error) {
	if m.getFn != nil {
		return m.getFn(ctx, actor, id)
	}
	return nil, model.NewDocumentRequestNotFoundError(id)
}

func (m *mockDocumentRequestService) Transition(ctx context.Context, actor *auth.Identity, id string, to model.DocumentRequestStatus, fulfilledPath string) (*model.DocumentRequest, error) {
	if m.transitionFn != nil {
		return m.transitionFn(ctx, actor, id, to, fulfilledPath)
	}
	return &model.DocumentRequest{ID: id, Status: to, FulfilledPath: fulfilledPath}, nil
}

type mockFileService struct {
	listFn           func(ctx context.Context, ownerID, parentPath, token string, limit int) (model.Page[model.FileEntry], error)
	searchFn         func(ctx context.Context, ownerID, parentPath, prefix string, limit int) ([]model.FileEntry, error)
	createFolderFn   func(ctx context.Context, ownerID, parentPath, name string) (*model.FileEntry, error)
	registerUploadFn func(ctx context.Context, ownerID string, in files.UploadInput) (*model.FileEntry, error)
	getFn            func(ctx context.Context, ownerID, entryPath string) (*model.FileEntry, error)
	deleteFn         func(ctx context.Context, ownerID, entryPath string) error
}

func (m *mockFileService) List(ctx context.Context, ownerID, parentPath, token string, limit int) (model.Page[model.FileEntry], error) {
	if m.listFn != nil {
		return m.listFn(ctx, ownerID, parentPath, token, limit)
	}
	return model.Page[model.FileEntry]{}, nil
}

func (m *mockFileService) Search(ctx context.Context, ownerID, parentPath, prefix string, limit int) ([]model.FileEntry, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, ownerID, parentPath, prefix, limit)
	}
	return nil, nil
}

func (m *mockFileService) CreateFolder(ctx context.Context, ownerID, parentPath, name string) (*model.FileEntry, error) {
	if m.createFolderFn != nil {
		return m.createFolderFn(ctx, ownerID, parentPath, name)
	}
	return &model.FileEntry{OwnerID: ownerID, Path: parentPath + name + "/", ParentPath: parentPath, Name: name, Type: model.FileTypeFolder}, nil
}

func (m *mockFileService) RegisterUpload(ctx context.Context, ownerID string, in files.UploadInput) (*model.FileEntry, error) {
	if m.registerUploadFn != nil {
		return m.registerUploadFn(ctx, ownerID, in)
	}
	return &model.FileEntry{OwnerID: ownerID, Path: in.ParentPath + in.Name, ParentPath: in.ParentPath, Name: in.Name, Type: model.FileTypeFile, StorageKey: in.StorageKey}, nil
}

func (m *mockFileService) Get(ctx context.Context, ownerID, entryPath string) (*model.FileEntry, error) {
	if m.getFn != nil {
		return m.getFn(ctx, ownerID, entryPath)
	}
	return nil, model.NewFileNotFoundError(entryPath)
}

func (m *mockFileService) Delete(ctx context.Context, ownerID, entryPath string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, ownerID, entryPath)
	}
	return nil
}

func (m *mockFileService) DownloadURL(entry *model.FileEntry) string {
	return "https://files.example.com/" + entry.StorageKey
}

type mockUserService struct {
	getProfileFn        func(ctx context.Context, userID string) (*model.User, error)
	updateDisplayNameFn func(ctx context.Context, userID, displayName string) (*model.User, error)
	listClientsFn       func(ctx context.Context, actor *auth.Identity) ([]*model.User, error)
}

func (m *mockUserService) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	if m.getProfileFn != nil {
		return m.getProfileFn(ctx, userID)
	}
	return &model.User{ID: userID, DisplayName: "山田 花子", Role: "client"}, nil
}

func (m *mockUserService) UpdateDisplayName(ctx context.Context, userID, displayName string) (*model.User, error) {
	if m.updateDisplayNameFn != nil {
		return m.updateDisplayNameFn(ctx, userID, displayName)
	}
	return &model.User{ID: userID, DisplayName: displayName, Role: "client"}, nil
}

func (m *mockUserService) ListClients(ctx context.Context, actor *auth.Identity) ([]*model.User, error) {
	if m.listClientsFn != nil {
		return m.listClientsFn(ctx, actor)
	}
	return nil, nil
}

// compile-time interface check
var (
	_ AuthServiceInterface            = (*mockAuthService)(nil)
	_ ConversationServiceInterface    = (*mockConversationService)(nil)
	_ NotificationServiceInterface    = (*mockNotificationService)(nil)
	_ DocumentRequestServiceInterface = (*mockDocumentRequestService)(nil)
	_ FileServiceInterface            = (*mockFileService)(nil)
	_ UserServiceInterface            = (*mockUserService)(nil)
)
