package livedata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/events"
	"github.com/hitoshi/taxportal/internal/files"
	"github.com/hitoshi/taxportal/internal/model"
)

// --- 会話・メッセージ ---

type fakeMessaging struct {
	mu            sync.Mutex
	conversations []model.Conversation
	messages      map[string][]model.Message
	markReadErr   error
	sendErr       error
	listErr       error
	denied        map[string]bool
	listCalls     int
	sent          []string
	sentTo        []string
}

func (f *fakeMessaging) GetConversation(_ context.Context, userID, conversationID string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[conversationID] {
		return nil, model.NewConversationNotFoundError(conversationID)
	}
	return &model.Conversation{ID: conversationID, ParticipantAID: userID, ParticipantBID: "u-2"}, nil
}

func (f *fakeMessaging) ListConversations(_ context.Context, _, _ string, _ int) (model.Page[model.Conversation], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return model.Page[model.Conversation]{Items: append([]model.Conversation(nil), f.conversations...)}, nil
}

func (f *fakeMessaging) MarkRead(_ context.Context, _, _ string) (int64, error) {
	if f.markReadErr != nil {
		return 0, f.markReadErr
	}
	return 1, nil
}

func (f *fakeMessaging) ListMessages(_ context.Context, _, conversationID, _ string, _ int) (model.Page[model.Message], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return model.Page[model.Message]{}, f.listErr
	}
	return model.Page[model.Message]{Items: append([]model.Message(nil), f.messages[conversationID]...)}, nil
}

func (f *fakeMessaging) SendMessage(_ context.Context, userID, conversationID, content string, _ []model.Attachment) (*model.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	f.sentTo = append(f.sentTo, conversationID)
	return &model.Message{
		ID:             "m-server",
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		SeenStatus:     model.SeenStatusUnseen,
	}, nil
}

func TestConversationsHook_MarkReadOptimistic(t *testing.T) {
	svc := &fakeMessaging{conversations: []model.Conversation{
		{ID: "c-1", ParticipantAID: "u-1", ParticipantBID: "u-2", UnreadCount: 3},
	}}
	h := NewConversationsHook("u-1", svc, nil)
	ctx := context.Background()
	require.NoError(t, h.Fetch(ctx, ""))

	require.NoError(t, h.MarkRead(ctx, "c-1"))
	require.Equal(t, 0, h.Snapshot().Items[0].UnreadCount)
}

func TestConversationsHook_MarkReadFailureRefetches(t *testing.T) {
	svc := &fakeMessaging{
		conversations: []model.Conversation{
			{ID: "c-1", ParticipantAID: "u-1", ParticipantBID: "u-2", UnreadCount: 3},
		},
		markReadErr: errors.New("write failed"),
	}
	h := NewConversationsHook("u-1", svc, nil)
	ctx := context.Background()
	require.NoError(t, h.Fetch(ctx, ""))

	err := h.MarkRead(ctx, "c-1")
	require.Error(t, err)

	s := h.Snapshot()
	require.Equal(t, 3, s.Items[0].UnreadCount)
	require.NotNil(t, s.Err)
	require.Equal(t, "conversations.update", s.Err.Op)
	require.Equal(t, 2, svc.listCalls)
}

func TestConversationsHook_ApplyUpdate(t *testing.T) {
	svc := &fakeMessaging{conversations: []model.Conversation{
		{ID: "c-1", ParticipantAID: "u-1", ParticipantBID: "u-2"},
		{ID: "c-2", ParticipantAID: "u-1", ParticipantBID: "u-3"},
	}}
	h := NewConversationsHook("u-1", svc, nil)
	require.NoError(t, h.Fetch(context.Background(), ""))

	h.ApplyUpdate(model.Conversation{ID: "c-2", ParticipantAID: "u-1", ParticipantBID: "u-3", LastMessage: "hi"})
	h.ApplyUpdate(model.Conversation{ID: "c-9", ParticipantAID: "u-8", ParticipantBID: "u-9"})

	s := h.Snapshot()
	require.Len(t, s.Items, 2)
	require.Equal(t, "c-2", s.Items[0].ID)
	require.Equal(t, "hi", s.Items[0].LastMessage)
}

func newMessagesHook(t *testing.T, svc *fakeMessaging) (*MessagesHook, *events.MemoryBus) {
	t.Helper()
	bus := events.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })
	h := NewMessagesHook("u-1", svc, busSubscribe(bus, events.ConversationTopic), nil)
	t.Cleanup(h.Close)
	return h, bus
}

func publishMessage(t *testing.T, bus events.Bus, msg model.Message) {
	t.Helper()
	require.NoError(t, events.Publish(context.Background(), bus, events.TypeMessageCreated,
		msg.ID, msg, events.ConversationTopic(msg.ConversationID)))
}

func TestMessagesHook_OpenAndSwitch(t *testing.T) {
	svc := &fakeMessaging{messages: map[string][]model.Message{
		"c-1": {{ID: "m-1", ConversationID: "c-1"}},
		"c-2": {{ID: "m-2", ConversationID: "c-2"}},
	}}
	h, bus := newMessagesHook(t, svc)
	ctx := context.Background()

	require.NoError(t, h.Open(ctx, "c-1"))
	require.Equal(t, "c-1", h.ConversationID())
	require.Len(t, h.Snapshot().Items, 1)

	publishMessage(t, bus, model.Message{ID: "m-3", ConversationID: "c-1"})
	require.Len(t, h.Snapshot().Items, 2)
	require.Equal(t, "m-3", h.Snapshot().Items[0].ID)

	require.NoError(t, h.Open(ctx, "c-2"))
	require.Equal(t, 0, bus.SubscriberCount(events.ConversationTopic("c-1")))

	publishMessage(t, bus, model.Message{ID: "m-4", ConversationID: "c-1"})
	s := h.Snapshot()
	require.Len(t, s.Items, 1)
	require.Equal(t, "m-2", s.Items[0].ID)
}

func TestMessagesHook_SendReplacesPending(t *testing.T) {
	svc := &fakeMessaging{messages: map[string][]model.Message{
		"c-1": {{ID: "m-1", ConversationID: "c-1"}},
	}}
	h, _ := newMessagesHook(t, svc)
	ctx := context.Background()
	require.NoError(t, h.Open(ctx, "c-1"))

	msg, err := h.Send(ctx, "こんにちは", nil)
	require.NoError(t, err)
	require.Equal(t, "m-server", msg.ID)

	s := h.Snapshot()
	require.Len(t, s.Items, 2)
	require.Equal(t, "m-server", s.Items[0].ID)
	for _, m := range s.Items {
		require.NotContains(t, m.ID, PendingIDPrefix)
	}
}

func TestMessagesHook_SendFailureRemovesPending(t *testing.T) {
	svc := &fakeMessaging{
		messages: map[string][]model.Message{"c-1": {{ID: "m-1", ConversationID: "c-1"}}},
		sendErr:  errors.New("rejected"),
	}
	h, _ := newMessagesHook(t, svc)
	ctx := context.Background()
	require.NoError(t, h.Open(ctx, "c-1"))

	_, err := h.Send(ctx, "こんにちは", nil)
	require.Error(t, err)

	s := h.Snapshot()
	require.Len(t, s.Items, 1)
	require.Equal(t, "m-1", s.Items[0].ID)
	require.Equal(t, "messages.insert", s.Err.Op)
}

func TestMessagesHook_OpenDeniedConversationDoesNotSubscribe(t *testing.T) {
	svc := &fakeMessaging{
		messages: map[string][]model.Message{"c-x": {{ID: "m-x", ConversationID: "c-x"}}},
		denied:   map[string]bool{"c-x": true},
	}
	h, bus := newMessagesHook(t, svc)
	ctx := context.Background()

	err := h.Open(ctx, "c-x")
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, model.ErrCodeConversationNotFound, apiErr.Code)
	require.Equal(t, 0, bus.SubscriberCount(events.ConversationTopic("c-x")))
	require.Empty(t, h.ConversationID())
	require.Equal(t, "messages.open", h.Snapshot().Err.Op)

	publishMessage(t, bus, model.Message{ID: "m-y", ConversationID: "c-x"})
	require.Empty(t, h.Snapshot().Items)
}

func TestMessagesHook_OpenFetchFailureUnsubscribes(t *testing.T) {
	svc := &fakeMessaging{messages: map[string][]model.Message{
		"c-1": {{ID: "m-1", ConversationID: "c-1"}},
	}}
	h, bus := newMessagesHook(t, svc)
	ctx := context.Background()
	require.NoError(t, h.Open(ctx, "c-1"))

	svc.mu.Lock()
	svc.listErr = errors.New("db down")
	svc.mu.Unlock()

	require.Error(t, h.Open(ctx, "c-2"))
	require.Equal(t, 0, bus.SubscriberCount(events.ConversationTopic("c-1")))
	require.Equal(t, 0, bus.SubscriberCount(events.ConversationTopic("c-2")))
	require.Empty(t, h.ConversationID())

	s := h.Snapshot()
	require.Empty(t, s.Items)
	require.Equal(t, "messages.fetch", s.Err.Op)
}

func TestMessagesHook_SendWithoutConversation(t *testing.T) {
	h, _ := newMessagesHook(t, &fakeMessaging{})
	_, err := h.Send(context.Background(), "こんにちは", nil)
	require.ErrorIs(t, err, ErrNoConversation)
}

func TestMessagesHook_ConcurrentOpensKeepSubscriptionAndConversationTogether(t *testing.T) {
	svc := &fakeMessaging{messages: map[string][]model.Message{
		"c-1": {{ID: "m-1", ConversationID: "c-1"}},
		"c-2": {{ID: "m-2", ConversationID: "c-2"}},
	}}
	h, bus := newMessagesHook(t, svc)
	ctx := context.Background()

	for range 50 {
		var wg sync.WaitGroup
		for _, id := range []string{"c-1", "c-2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = h.Open(ctx, id)
			}()
		}
		wg.Wait()

		open := h.ConversationID()
		other := "c-1"
		if open == "c-1" {
			other = "c-2"
		}
		require.Equal(t, 1, bus.SubscriberCount(events.ConversationTopic(open)))
		require.Equal(t, 0, bus.SubscriberCount(events.ConversationTopic(other)))
		items := h.Snapshot().Items
		require.Len(t, items, 1)
		require.Equal(t, open, items[0].ConversationID)
	}

	// 送信は開いている会話に届く
	_, err := h.Send(ctx, "こんにちは", nil)
	require.NoError(t, err)
	require.Equal(t, []string{h.ConversationID()}, svc.sentTo)
}

func TestMessagesHook_CloseStopsEvents(t *testing.T) {
	svc := &fakeMessaging{messages: map[string][]model.Message{}}
	h, bus := newMessagesHook(t, svc)
	require.NoError(t, h.Open(context.Background(), "c-1"))

	h.Close()
	require.Equal(t, 0, bus.SubscriberCount(events.ConversationTopic("c-1")))
	publishMessage(t, bus, model.Message{ID: "m-9", ConversationID: "c-1"})
	require.Empty(t, h.Snapshot().Items)
}

// --- ファイル ---

type fakeFiles struct {
	mu      sync.Mutex
	entries []model.FileEntry
	parents []string
	created []string
}

func (f *fakeFiles) List(_ context.Context, _, parentPath, _ string, _ int) (model.Page[model.FileEntry], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parents = append(f.parents, parentPath)
	var items []model.FileEntry
	for _, e := range f.entries {
		if e.ParentPath == parentPath {
			items = append(items, e)
		}
	}
	return model.Page[model.FileEntry]{Items: items}, nil
}

func (f *fakeFiles) Search(_ context.Context, _, parentPath, _ string, _ int) ([]model.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parents = append(f.parents, parentPath)
	return nil, nil
}

func (f *fakeFiles) CreateFolder(_ context.Context, ownerID, parentPath, name string) (*model.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, parentPath)
	e := model.FileEntry{
		OwnerID:    ownerID,
		Path:       files.EntryPath(parentPath, name, true),
		ParentPath: parentPath,
		Name:       name,
		Type:       model.FileTypeFolder,
	}
	f.entries = append(f.entries, e)
	return &e, nil
}

func (f *fakeFiles) RegisterUpload(_ context.Context, ownerID string, in files.UploadInput) (*model.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := model.FileEntry{
		OwnerID:    ownerID,
		Path:       files.EntryPath(in.ParentPath, in.Name, false),
		ParentPath: in.ParentPath,
		Name:       in.Name,
		Type:       files.DetectType(in.MimeType),
		Size:       &in.Size,
		StorageKey: in.StorageKey,
	}
	f.entries = append(f.entries, e)
	return &e, nil
}

func (f *fakeFiles) Delete(context.Context, string, string) error {
	return errors.New("delete failed")
}

func TestFilesHook_NormalizesParentPath(t *testing.T) {
	svc := &fakeFiles{}
	h := NewFilesHook("u-1", svc, nil)
	ctx := context.Background()

	require.NoError(t, h.Open(ctx, "documents"))
	require.Equal(t, "/documents/", h.ParentPath())

	_, err := h.CreateFolder(ctx, "2024")
	require.NoError(t, err)

	// 表記の異なる同じフォルダを開き直しても作成したフォルダが見える
	require.NoError(t, h.Open(ctx, "/documents"))
	s := h.Snapshot()
	require.Len(t, s.Items, 1)
	require.Equal(t, "/documents/2024/", s.Items[0].Path)

	_, err = h.Search(ctx, "20")
	require.NoError(t, err)

	require.Equal(t, []string{"/documents/"}, svc.created)
	for _, p := range svc.parents {
		require.Equal(t, "/documents/", p)
	}
}

func TestFilesHook_UploadAndFailedDelete(t *testing.T) {
	svc := &fakeFiles{}
	h := NewFilesHook("u-1", svc, nil)
	ctx := context.Background()
	require.NoError(t, h.Open(ctx, "/"))

	entry, err := h.Upload(ctx, files.UploadInput{
		Name:       "receipt.png",
		Size:       42,
		MimeType:   "image/png",
		StorageKey: "private/u-1/x.png",
	})
	require.NoError(t, err)
	require.Equal(t, "/receipt.png", entry.Path)
	require.Equal(t, model.FileTypeImage, entry.Type)

	err = h.Delete(ctx, "/receipt.png")
	require.Error(t, err)
	s := h.Snapshot()
	require.Len(t, s.Items, 1)
	require.Equal(t, "files.remove", s.Err.Op)
}

// --- 通知 ---

type fakeNotifications struct {
	items      []model.Notification
	starErr    error
	markAllErr error
	listCalls  int
}

func (f *fakeNotifications) List(context.Context, string, string, int) (model.Page[model.Notification], error) {
	f.listCalls++
	return model.Page[model.Notification]{Items: append([]model.Notification(nil), f.items...)}, nil
}

func (f *fakeNotifications) MarkSeen(context.Context, string, string) error { return nil }

func (f *fakeNotifications) SetStarred(context.Context, string, string, bool) error {
	return f.starErr
}

func (f *fakeNotifications) MarkAllSeen(context.Context, string) (int64, error) {
	if f.markAllErr != nil {
		return 0, f.markAllErr
	}
	return int64(len(f.items)), nil
}

func TestNotificationsHook(t *testing.T) {
	svc := &fakeNotifications{items: []model.Notification{
		{ID: "n-1", UserID: "u-1", SeenStatus: model.SeenStatusUnseen},
		{ID: "n-2", UserID: "u-1", SeenStatus: model.SeenStatusUnseen},
	}}
	h := NewNotificationsHook("u-1", svc, nil)
	ctx := context.Background()
	require.NoError(t, h.Fetch(ctx, ""))

	require.NoError(t, h.MarkSeen(ctx, "n-1"))
	require.False(t, h.Snapshot().Items[0].Unseen())

	svc.starErr = errors.New("rejected")
	require.Error(t, h.SetStarred(ctx, "n-2", true))
	require.False(t, h.Snapshot().Items[1].IsStarred)

	require.NoError(t, h.MarkAllSeen(ctx))
	for _, n := range h.Snapshot().Items {
		require.False(t, n.Unseen())
	}
}

func TestNotificationsHook_MarkAllSeenFailure(t *testing.T) {
	svc := &fakeNotifications{
		items:      []model.Notification{{ID: "n-1", UserID: "u-1", SeenStatus: model.SeenStatusUnseen}},
		markAllErr: errors.New("rejected"),
	}
	h := NewNotificationsHook("u-1", svc, nil)
	ctx := context.Background()
	require.NoError(t, h.Fetch(ctx, ""))

	require.Error(t, h.MarkAllSeen(ctx))
	s := h.Snapshot()
	require.True(t, s.Items[0].Unseen())
	require.Equal(t, "notifications.mark_all_seen", s.Err.Op)
}

func TestNotificationsHook_HandleEvent(t *testing.T) {
	svc := &fakeNotifications{}
	h := NewNotificationsHook("u-1", svc, nil)

	mine, err := events.New(events.TypeNotificationCreated, "n-1", model.Notification{ID: "n-1", UserID: "u-1"})
	require.NoError(t, err)
	other, err := events.New(events.TypeNotificationCreated, "n-2", model.Notification{ID: "n-2", UserID: "u-2"})
	require.NoError(t, err)
	unrelated, err := events.New(events.TypeMessageCreated, "m-1", model.Message{ID: "m-1"})
	require.NoError(t, err)

	h.HandleEvent(mine)
	h.HandleEvent(other)
	h.HandleEvent(unrelated)
	h.HandleEvent(events.Event{Type: events.TypeNotificationCreated, Payload: []byte("{")})

	s := h.Snapshot()
	require.Len(t, s.Items, 1)
	require.Equal(t, "n-1", s.Items[0].ID)
}

// --- 書類依頼 ---

type fakeDocRequests struct {
	items []model.DocumentRequest
	err   error
}

func (f *fakeDocRequests) List(context.Context, *auth.Identity, string, int) (model.Page[model.DocumentRequest], error) {
	return model.Page[model.DocumentRequest]{Items: append([]model.DocumentRequest(nil), f.items...)}, nil
}

func (f *fakeDocRequests) Transition(_ context.Context, _ *auth.Identity, id string, to model.DocumentRequestStatus, fulfilledPath string) (*model.DocumentRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now()
	return &model.DocumentRequest{ID: id, Status: to, FulfilledPath: fulfilledPath, FulfilledAt: &now}, nil
}

func TestDocumentRequestsHook_Transition(t *testing.T) {
	actor := &auth.Identity{SubjectID: "u-1", Role: auth.RoleClient}
	svc := &fakeDocRequests{items: []model.DocumentRequest{
		{ID: "r-1", Status: model.DocumentRequestPending},
	}}
	h := NewDocumentRequestsHook(actor, svc, nil)
	ctx := context.Background()
	require.NoError(t, h.Fetch(ctx, ""))

	require.NoError(t, h.Transition(ctx, "r-1", model.DocumentRequestUploaded, "/2024/w2.pdf"))
	s := h.Snapshot()
	require.Equal(t, model.DocumentRequestUploaded, s.Items[0].Status)
	require.Equal(t, "/2024/w2.pdf", s.Items[0].FulfilledPath)
	require.NotNil(t, s.Items[0].FulfilledAt)
}

func TestDocumentRequestsHook_TransitionRejectedByServer(t *testing.T) {
	actor := &auth.Identity{SubjectID: "u-1", Role: auth.RoleClient}
	svc := &fakeDocRequests{
		items: []model.DocumentRequest{{ID: "r-1", Status: model.DocumentRequestApproved}},
		err:   model.NewInvalidTransitionError(model.DocumentRequestApproved, model.DocumentRequestUploaded),
	}
	h := NewDocumentRequestsHook(actor, svc, nil)
	ctx := context.Background()
	require.NoError(t, h.Fetch(ctx, ""))

	err := h.Transition(ctx, "r-1", model.DocumentRequestUploaded, "/x.pdf")
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, model.ErrCodeInvalidTransition, apiErr.Code)
	require.Equal(t, model.DocumentRequestApproved, h.Snapshot().Items[0].Status)
}

// --- プロフィール ---

type fakeProfiles struct {
	user model.User
}

func (f *fakeProfiles) GetProfile(context.Context, string) (*model.User, error) {
	u := f.user
	return &u, nil
}

func (f *fakeProfiles) UpdateDisplayName(_ context.Context, _, displayName string) (*model.User, error) {
	f.user.DisplayName = displayName
	u := f.user
	return &u, nil
}

func TestProfileHook(t *testing.T) {
	svc := &fakeProfiles{user: model.User{ID: "u-1", DisplayName: "old"}}
	h := NewProfileHook("u-1", svc, nil)
	ctx := context.Background()
	require.NoError(t, h.Load(ctx))

	require.NoError(t, h.UpdateDisplayName(ctx, "  新しい名前  "))
	require.Equal(t, "新しい名前", h.Snapshot().Data.DisplayName)
	require.Equal(t, "新しい名前", svc.user.DisplayName)
}
