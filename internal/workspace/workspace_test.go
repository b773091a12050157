package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/events"
	"github.com/hitoshi/taxportal/internal/files"
	"github.com/hitoshi/taxportal/internal/livedata"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/notification"
	"github.com/hitoshi/taxportal/internal/wire"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var jst = time.FixedZone("JST", 9*60*60)

// --- サービスのフェイク ---

type fakeMessaging struct {
	mu            sync.Mutex
	conversations []model.Conversation
	messages      map[string][]model.Message
	markReadErr   error
}

func (f *fakeMessaging) ListConversations(_ context.Context, _, _ string, _ int) (model.Page[model.Conversation], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.Page[model.Conversation]{Items: append([]model.Conversation(nil), f.conversations...)}, nil
}

func (f *fakeMessaging) MarkRead(_ context.Context, _, conversationID string) (int64, error) {
	if f.markReadErr != nil {
		return 0, f.markReadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.conversations {
		if f.conversations[i].ID == conversationID {
			f.conversations[i].UnreadCount = 0
		}
	}
	return 1, nil
}

func (f *fakeMessaging) GetConversation(_ context.Context, userID, conversationID string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conversations {
		if c.ID == conversationID && c.HasParticipant(userID) {
			return &c, nil
		}
	}
	return nil, model.NewConversationNotFoundError(conversationID)
}

func (f *fakeMessaging) ListMessages(_ context.Context, _, conversationID, _ string, _ int) (model.Page[model.Message], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.Page[model.Message]{Items: append([]model.Message(nil), f.messages[conversationID]...)}, nil
}

func (f *fakeMessaging) SendMessage(_ context.Context, userID, conversationID, content string, _ []model.Attachment) (*model.Message, error) {
	return &model.Message{ID: "m-server", ConversationID: conversationID, SenderID: userID, Content: content}, nil
}

type fakeFiles struct{}

func (fakeFiles) List(_ context.Context, _, _, _ string, _ int) (model.Page[model.FileEntry], error) {
	return model.Page[model.FileEntry]{}, nil
}

func (fakeFiles) Search(_ context.Context, _, _, _ string, _ int) ([]model.FileEntry, error) {
	return nil, nil
}

func (fakeFiles) CreateFolder(_ context.Context, ownerID, parentPath, name string) (*model.FileEntry, error) {
	return &model.FileEntry{OwnerID: ownerID, Path: files.EntryPath(parentPath, name, true), ParentPath: parentPath, Name: name, Type: model.FileTypeFolder}, nil
}

func (fakeFiles) RegisterUpload(_ context.Context, _ string, _ files.UploadInput) (*model.FileEntry, error) {
	return nil, errors.New("not supported")
}

func (fakeFiles) Delete(_ context.Context, _, _ string) error {
	return nil
}

type fakeNotifications struct {
	mu    sync.Mutex
	items []model.Notification
}

func (f *fakeNotifications) List(_ context.Context, _, _ string, _ int) (model.Page[model.Notification], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return model.Page[model.Notification]{Items: append([]model.Notification(nil), f.items...)}, nil
}

func (f *fakeNotifications) MarkSeen(_ context.Context, _, _ string) error { return nil }

func (f *fakeNotifications) SetStarred(_ context.Context, _, _ string, _ bool) error { return nil }

func (f *fakeNotifications) MarkAllSeen(_ context.Context, _ string) (int64, error) { return 0, nil }

type fakeDocRequests struct{}

func (fakeDocRequests) List(_ context.Context, _ *auth.Identity, _ string, _ int) (model.Page[model.DocumentRequest], error) {
	return model.Page[model.DocumentRequest]{}, nil
}

func (fakeDocRequests) Transition(_ context.Context, _ *auth.Identity, _ string, _ model.DocumentRequestStatus, _ string) (*model.DocumentRequest, error) {
	return nil, model.NewDocumentRequestNotFoundError("r-1")
}

type fakeProfiles struct{}

func (fakeProfiles) GetProfile(_ context.Context, userID string) (*model.User, error) {
	return &model.User{ID: userID, DisplayName: "山田 花子", Role: "client"}, nil
}

func (fakeProfiles) UpdateDisplayName(_ context.Context, userID, displayName string) (*model.User, error) {
	return &model.User{ID: userID, DisplayName: displayName, Role: "client"}, nil
}

// --- テストヘルパー ---

type fixture struct {
	ws        *Workspace
	bus       *events.MemoryBus
	messaging *fakeMessaging
	notifs    *fakeNotifications
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureAs(t, &auth.Identity{SubjectID: "u-1", Role: auth.RoleClient})
}

func newFixtureAs(t *testing.T, identity *auth.Identity) *fixture {
	t.Helper()
	bus := events.NewMemoryBus()
	t.Cleanup(func() { _ = bus.Close() })

	messaging := &fakeMessaging{
		conversations: []model.Conversation{
			{ID: "c-1", ParticipantAID: "u-1", ParticipantBID: "pro-1", UnreadCount: 2, LastMessageAt: time.Date(2026, 10, 18, 9, 0, 0, 0, jst)},
		},
		messages: map[string][]model.Message{
			"c-1": {{ID: "m-1", ConversationID: "c-1", SenderID: "pro-1", Content: "資料をお願いします"}},
		},
	}
	notifs := &fakeNotifications{items: []model.Notification{
		{ID: "n-1", UserID: "u-1", Type: model.NotificationTypeSystem, Title: "メンテナンス", SeenStatus: model.SeenStatusUnseen, Priority: model.PriorityNormal, CreatedAt: time.Date(2026, 10, 17, 9, 0, 0, 0, jst)},
	}}

	ws, err := New(Config{
		Identity: identity,
		Services: Services{
			Conversations:    messaging,
			Messages:         messaging,
			Files:            fakeFiles{},
			Notifications:    notifs,
			DocumentRequests: fakeDocRequests{},
			Profile:          fakeProfiles{},
		},
		Bus:      bus,
		Location: jst,
		Now:      func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, jst) },
	})
	require.NoError(t, err)
	t.Cleanup(ws.Close)
	return &fixture{ws: ws, bus: bus, messaging: messaging, notifs: notifs}
}

// collector はRunが送ったフレームを記録する。
type collector struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *collector) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

// last は指定種別の最後のフレームを返す。
func (c *collector) last(frameType string) (Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Type == frameType {
			return c.frames[i], true
		}
	}
	return Frame{}, false
}

func runCollector(t *testing.T, ws *Workspace) (*collector, <-chan error) {
	t.Helper()
	c := &collector{}
	done := make(chan error, 1)
	go func() { done <- ws.Run(context.Background(), c.send) }()
	return c, done
}

// --- テスト ---

func TestNew_RequiresIdentityAndBus(t *testing.T) {
	_, err := New(Config{Bus: events.NewMemoryBus()})
	require.Error(t, err)
	_, err = New(Config{Identity: &auth.Identity{SubjectID: "u-1"}})
	require.Error(t, err)
}

func TestWorkspace_StartLoadsEverything(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ws.Start(context.Background()))

	require.Len(t, f.ws.Conversations.Snapshot().Items, 1)
	require.Len(t, f.ws.Notifications.Snapshot().Items, 1)
	require.True(t, f.ws.Profile.Snapshot().Loaded)
	require.Equal(t, files.RootPath, f.ws.Files.ParentPath())
	require.Equal(t, 1, f.bus.SubscriberCount(events.UserTopic("u-1")))

	view := f.ws.View()
	require.Equal(t, notification.FilterAll, view.Filter)
	require.Len(t, view.Items, 2)
	// 未読の会話は応答待ちとしてシステム通知より上に並ぶ
	require.Equal(t, notification.KindNewMessage, view.Items[0].Kind)
	require.Equal(t, "c-1", view.Items[0].ConversationID)
	require.Equal(t, 3, view.UnreadTotal)
}

func TestWorkspace_RunSendsSnapshots(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ws.Start(context.Background()))
	c, done := runCollector(t, f.ws)

	// 通知ビューは1回の送信で最後に送られる
	require.Eventually(t, func() bool {
		_, ok := c.last(FrameNotifications)
		return ok
	}, timeout, tick)

	for _, name := range []string{FrameProfile, FrameSubscription, FrameConversations, FrameMessages, FrameFiles, FrameDocumentRequests} {
		_, ok := c.last(name)
		require.True(t, ok, name)
	}

	frame, _ := c.last(FrameNotifications)
	view, ok := frame.Data.(notification.View)
	require.True(t, ok)
	require.Len(t, view.Items, 2)

	frame, _ = c.last(FrameConversations)
	data, ok := frame.Data.(listData[wire.Conversation])
	require.True(t, ok)
	require.Len(t, data.Items, 1)

	f.ws.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(timeout):
		t.Fatal("Run did not return after Close")
	}
}

func TestWorkspace_RunStopsOnSendError(t *testing.T) {
	f := newFixture(t)
	sendErr := errors.New("connection closed")
	err := f.ws.Run(context.Background(), func(Frame) error { return sendErr })
	require.ErrorIs(t, err, sendErr)
}

func TestWorkspace_RoutesUserTopicEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ws.Start(ctx))

	updated := model.Conversation{ID: "c-2", ParticipantAID: "pro-2", ParticipantBID: "u-1", UnreadCount: 1, LastMessageAt: time.Date(2026, 10, 18, 11, 0, 0, 0, jst)}
	require.NoError(t, events.Publish(ctx, f.bus, events.TypeConversationUpdated, updated.ID, updated, events.UserTopic("u-1")))

	created := model.Notification{ID: "n-2", UserID: "u-1", Type: model.NotificationTypeDocumentOverdue, Title: "期限超過", Priority: model.PriorityUrgent, SeenStatus: model.SeenStatusUnseen, CreatedAt: time.Date(2026, 10, 18, 10, 0, 0, 0, jst)}
	require.NoError(t, events.Publish(ctx, f.bus, events.TypeNotificationCreated, created.ID, created, events.UserTopic("u-1")))

	conversations := f.ws.Conversations.Snapshot().Items
	require.Len(t, conversations, 2)
	require.Equal(t, "c-2", conversations[0].ID)

	view := f.ws.View()
	require.Len(t, view.Items, 4)
	require.Equal(t, notification.TierUrgent, view.Items[0].Tier)
	require.Equal(t, "n-2", view.Items[0].NotificationID)
}

func TestWorkspace_AdminReceivesAllDocumentRequestEvents(t *testing.T) {
	f := newFixtureAs(t, &auth.Identity{SubjectID: "admin-1", Role: auth.RoleAdmin})
	ctx := context.Background()
	require.NoError(t, f.ws.Start(ctx))
	require.Equal(t, 1, f.bus.SubscriberCount(events.AdminTopic))

	req := model.DocumentRequest{ID: "r-9", ClientID: "client-2", ProfessionalID: "pro-2", Status: model.DocumentRequestPending}
	require.NoError(t, events.Publish(ctx, f.bus, events.TypeDocumentRequestUpdated, req.ID, req, events.AdminTopic))

	items := f.ws.DocumentRequests.Snapshot().Items
	require.Len(t, items, 1)
	require.Equal(t, "r-9", items[0].ID)

	f.ws.Close()
	require.Equal(t, 0, f.bus.SubscriberCount(events.AdminTopic))
}

func TestWorkspace_NonAdminIgnoresAdminTopic(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ws.Start(context.Background()))
	require.Equal(t, 0, f.bus.SubscriberCount(events.AdminTopic))
}

func TestWorkspace_DispatchOpenAndSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ws.Start(ctx))

	_, err := f.ws.Dispatch(ctx, Command{Op: OpSendMessage, Args: json.RawMessage(`{"content":"こんにちは"}`)})
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, model.ErrCodeInvalidRequest, apiErr.Code)

	_, err = f.ws.Dispatch(ctx, Command{Op: OpOpenConversation, Args: json.RawMessage(`{"conversation_id":"c-1"}`)})
	require.NoError(t, err)
	require.Equal(t, 1, f.bus.SubscriberCount(events.ConversationTopic("c-1")))

	result, err := f.ws.Dispatch(ctx, Command{Op: OpSendMessage, Args: json.RawMessage(`{"content":"こんにちは"}`)})
	require.NoError(t, err)
	msg, ok := result.(wire.Message)
	require.True(t, ok)
	require.Equal(t, "m-server", msg.ID)
	require.Equal(t, "m-server", f.ws.Messages.Snapshot().Items[0].ID)
}

func TestWorkspace_OpenForeignConversationReceivesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ws.Start(ctx))
	f.messaging.mu.Lock()
	f.messaging.conversations = append(f.messaging.conversations,
		model.Conversation{ID: "c-other", ParticipantAID: "u-7", ParticipantBID: "pro-1"})
	f.messaging.mu.Unlock()

	_, err := f.ws.Dispatch(ctx, Command{Op: OpOpenConversation, Args: json.RawMessage(`{"conversation_id":"c-other"}`)})
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, model.ErrCodeConversationNotFound, apiErr.Code)
	require.Equal(t, 0, f.bus.SubscriberCount(events.ConversationTopic("c-other")))
	require.Empty(t, f.ws.Messages.ConversationID())

	require.NoError(t, events.Publish(ctx, f.bus, events.TypeMessageCreated, "m-private",
		model.Message{ID: "m-private", ConversationID: "c-other", SenderID: "pro-1", ReceiverID: "u-7", Content: "マイナンバー"},
		events.ConversationTopic("c-other")))
	require.Empty(t, f.ws.Messages.Snapshot().Items)

	// 送信先にもならない
	_, err = f.ws.Dispatch(ctx, Command{Op: OpSendMessage, Args: json.RawMessage(`{"content":"こんにちは"}`)})
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, model.ErrCodeInvalidRequest, apiErr.Code)
}

func TestWorkspace_OpenForeignAfterOwnDropsOldSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ws.Start(ctx))

	_, err := f.ws.Dispatch(ctx, Command{Op: OpOpenConversation, Args: json.RawMessage(`{"conversation_id":"c-1"}`)})
	require.NoError(t, err)
	_, err = f.ws.Dispatch(ctx, Command{Op: OpOpenConversation, Args: json.RawMessage(`{"conversation_id":"c-unknown"}`)})
	require.Error(t, err)

	require.Equal(t, 0, f.bus.SubscriberCount(events.ConversationTopic("c-1")))
	require.Equal(t, 0, f.bus.SubscriberCount(events.ConversationTopic("c-unknown")))
	require.Empty(t, f.ws.Messages.Snapshot().Items)
}

func TestWorkspace_DispatchMarkReadRecomputesView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ws.Start(ctx))
	require.Len(t, f.ws.View().Items, 2)

	_, err := f.ws.Dispatch(ctx, Command{Op: OpMarkRead, Args: json.RawMessage(`{"conversation_id":"c-1"}`)})
	require.NoError(t, err)

	view := f.ws.View()
	require.Len(t, view.Items, 1)
	require.Equal(t, "n-1", view.Items[0].NotificationID)
	require.Equal(t, 1, view.UnreadTotal)
}

func TestWorkspace_DispatchFailureSendsErrorFrame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ws.Start(ctx))
	c, _ := runCollector(t, f.ws)

	_, err := f.ws.Dispatch(ctx, Command{Op: OpTransition, Args: json.RawMessage(`{"request_id":"r-1","status":"uploaded"}`)})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		frame, ok := c.last(FrameError)
		if !ok {
			return false
		}
		payload := frame.Data.(*errorPayloadData)
		return frame.Op == OpTransition && payload.Code == model.ErrCodeDocumentRequestNotFound
	}, timeout, tick)
}

func TestWorkspace_DispatchRejectsUnknownInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  Command
	}{
		{"不明な操作", Command{Op: "drop_tables"}},
		{"壊れた引数", Command{Op: OpMarkRead, Args: json.RawMessage(`{"conversation_id":`)}},
		{"不明な一覧", Command{Op: OpLoadMore, Args: json.RawMessage(`{"list":"users"}`)}},
		{"不明なフィルタ", Command{Op: OpSetFilter, Args: json.RawMessage(`{"filter":"archived"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ws.Dispatch(ctx, tt.cmd)
			var apiErr *model.APIError
			require.ErrorAs(t, err, &apiErr)
		})
	}
}

func TestWorkspace_LoadMoreWithoutNextPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ws.Start(ctx))

	_, err := f.ws.Dispatch(ctx, Command{Op: OpLoadMore, Args: json.RawMessage(`{"list":"conversations"}`)})
	require.ErrorIs(t, err, livedata.ErrNoMorePages)
}

func TestWorkspace_SetFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ws.Start(ctx))

	_, err := f.ws.Dispatch(ctx, Command{Op: OpSetFilter, Args: json.RawMessage(`{"filter":"urgent"}`)})
	require.NoError(t, err)
	view := f.ws.View()
	require.Equal(t, notification.FilterUrgent, view.Filter)
	require.Empty(t, view.Items)
	// 合計未読数はフィルタの影響を受けない
	require.Equal(t, 3, view.UnreadTotal)

	require.NoError(t, f.ws.SetFilter(""))
	require.Equal(t, notification.FilterAll, f.ws.View().Filter)
}

func TestWorkspace_CloseUnsubscribes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ws.Start(ctx))
	_, err := f.ws.Dispatch(ctx, Command{Op: OpOpenConversation, Args: json.RawMessage(`{"conversation_id":"c-1"}`)})
	require.NoError(t, err)

	f.ws.Close()
	f.ws.Close()
	require.Equal(t, 0, f.bus.SubscriberCount(events.UserTopic("u-1")))
	require.Equal(t, 0, f.bus.SubscriberCount(events.ConversationTopic("c-1")))

	_, err = f.ws.Dispatch(ctx, Command{Op: OpMarkRead, Args: json.RawMessage(`{"conversation_id":"c-1"}`)})
	require.ErrorIs(t, err, livedata.ErrClosed)
}

func TestWorkspace_DispatchRepliesWithCommandID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ws.Start(ctx))
	c, _ := runCollector(t, f.ws)

	_, err := f.ws.Dispatch(ctx, Command{ID: "cmd-1", Op: OpCreateFolder, Args: json.RawMessage(`{"name":"2025年分"}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		frame, ok := c.last(FrameResult)
		if !ok {
			return false
		}
		entry, ok := frame.Data.(wire.FileEntry)
		return ok && frame.ID == "cmd-1" && entry.Path == "/2025年分/"
	}, timeout, tick)
	require.Equal(t, "/2025年分/", f.ws.Files.Snapshot().Items[0].Path)
}
