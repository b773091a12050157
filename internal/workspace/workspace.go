// Package workspace は1つのブラウザ接続に対応するサーバー側のワークスペースを提供する。
//
// ワークスペースはログインユーザーのフック群とユーザートピックの購読を所有し、
// いずれかのフックの状態が変わるたびに通知ビューを再計算してブラウザへフレームを送る。
// 送信はRunの1つのgoroutineで行い、連続した変更は最新のスナップショットにまとめる。
package workspace

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/taxportal/internal/auth"
	"github.com/hitoshi/taxportal/internal/events"
	"github.com/hitoshi/taxportal/internal/livedata"
	"github.com/hitoshi/taxportal/internal/model"
	"github.com/hitoshi/taxportal/internal/notification"
	"github.com/hitoshi/taxportal/internal/wire"
)

// フレーム種別
const (
	FrameConversations    = "conversations"
	FrameMessages         = "messages"
	FrameFiles            = "files"
	FrameNotifications    = "notifications"
	FrameDocumentRequests = "document_requests"
	FrameProfile          = "profile"
	FrameSubscription     = "subscription"
	FrameError            = "error"
	FrameResult           = "result"
)

// Frame はブラウザへ送る1件のメッセージ。
// IDはコマンドへの応答（resultとerror）の場合に、コマンドのIDを持つ。
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Op   string `json:"op,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Services はワークスペースのフックが呼び出すサービス群。
type Services struct {
	Conversations    livedata.ConversationService
	Messages         livedata.MessageService
	Files            livedata.FileService
	Notifications    livedata.NotificationService
	DocumentRequests livedata.DocumentRequestService
	Profile          livedata.ProfileService
}

// Config はワークスペースの設定。
type Config struct {
	Identity *auth.Identity
	Services Services
	Bus      events.Bus
	Location *time.Location   // 日付グループの基準タイムゾーン。nilの場合はtime.Local
	Now      func() time.Time // nilの場合はtime.Now
	Logger   *slog.Logger
}

// Workspace はユーザーごとのフックと通知ビューを保持する。
type Workspace struct {
	identity *auth.Identity
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger

	Conversations    *livedata.ConversationsHook
	Messages         *livedata.MessagesHook
	Files            *livedata.FilesHook
	Notifications    *livedata.NotificationsHook
	DocumentRequests *livedata.DocumentRequestsHook
	Profile          *livedata.ProfileHook

	userSub *livedata.Subscriber[events.Event]
	// adminSub は管理者のみ。全書類依頼の更新を受け取る
	adminSub *livedata.Subscriber[events.Event]

	filter atomic.Pointer[string]
	viewMu sync.Mutex
	view   atomic.Pointer[notification.View]

	mu      sync.Mutex
	dirty   map[string]bool
	replies []Frame
	wake    chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// New はワークスペースを生成する。Startを呼ぶまでデータは取得しない。
func New(cfg Config) (*Workspace, error) {
	if cfg.Identity == nil || cfg.Identity.SubjectID == "" {
		return nil, errors.New("workspace requires an identity")
	}
	if cfg.Bus == nil {
		return nil, errors.New("workspace requires an event bus")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	w := &Workspace{
		identity: cfg.Identity,
		loc:      cfg.Location,
		now:      cfg.Now,
		logger:   cfg.Logger.With(slog.String("user_id", cfg.Identity.SubjectID)),
		dirty:    make(map[string]bool),
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	all := notification.FilterAll
	w.filter.Store(&all)

	userID := cfg.Identity.SubjectID
	svc := cfg.Services
	w.Conversations = livedata.NewConversationsHook(userID, svc.Conversations, w.onChange(FrameConversations, FrameNotifications))
	w.Messages = livedata.NewMessagesHook(userID, svc.Messages, subscribeTopic(cfg.Bus, events.ConversationTopic), w.onChange(FrameMessages))
	w.Files = livedata.NewFilesHook(userID, svc.Files, w.onChange(FrameFiles))
	w.Notifications = livedata.NewNotificationsHook(userID, svc.Notifications, w.onChange(FrameNotifications))
	w.DocumentRequests = livedata.NewDocumentRequestsHook(cfg.Identity, svc.DocumentRequests, w.onChange(FrameDocumentRequests))
	w.Profile = livedata.NewProfileHook(userID, svc.Profile, w.onChange(FrameProfile))
	w.userSub = livedata.NewSubscriber("workspace", subscribeTopic(cfg.Bus, events.UserTopic), w.handleUserEvent)
	if cfg.Identity.Role == auth.RoleAdmin {
		w.adminSub = livedata.NewSubscriber("workspace.admin", subscribeTopic(cfg.Bus, adminTopic), w.DocumentRequests.HandleEvent)
	}

	w.recompute()
	return w, nil
}

// subscribeTopic はキーをトピック名に変換してBusを購読するSubscribeFuncを返す。
func subscribeTopic(bus events.Bus, topic func(string) string) livedata.SubscribeFunc[events.Event] {
	return func(key string, deliver func(events.Event)) (func(), error) {
		return bus.Subscribe(topic(key), events.Handler(deliver))
	}
}

func adminTopic(string) string {
	return events.AdminTopic
}

// Identity はワークスペースのユーザーを返す。
func (w *Workspace) Identity() *auth.Identity {
	return w.identity
}

// Start はユーザートピックを購読してから各一覧の先頭ページを取得する。
// 取得の失敗は各フックのエラースロットに記録され、ここではエラーにしない。
// 購読の失敗は購読専用のエラーとして返すが、他のフックは動作を続ける。
func (w *Workspace) Start(ctx context.Context) error {
	subErr := w.userSub.Watch(w.identity.SubjectID)
	if w.adminSub != nil {
		if err := w.adminSub.Watch(w.identity.SubjectID); err != nil && subErr == nil {
			subErr = err
		}
	}
	w.markDirty(FrameSubscription)

	var wg sync.WaitGroup
	for _, load := range []func(context.Context) error{
		func(ctx context.Context) error { return w.Conversations.Fetch(ctx, "") },
		func(ctx context.Context) error { return w.Notifications.Fetch(ctx, "") },
		func(ctx context.Context) error { return w.DocumentRequests.Fetch(ctx, "") },
		func(ctx context.Context) error { return w.Files.Open(ctx, "/") },
		w.Profile.Load,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := load(ctx); err != nil && !errors.Is(err, livedata.ErrClosed) {
				w.logger.WarnContext(ctx, "initial load failed", slog.String("error", err.Error()))
			}
		}()
	}
	wg.Wait()
	return subErr
}

// View は最新の通知ビューを返す。
func (w *Workspace) View() notification.View {
	return *w.view.Load()
}

// SetFilter は通知ビューのフィルタを変更して再計算する。
func (w *Workspace) SetFilter(filter string) error {
	if _, err := notification.Filter(nil, filter); err != nil {
		return err
	}
	if filter == "" {
		filter = notification.FilterAll
	}
	w.filter.Store(&filter)
	w.recompute()
	w.markDirty(FrameNotifications)
	return nil
}

// Close は購読を解除し、以降に完了した取得・更新の結果を捨てる。複数回呼んでもよい。
func (w *Workspace) Close() {
	w.once.Do(func() {
		w.userSub.Close()
		if w.adminSub != nil {
			w.adminSub.Close()
		}
		w.Messages.Close()
		w.Conversations.Close()
		w.Files.Close()
		w.Notifications.Close()
		w.DocumentRequests.Close()
		w.Profile.Close()
		close(w.closed)
	})
}

// Run はフックの変更をフレームにしてsendで送る。ctxの終了かCloseで戻る。
// sendが失敗した場合はそのエラーを返す。
func (w *Workspace) Run(ctx context.Context, send func(Frame) error) error {
	// 接続直後に現在の状態をすべて送る
	w.markDirty(FrameConversations, FrameMessages, FrameFiles, FrameNotifications,
		FrameDocumentRequests, FrameProfile, FrameSubscription)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.closed:
			return nil
		case <-w.wake:
		}
		for _, f := range w.drain() {
			if err := send(f); err != nil {
				return err
			}
		}
	}
}

// reply はコマンドへの応答フレームを状態フレームの後に送る。
func (w *Workspace) reply(f Frame) {
	w.mu.Lock()
	w.replies = append(w.replies, f)
	w.mu.Unlock()
	w.signal()
}

// onChange はフックの状態が変わったときに呼ばれるコールバックを返す。
func (w *Workspace) onChange(frames ...string) func() {
	return func() {
		for _, f := range frames {
			if f == FrameNotifications {
				w.recompute()
			}
		}
		w.markDirty(frames...)
	}
}

// recompute は会話と通知の現在のスナップショットから通知ビューを作り直す。
func (w *Workspace) recompute() {
	w.viewMu.Lock()
	defer w.viewMu.Unlock()
	conversations := w.Conversations.Snapshot().Items
	notifications := w.Notifications.Snapshot().Items
	view, err := notification.BuildView(conversations, notifications, w.identity.SubjectID, *w.filter.Load(), w.now(), w.loc)
	if err != nil {
		// フィルタはSetFilterで検証済み
		w.logger.Error("failed to build notification view", slog.String("error", err.Error()))
		return
	}
	w.view.Store(&view)
}

func (w *Workspace) markDirty(frames ...string) {
	w.mu.Lock()
	for _, f := range frames {
		w.dirty[f] = true
	}
	w.mu.Unlock()
	w.signal()
}

func (w *Workspace) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// drain は溜まった変更を最新のスナップショットのフレームに変換する。
func (w *Workspace) drain() []Frame {
	w.mu.Lock()
	dirty := w.dirty
	replies := w.replies
	w.dirty = make(map[string]bool)
	w.replies = nil
	w.mu.Unlock()

	frames := make([]Frame, 0, len(dirty)+len(replies))
	for _, name := range []string{
		FrameProfile, FrameSubscription, FrameConversations, FrameMessages,
		FrameFiles, FrameDocumentRequests, FrameNotifications,
	} {
		if dirty[name] {
			frames = append(frames, w.frame(name))
		}
	}
	return append(frames, replies...)
}

func (w *Workspace) frame(name string) Frame {
	switch name {
	case FrameConversations:
		return Frame{Type: name, Data: listPayload(w.Conversations.Snapshot(), wire.FromConversation)}
	case FrameMessages:
		data := listPayload(w.Messages.Snapshot(), wire.FromMessage)
		data.Key = w.Messages.ConversationID()
		return Frame{Type: name, Data: data}
	case FrameFiles:
		data := listPayload(w.Files.Snapshot(), wire.FromFileEntry)
		data.Key = w.Files.ParentPath()
		return Frame{Type: name, Data: data}
	case FrameDocumentRequests:
		return Frame{Type: name, Data: listPayload(w.DocumentRequests.Snapshot(), wire.FromDocumentRequest)}
	case FrameNotifications:
		return Frame{Type: name, Data: w.View()}
	case FrameProfile:
		s := w.Profile.Snapshot()
		p := profilePayload{Loaded: s.Loaded, Loading: s.Loading, Error: hookErrorPayload(s.Err), RoleLabel: w.identity.Role.Label()}
		if s.Loaded {
			u := wire.FromUser(s.Data)
			p.User = &u
		}
		return Frame{Type: name, Data: p}
	case FrameSubscription:
		return Frame{Type: name, Data: subscriptionPayload{
			User:     hookErrorPayload(w.userSub.Err()),
			Messages: hookErrorPayload(w.Messages.SubscriptionErr()),
		}}
	}
	return Frame{Type: name}
}

// handleUserEvent はユーザートピックのイベントを対応するフックに振り分ける。
func (w *Workspace) handleUserEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeConversationUpdated:
		c, err := events.Decode[model.Conversation](ev)
		if err != nil {
			w.logger.Warn("dropping undecodable conversation event", slog.String("error", err.Error()))
			return
		}
		w.Conversations.ApplyUpdate(c)
	case events.TypeNotificationCreated:
		w.Notifications.HandleEvent(ev)
	case events.TypeDocumentRequestUpdated:
		w.DocumentRequests.HandleEvent(ev)
	}
}
