// Package notification は通知と会話の未読から統合された通知ビューを組み立てる。
//
// Aggregate・Filter・GroupByDate・UnreadTotalは入力を変更しない純粋関数で、
// ワークスペースは元になる一覧が変わるたびに呼び直す。
package notification

import (
	"cmp"
	"slices"
	"time"

	"github.com/hitoshi/taxportal/internal/model"
)

// Kind は統合ビューの項目の由来。
type Kind string

const (
	// KindNotification はサーバーが作成した通知。
	KindNotification Kind = "notification"
	// KindNewMessage は未読のある会話から導出した「新着メッセージ」。
	KindNewMessage Kind = "new_message"
)

// Tier は並び順の優先度。値が大きいほど先に並ぶ。
type Tier int

const (
	TierNormal Tier = iota
	TierPendingResponse
	TierStarred
	TierUrgent
)

// String はTierの文字列表現を返す。
func (t Tier) String() string {
	switch t {
	case TierUrgent:
		return "urgent"
	case TierStarred:
		return "starred"
	case TierPendingResponse:
		return "pending_response"
	default:
		return "normal"
	}
}

// Item は統合ビューの1項目。
type Item struct {
	Key            string                 `json:"key"`
	Kind           Kind                   `json:"kind"`
	NotificationID string                 `json:"notification_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	FromUserID     string                 `json:"from_user_id,omitempty"`
	Type           model.NotificationType `json:"type"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Unread         bool                   `json:"unread"`
	Starred        bool                   `json:"starred"`
	Priority       model.Priority         `json:"priority"`
	Tier           Tier                   `json:"tier"`
	UnreadCount    int                    `json:"unread_count,omitempty"`
	RelatedPath    string                 `json:"related_path,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

func notificationKey(id string) string { return "notification:" + id }
func conversationKey(id string) string { return "conversation:" + id }

// Aggregate は通知と未読のある会話を1つのビューにまとめる。
// 同じ会話の新着メッセージ通知は会話から導出した項目に統合し、スター状態と優先度を引き継ぐ。
// 並び順は優先度（urgent > starred > 返信待ち > normal）の降順、同順位は日時の降順で、
// それでも同じ場合は入力順を保つ。
func Aggregate(conversations []model.Conversation, notifications []model.Notification, selfID string) []Item {
	items := make([]Item, 0, len(conversations)+len(notifications))
	index := make(map[string]int, cap(items))

	for _, c := range conversations {
		if c.UnreadCount <= 0 || (selfID != "" && !c.HasParticipant(selfID)) {
			continue
		}
		key := conversationKey(c.ID)
		if _, ok := index[key]; ok {
			continue
		}
		index[key] = len(items)
		items = append(items, fromConversation(c, selfID))
	}

	for _, n := range notifications {
		item := fromNotification(n)
		i, ok := index[item.Key]
		if !ok {
			index[item.Key] = len(items)
			items = append(items, item)
			continue
		}
		if items[i].Kind == KindNewMessage {
			items[i] = mergeInto(items[i], item)
		}
	}

	slices.SortStableFunc(items, func(a, b Item) int {
		if c := cmp.Compare(b.Tier, a.Tier); c != 0 {
			return c
		}
		return b.Timestamp.Compare(a.Timestamp)
	})
	return items
}

func fromConversation(c model.Conversation, selfID string) Item {
	return Item{
		Key:            conversationKey(c.ID),
		Kind:           KindNewMessage,
		ConversationID: c.ID,
		FromUserID:     c.OtherParticipant(selfID),
		Type:           model.NotificationTypeNewMessage,
		Title:          "新着メッセージ",
		Description:    c.LastMessage,
		Unread:         true,
		Priority:       model.PriorityNormal,
		Tier:           TierPendingResponse,
		UnreadCount:    c.UnreadCount,
		Timestamp:      c.LastMessageAt,
	}
}

func fromNotification(n model.Notification) Item {
	item := Item{
		Key:            notificationKey(n.ID),
		Kind:           KindNotification,
		NotificationID: n.ID,
		ConversationID: n.RelatedConversationID,
		Type:           n.Type,
		Title:          n.Title,
		Description:    n.Description,
		Unread:         n.Unseen(),
		Starred:        n.IsStarred,
		Priority:       n.Priority,
		RelatedPath:    n.RelatedPath,
		Timestamp:      n.CreatedAt,
	}
	// 会話に紐づく新着メッセージ通知は会話単位で1件にまとめる
	if n.Type == model.NotificationTypeNewMessage && n.RelatedConversationID != "" {
		item.Key = conversationKey(n.RelatedConversationID)
	}
	item.Tier = tierOf(item)
	return item
}

func tierOf(item Item) Tier {
	switch {
	case item.Priority == model.PriorityUrgent:
		return TierUrgent
	case item.Starred:
		return TierStarred
	case item.Unread && (item.Type == model.NotificationTypeNewMessage || item.Type == model.NotificationTypeDocumentRequested):
		return TierPendingResponse
	default:
		return TierNormal
	}
}

// mergeInto は会話から導出した項目に、同じ会話の通知のスター状態と優先度を反映する。
func mergeInto(derived, n Item) Item {
	if derived.NotificationID == "" {
		derived.NotificationID = n.NotificationID
	}
	derived.Starred = derived.Starred || n.Starred
	if n.Priority == model.PriorityUrgent {
		derived.Priority = model.PriorityUrgent
	}
	derived.Tier = max(derived.Tier, tierOf(derived))
	return derived
}

// フィルタ
const (
	FilterAll     = "all"
	FilterUnread  = "unread"
	FilterStarred = "starred"
	FilterUrgent  = "urgent"
)

// Filter はフィルタ条件に一致する項目を新しいスライスで返す。空文字列はallとして扱う。
// 未知のフィルタは INVALID_FILTER のAPIErrorを返す。
func Filter(items []Item, filter string) ([]Item, error) {
	var keep func(Item) bool
	switch filter {
	case "", FilterAll:
		keep = func(Item) bool { return true }
	case FilterUnread:
		keep = func(it Item) bool { return it.Unread }
	case FilterStarred:
		keep = func(it Item) bool { return it.Starred }
	case FilterUrgent:
		keep = func(it Item) bool { return it.Priority == model.PriorityUrgent }
	default:
		return nil, model.NewInvalidFilterError(filter)
	}

	out := make([]Item, 0, len(items))
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out, nil
}

// Bucket は日付グループの区分。
type Bucket string

const (
	BucketToday     Bucket = "today"
	BucketYesterday Bucket = "yesterday"
	BucketThisWeek  Bucket = "thisWeek"
	BucketOlder     Bucket = "older"
)

var bucketOrder = []Bucket{BucketToday, BucketYesterday, BucketThisWeek, BucketOlder}

// Group は同じ日付区分の項目。
type Group struct {
	Bucket Bucket `json:"bucket"`
	Items  []Item `json:"items"`
}

// GroupByDate はnowを基準に暦日の境界で項目を区分する（24時間の幅ではない）。
// 2〜6日前はthisWeek、それより前はolder、未来の日時はtodayに含める。
// 空の区分は返さない。locがnilの場合はtime.Localを使う。
func GroupByDate(items []Item, now time.Time, loc *time.Location) []Group {
	if loc == nil {
		loc = time.Local
	}
	buckets := make(map[Bucket][]Item, len(bucketOrder))
	for _, it := range items {
		b := bucketFor(daysBetween(it.Timestamp, now, loc))
		buckets[b] = append(buckets[b], it)
	}

	groups := make([]Group, 0, len(buckets))
	for _, b := range bucketOrder {
		if len(buckets[b]) > 0 {
			groups = append(groups, Group{Bucket: b, Items: buckets[b]})
		}
	}
	return groups
}

// daysBetween はlocでの暦日の差（now - t）を返す。
func daysBetween(t, now time.Time, loc *time.Location) int {
	ty, tm, td := t.In(loc).Date()
	ny, nm, nd := now.In(loc).Date()
	// 夏時間の影響を受けないようUTCの日付同士で比較する
	from := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	to := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}

func bucketFor(days int) Bucket {
	switch {
	case days <= 0:
		return BucketToday
	case days == 1:
		return BucketYesterday
	case days <= 6:
		return BucketThisWeek
	default:
		return BucketOlder
	}
}

// UnreadTotal は会話ごとの未読数の合計に、会話に紐づかない未読通知の件数を加えた値を返す。
func UnreadTotal(conversations []model.Conversation, notifications []model.Notification) int {
	total := 0
	for _, c := range conversations {
		total += max(c.UnreadCount, 0)
	}
	for _, n := range notifications {
		if n.Unseen() && n.RelatedConversationID == "" {
			total++
		}
	}
	return total
}

// View はワークスペースがブラウザへ送る通知ビュー。
type View struct {
	Filter      string  `json:"filter"`
	Items       []Item  `json:"items"`
	Groups      []Group `json:"groups"`
	UnreadTotal int     `json:"unread_total"`
}

// BuildView は集約・フィルタ・日付グループ・未読合計をまとめて計算する。
func BuildView(conversations []model.Conversation, notifications []model.Notification, selfID, filter string, now time.Time, loc *time.Location) (View, error) {
	items, err := Filter(Aggregate(conversations, notifications, selfID), filter)
	if err != nil {
		return View{}, err
	}
	if filter == "" {
		filter = FilterAll
	}
	return View{
		Filter:      filter,
		Items:       items,
		Groups:      GroupByDate(items, now, loc),
		UnreadTotal: UnreadTotal(conversations, notifications),
	}, nil
}
