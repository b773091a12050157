package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisConfig はRedis Pub/Subの設定。
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string // 既定は "taxportal"
}

// RedisBus はRedis Pub/Subでイベントを配送するBus。
type RedisBus struct {
	rdb    *redis.Client
	prefix string

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// NewRedisBus はRedisに接続してRedisBusを生成する。接続確認にPINGを送る。
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "taxportal"
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBus{rdb: rdb, prefix: cfg.ChannelPrefix, subs: make(map[*redis.PubSub]struct{})}, nil
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + ":" + topic
}

// Publish はイベントをJSONでチャンネルに発行する。
func (b *RedisBus) Publish(ctx context.Context, topic string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe はチャンネルを購読する。購読の確立を待ってから返す。
// 解除関数はメッセージ受信goroutineの終了を待つ。
func (b *RedisBus) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", topic, err)
	}

	// 購読の確立を待つ間にCloseされた場合は登録せずに閉じる
	if !b.register(ps) {
		ps.Close()
		return nil, ErrBusClosed
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("dropping malformed event",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			h(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ps)
			b.mu.Unlock()
			if err := ps.Close(); err != nil {
				slog.Warn("failed to close redis subscription", slog.String("topic", topic), slog.String("error", err.Error()))
			}
			<-done
		})
	}, nil
}

// register は購読を登録する。Bus が既に閉じられている場合はfalseを返す。
func (b *RedisBus) register(ps *redis.PubSub) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.subs[ps] = struct{}{}
	return true
}

// Close はすべての購読と接続を閉じる。
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for ps := range subs {
		ps.Close()
	}
	return b.rdb.Close()
}

// compile-time interface check
var _ Bus = (*RedisBus)(nil)
