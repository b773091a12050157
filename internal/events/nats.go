package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig はNATS接続の設定。
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string // 既定は "taxportal"
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSBus はNATS Coreのsubjectでイベントを配送するBus。
// 永続化はしない。ワークスペースは再接続時に一覧を再取得する。
type NATSBus struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSBus はNATSに接続してNATSBusを生成する。
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "taxportal"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSBus{nc: nc, prefix: cfg.SubjectPrefix}, nil
}

func (b *NATSBus) subject(topic string) string {
	return b.prefix + "." + topic
}

// Publish はイベントをJSONでsubjectに発行する。
func (b *NATSBus) Publish(_ context.Context, topic string, ev Event) error {
	if b.nc.IsClosed() {
		return ErrBusClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.nc.Publish(b.subject(topic), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe はsubjectを購読する。デコードできないメッセージはログに記録して捨てる。
func (b *NATSBus) Subscribe(topic string, h Handler) (func(), error) {
	if b.nc.IsClosed() {
		return nil, ErrBusClosed
	}
	sub, err := b.nc.Subscribe(b.subject(topic), func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			slog.Warn("dropping malformed event",
				slog.String("subject", m.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		h(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s: %w", topic, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			slog.Warn("failed to unsubscribe", slog.String("topic", topic), slog.String("error", err.Error()))
		}
	}, nil
}

// Close は未送信のメッセージを送り切ってから接続を閉じる。
func (b *NATSBus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}

// compile-time interface check
var _ Bus = (*NATSBus)(nil)
