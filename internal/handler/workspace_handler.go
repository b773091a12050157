package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/taxportal/internal/events"
	"github.com/hitoshi/taxportal/internal/workspace"
)

const (
	// wsWriteWait はフレーム1件の書き込み期限。
	wsWriteWait = 10 * time.Second
	// wsPongWait はpongを待つ期限。これを過ぎると接続を切る。
	wsPongWait = 60 * time.Second
	// wsPingPeriod はpingの送信間隔。wsPongWaitより短くする。
	wsPingPeriod = (wsPongWait * 9) / 10
	// wsMaxMessageSize はブラウザから受け取るコマンドの上限。
	wsMaxMessageSize = 64 << 10
	// wsCommandQueueSize は実行待ちのコマンド数の上限。超えると読み込みを待たせる。
	wsCommandQueueSize = 32
)

// WorkspaceRecorder はワークスペース接続のメトリクスを記録する。
type WorkspaceRecorder interface {
	RecordWorkspaceOpened()
	RecordWorkspaceClosed()
	RecordWorkspaceCommand(op string, ok bool)
}

// WorkspaceHandlerConfig はワークスペースハンドラーの設定。
type WorkspaceHandlerConfig struct {
	Services       workspace.Services
	Bus            events.Bus
	Location       *time.Location
	AllowedOrigins []string // 空の場合は同一オリジンのみ許可
	Recorder       WorkspaceRecorder
}

// WorkspaceHandler はWebSocketでワークスペースを提供するハンドラー。
// 1接続につき1つのワークスペースを生成し、切断時に購読をすべて解除する。
type WorkspaceHandler struct {
	config   WorkspaceHandlerConfig
	upgrader websocket.Upgrader
}

// NewWorkspaceHandler はWorkspaceHandlerを生成する。
func NewWorkspaceHandler(config WorkspaceHandlerConfig) *WorkspaceHandler {
	h := &WorkspaceHandler{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if len(config.AllowedOrigins) > 0 {
		h.upgrader.CheckOrigin = h.checkOrigin
	}
	return h
}

// checkOrigin はOriginヘッダーが許可リストに含まれるかを判定する。
func (h *WorkspaceHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.config.AllowedOrigins, origin)
}

// ServeHTTP はWebSocket接続を確立し、切断までワークスペースを動かす。
// GET /ws
func (h *WorkspaceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	ws, err := workspace.New(workspace.Config{
		Identity: identity,
		Services: h.config.Services,
		Bus:      h.config.Bus,
		Location: h.config.Location,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeが失敗した場合はエラーレスポンスが書き込み済み
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		ws.Close()
		return
	}
	defer conn.Close()

	h.recordOpened()
	defer h.recordClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := slog.With(slog.String("user_id", identity.SubjectID))
	logger.Info("workspace connected")

	// 1. 初回読み込みと購読
	if err := ws.Start(ctx); err != nil {
		logger.Warn("workspace subscription failed", slog.String("error", err.Error()))
	}

	// 2. 書き込みgoroutine（フレーム送信とping）
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, ws, logger)
		// 書き込みに失敗した場合は読み込みループも止める
		cancel()
		_ = conn.SetReadDeadline(time.Now())
	}()

	// 3. コマンド実行goroutine（受信順に1件ずつ実行）
	commands := make(chan workspace.Command, wsCommandQueueSize)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		h.dispatchLoop(ctx, ws, commands)
	}()

	// 4. 読み込みループ（コマンドの受信）
	h.readLoop(ctx, conn, commands, logger)
	close(commands)

	// 5. 後始末
	cancel()
	ws.Close()
	<-dispatcherDone
	<-writerDone
	logger.Info("workspace disconnected")
}

// writeLoop はワークスペースのフレームを送信し、定期的にpingを送る。
func (h *WorkspaceHandler) writeLoop(ctx context.Context, conn *websocket.Conn, ws *workspace.Workspace, logger *slog.Logger) {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					logger.Debug("websocket ping failed", slog.String("error", err.Error()))
					return
				}
			}
		}
	}()

	err := ws.Run(ctx, func(f workspace.Frame) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(f)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Info("workspace write stopped", slog.String("error", err.Error()))
		return
	}

	// 正常終了時はクローズフレームを送る
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}

// readLoop はコマンドを読み込み、受信順にcommandsへ渡す。
// 解析できないメッセージはログに記録して読み飛ばす。
func (h *WorkspaceHandler) readLoop(ctx context.Context, conn *websocket.Conn, commands chan<- workspace.Command, logger *slog.Logger) {
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.Debug("websocket closed by peer")
			case errors.As(err, &ne) && ne.Timeout():
				logger.Debug("websocket read timeout")
			default:
				logger.Debug("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var cmd workspace.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Warn("invalid workspace command", slog.String("error", err.Error()), slog.String("sample", string(sample)))
			continue
		}

		select {
		case commands <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// dispatchLoop はcommandsを1件ずつ実行する。
// 会話を開いた直後の送信が前の会話に届かないよう、同じ接続のコマンドは並行させない。
func (h *WorkspaceHandler) dispatchLoop(ctx context.Context, ws *workspace.Workspace, commands <-chan workspace.Command) {
	for cmd := range commands {
		if ctx.Err() != nil {
			continue
		}
		_, err := ws.Dispatch(ctx, cmd)
		h.recordCommand(cmd.Op, err == nil)
	}
}


func (h *WorkspaceHandler) recordOpened() {
	if h.config.Recorder != nil {
		h.config.Recorder.RecordWorkspaceOpened()
	}
}

func (h *WorkspaceHandler) recordClosed() {
	if h.config.Recorder != nil {
		h.config.Recorder.RecordWorkspaceClosed()
	}
}

func (h *WorkspaceHandler) recordCommand(op string, ok bool) {
	if h.config.Recorder != nil {
		h.config.Recorder.RecordWorkspaceCommand(op, ok)
	}
}
