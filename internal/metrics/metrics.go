// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ミドルウェア、ワークスペース接続、ワーカーから利用する。
type MetricsCollector interface {
	RecordGateDecision(decision string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordWorkspaceOpened()
	RecordWorkspaceClosed()
	RecordWorkspaceCommand(op string, ok bool)
	RecordRemindersSent(count int)
	RecordCleanupDeleted(target string, count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	gateDecisions     *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
	requestLatency    prometheus.Histogram
	workspacesOpen    prometheus.Gauge
	workspaceCommands *prometheus.CounterVec
	remindersSent     prometheus.Counter
	cleanupDeleted    *prometheus.CounterVec
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxportal_gate_decisions_total",
			Help: "リクエストゲートの判定結果別の件数",
		}, []string{"decision"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxportal_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taxportal_request_latency_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		workspacesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taxportal_workspaces_open",
			Help: "接続中のワークスペース数",
		}),
		workspaceCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxportal_workspace_commands_total",
			Help: "ワークスペースで実行された操作の件数",
		}, []string{"op", "result"}),
		remindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taxportal_reminders_sent_total",
			Help: "期限超過の書類依頼について作成したリマインダー通知の合計数",
		}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taxportal_cleanup_deleted_total",
			Help: "クリーンアップジョブで物理削除した行数",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.gateDecisions,
		c.httpStatus,
		c.requestLatency,
		c.workspacesOpen,
		c.workspaceCommands,
		c.remindersSent,
		c.cleanupDeleted,
	)

	return c
}

// RecordGateDecision はゲートの判定結果を記録する。
func (c *Collector) RecordGateDecision(decision string) {
	c.gateDecisions.WithLabelValues(decision).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordWorkspaceOpened はワークスペースの接続開始を記録する。
func (c *Collector) RecordWorkspaceOpened() {
	c.workspacesOpen.Inc()
}

// RecordWorkspaceClosed はワークスペースの切断を記録する。
func (c *Collector) RecordWorkspaceClosed() {
	c.workspacesOpen.Dec()
}

// RecordWorkspaceCommand はワークスペース操作の結果を記録する。
func (c *Collector) RecordWorkspaceCommand(op string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.workspaceCommands.WithLabelValues(op, result).Inc()
}

// RecordRemindersSent は作成したリマインダー通知の件数を記録する。
func (c *Collector) RecordRemindersSent(count int) {
	c.remindersSent.Add(float64(count))
}

// RecordCleanupDeleted はクリーンアップで削除した行数を記録する。
func (c *Collector) RecordCleanupDeleted(target string, count int64) {
	c.cleanupDeleted.WithLabelValues(target).Add(float64(count))
}

// Middleware はレスポンスのステータスコードとレイテンシを記録するミドルウェアを返す。
func Middleware(collector MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			collector.RecordHTTPStatus(rec.statusCode)
			collector.RecordRequestLatency(time.Since(start))
		})
	}
}

// statusRecorder はレスポンスのステータスコードを記録するResponseWriter。
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.statusCode = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Unwrap はhttp.ResponseControllerが元のResponseWriterに到達できるようにする。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Hijack はWebSocketアップグレードのために接続を引き渡す。
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if !sr.wroteHeader {
		sr.statusCode = http.StatusSwitchingProtocols
		sr.wroteHeader = true
	}
	return hj.Hijack()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
