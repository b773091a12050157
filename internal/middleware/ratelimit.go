package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/taxportal/internal/model"
	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	SendRate        rate.Limit    // メッセージ送信・書類依頼作成のレート（req/sec）。30/60
	SendBurst       int           // 送信系のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、送信系 30 req/min/user。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		SendRate:        rate.Limit(30.0 / 60.0),
		SendBurst:       10,
		CleanupInterval: 5 * time.Minute,
	}
}

// userLimiter はユーザーごとのレートリミッターとアクセス時刻を保持する。
type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterPool はユーザーIDごとのリミッターを遅延生成して保持する。
type limiterPool struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*userLimiter
}

func newLimiterPool(name string, limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		name:     name,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*userLimiter),
	}
}

// get はユーザーのリミッターを取得または作成し、最終アクセス時刻を更新する。
func (p *limiterPool) get(userID string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	ul, ok := p.limiters[userID]
	if !ok {
		ul = &userLimiter{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.limiters[userID] = ul
	}
	ul.lastAccess = now
	return ul.limiter
}

// evict は最終アクセスからttlを超えたエントリを削除する。
func (p *limiterPool) evict(now time.Time, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, ul := range p.limiters {
		if now.Sub(ul.lastAccess) > ttl {
			delete(p.limiters, userID)
		}
	}
}

func (p *limiterPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}

// middleware はプールのリミッターでリクエストを制限するミドルウェアを返す。
// ゲートミドルウェアの後に配置し、コンテキストのユーザーIDで識別する。
func (p *limiterPool) middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteAPIError(w, model.NewUnauthorizedError())
				return
			}

			if !p.get(userID, time.Now()).Allow() {
				writeRateLimitResponse(w, p.limit)
				slog.Warn("rate limit exceeded",
					slog.String("user_id", userID),
					slog.String("limit_type", p.name),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter はユーザーごとのレート制限を管理する。
// API全般と送信系の2種類を独立に提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterPool
	send    *limiterPool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newLimiterPool("general", config.GeneralRate, config.GeneralBurst),
		send:    newLimiterPool("send", config.SendRate, config.SendBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware()
}

// SendMiddleware はメッセージ送信・書類依頼作成のレート制限ミドルウェアを返す。
func (rl *RateLimiter) SendMiddleware() func(next http.Handler) http.Handler {
	return rl.send.middleware()
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// SendLimiterCount は現在管理されている送信系リミッターのエントリ数を返す。
func (rl *RateLimiter) SendLimiterCount() int {
	return rl.send.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.general.evict(now, ttl)
	rl.send.evict(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteAPIError(w, model.NewRateLimitedError())
}
