package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	PerMinute       int           // 1分あたりの補充トークン数
	Burst           int           // バケット容量
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔（メモリ実装のみ）
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 認証系エンドポイント 30 req/min/IP、バースト10。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		PerMinute:       30,
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
	}
}

// refillInterval は1トークンが補充されるまでの間隔を返す。
func (c RateLimiterConfig) refillInterval() time.Duration {
	if c.PerMinute <= 0 {
		return time.Minute
	}
	return time.Minute / time.Duration(c.PerMinute)
}

// Limiter はキーごとのレート制限判定を行う。
// 拒否した場合は再試行までの推定待ち時間を返す。
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// keyLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MemoryLimiter はプロセス内でキーごとのトークンバケットを管理する。
// 単一インスタンス構成で使用する。
type MemoryLimiter struct {
	config RateLimiterConfig

	mu       sync.Mutex
	limiters map[string]*keyLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryLimiter は新しいMemoryLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewMemoryLimiter(config RateLimiterConfig) *MemoryLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultRateLimiterConfig().CleanupInterval
	}
	l := &MemoryLimiter{
		config:   config,
		limiters: make(map[string]*keyLimiter),
		stopCh:   make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Allow はkeyのバケットからトークンを1つ消費できるかを判定する。
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	limiter := l.getOrCreate(key)

	now := time.Now()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, l.config.refillInterval(), nil
	}

	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0, nil
	}

	// 待たせずに拒否するため予約は取り消す
	reservation.CancelAt(now)
	return false, delay, nil
}

// Count は現在管理されているキーの数を返す。
// テストおよびメトリクス用。
func (l *MemoryLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// getOrCreate はkeyのリミッターを取得または作成する。
func (l *MemoryLimiter) getOrCreate(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if kl, exists := l.limiters[key]; exists {
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	limiter := rate.NewLimiter(rate.Every(l.config.refillInterval()), l.config.Burst)
	l.limiters[key] = &keyLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (l *MemoryLimiter) cleanup(now time.Time) {
	ttl := l.config.CleanupInterval * 2

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, kl := range l.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(l.limiters, key)
		}
	}
}

// tokenBucketScript はRedis上でトークンバケットを原子的に更新する。
// 戻り値は { allowed(0/1), 残りトークン数, 再試行までのミリ秒 }。
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_tokens = tonumber(ARGV[3])
local interval_ms = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if tokens == nil or last_refill == nil then
  tokens = capacity
  last_refill = now_ms
end

if interval_ms > 0 and refill_tokens > 0 then
  local elapsed = math.max(0, now_ms - last_refill)
  local intervals = math.floor(elapsed / interval_ms)
  if intervals > 0 then
    tokens = math.min(capacity, tokens + (intervals * refill_tokens))
    last_refill = last_refill + (intervals * interval_ms)
  end
end

local allowed = 0
local retry_after_ms = 0
if tokens > 0 then
  allowed = 1
  tokens = tokens - 1
else
  retry_after_ms = math.max(0, interval_ms - (now_ms - last_refill))
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
redis.call('EXPIRE', key, ttl_seconds)

return { allowed, tokens, retry_after_ms }
`)

// RedisLimiter は複数インスタンスで共有するトークンバケットをRedisで管理する。
type RedisLimiter struct {
	client redis.Scripter
	config RateLimiterConfig
	prefix string
	now    func() time.Time
}

// NewRedisLimiter は新しいRedisLimiterを生成する。
func NewRedisLimiter(client redis.Scripter, config RateLimiterConfig) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		config: config,
		prefix: "authgate:ratelimit:",
		now:    time.Now,
	}
}

// Allow はRedis上のkeyのバケットからトークンを1つ消費できるかを判定する。
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	interval := l.config.refillInterval()
	// バケットが満杯に戻るまで保持すれば十分
	ttl := int64(math.Ceil((interval * time.Duration(l.config.Burst+1)).Seconds()))

	vals, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key},
		l.now().UnixMilli(),
		l.config.Burst,
		1,
		interval.Milliseconds(),
		ttl,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to run rate limit script: %w", err)
	}

	return parseTokenBucketResult(vals)
}

// parseTokenBucketResult はスクリプトの戻り値を解釈する。
func parseTokenBucketResult(vals any) (bool, time.Duration, error) {
	arr, ok := vals.([]any)
	if !ok || len(arr) != 3 {
		return false, 0, fmt.Errorf("unexpected rate limit script result: %#v", vals)
	}
	allowed := asInt64(arr[0]) == 1
	retryAfter := time.Duration(asInt64(arr[2])) * time.Millisecond
	return allowed, retryAfter, nil
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// ClientIPKey はクライアントIPをレート制限のキーとして返す。
// chiのRealIPミドルウェアの後に配置されることを前提とする。
func ClientIPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// NewRateLimitMiddleware はkeyFuncで求めたキーごとにレート制限を行うミドルウェアを返す。
// リミッターがエラーを返した場合は制限せずに通す。
func NewRateLimitMiddleware(limiter Limiter, keyFunc func(r *http.Request) string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)

			allowed, retryAfter, err := limiter.Allow(r.Context(), key)
			if err != nil {
				slog.Warn("rate limiter unavailable",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				slog.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("path", r.URL.Path),
				)
				writeRateLimitResponse(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの秒数（最低1秒）を設定する。
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	retryAfterSec := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, "too many requests")
}

var (
	_ Limiter = (*MemoryLimiter)(nil)
	_ Limiter = (*RedisLimiter)(nil)
)
