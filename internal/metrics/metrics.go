// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/authgate/internal/model"
)

// OutcomeSuccess は成功時のoutcomeラベル値。
const OutcomeSuccess = "success"

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordAuthRequest(action, outcome string)
	RecordSessionIssued()
	RecordSessionVerification(outcome string)
	RecordProviderLinkOp(op, outcome string)
	RecordHTTPStatus(statusCode int)
	RecordRequestDuration(duration time.Duration)
	RecordSessionsPurged(count int64)
}

// Outcome はエラーをoutcomeラベル値に変換する。nilはsuccess、それ以外はエラー分類名。
func Outcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	return string(model.KindOf(err))
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authRequests    *prometheus.CounterVec
	sessionsIssued  prometheus.Counter
	verifications   *prometheus.CounterVec
	providerLinkOps *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	requestDuration prometheus.Histogram
	sessionsPurged  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_auth_requests_total",
			Help: "認証アクション別・結果別のリクエスト数",
		}, []string{"action", "outcome"}),
		sessionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_sessions_issued_total",
			Help: "発行したセッションの合計数",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_session_verifications_total",
			Help: "結果別のセッション検証数",
		}, []string{"outcome"}),
		providerLinkOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_provider_link_ops_total",
			Help: "操作別・結果別のプロバイダ連携操作数",
		}, []string{"op", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authgate_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_sessions_purged_total",
			Help: "クリーンアップで削除したセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.authRequests,
		c.sessionsIssued,
		c.verifications,
		c.providerLinkOps,
		c.httpStatus,
		c.requestDuration,
		c.sessionsPurged,
	)

	return c
}

// RecordAuthRequest は認証アクションの結果を記録する。
func (c *Collector) RecordAuthRequest(action, outcome string) {
	c.authRequests.WithLabelValues(action, outcome).Inc()
}

// RecordSessionIssued はセッション発行を記録する。
func (c *Collector) RecordSessionIssued() {
	c.sessionsIssued.Inc()
}

// RecordSessionVerification はセッション検証の結果を記録する。
func (c *Collector) RecordSessionVerification(outcome string) {
	c.verifications.WithLabelValues(outcome).Inc()
}

// RecordProviderLinkOp はプロバイダ連携操作（list/link/unlink）の結果を記録する。
func (c *Collector) RecordProviderLinkOp(op, outcome string) {
	c.providerLinkOps.WithLabelValues(op, outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestDuration はリクエスト処理時間を記録する。
func (c *Collector) RecordRequestDuration(duration time.Duration) {
	c.requestDuration.Observe(duration.Seconds())
}

// RecordSessionsPurged はクリーンアップで削除したセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordAuthRequest(string, string) {}
func (Nop) RecordSessionIssued() {}
func (Nop) RecordSessionVerification(string) {}
func (Nop) RecordProviderLinkOp(string, string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordRequestDuration(time.Duration) {}
func (Nop) RecordSessionsPurged(int64) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
