// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証試行の結果ラベル。
const (
	ResultSuccess = "success"
	ResultPending = "pending_approval"
	ResultFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、ワーカー、サービス層から利用する。
type MetricsCollector interface {
	RecordAuthAttempt(method, result string)
	RecordWaitlistSubmission()
	RecordWaitlistDecision(decision string)
	RecordRatingSubmitted()
	RecordSessionsCleaned(count int)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts      *prometheus.CounterVec
	waitlistSubmitted prometheus.Counter
	waitlistDecided   *prometheus.CounterVec
	ratingsSubmitted  prometheus.Counter
	sessionsCleaned   prometheus.Counter
	httpStatus        *prometheus.CounterVec
	requestLatency    prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchrate_auth_attempts_total",
			Help: "サインイン・登録の試行数（方式・結果別）",
		}, []string{"method", "result"}),
		waitlistSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchrate_waitlist_submissions_total",
			Help: "ウェイトリスト申請の合計数",
		}),
		waitlistDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchrate_waitlist_decisions_total",
			Help: "ウェイトリスト審査の合計数（承認・却下別）",
		}, []string{"decision"}),
		ratingsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchrate_ratings_submitted_total",
			Help: "投稿された選手評価の合計数",
		}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchrate_sessions_cleaned_total",
			Help: "削除された期限切れセッションの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchrate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "matchrate_request_latency_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.waitlistSubmitted,
		c.waitlistDecided,
		c.ratingsSubmitted,
		c.sessionsCleaned,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordAuthAttempt は認証試行を記録する。methodは"password"、"google"、"register"のいずれか。
func (c *Collector) RecordAuthAttempt(method, result string) {
	c.authAttempts.WithLabelValues(method, result).Inc()
}

// RecordWaitlistSubmission はウェイトリスト申請を記録する。
func (c *Collector) RecordWaitlistSubmission() {
	c.waitlistSubmitted.Inc()
}

// RecordWaitlistDecision は審査結果を記録する。
func (c *Collector) RecordWaitlistDecision(decision string) {
	c.waitlistDecided.WithLabelValues(decision).Inc()
}

// RecordRatingSubmitted は評価の投稿を記録する。
func (c *Collector) RecordRatingSubmitted() {
	c.ratingsSubmitted.Inc()
}

// RecordSessionsCleaned は削除した期限切れセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int) {
	c.sessionsCleaned.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RegisterActiveManagers はメモリ上のライフサイクルマネージャー数をゲージとして登録する。
// countはスクレイプのたびに呼ばれる。
func RegisterActiveManagers(reg prometheus.Registerer, count func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "matchrate_active_managers",
		Help: "メモリ上に保持しているライフサイクルマネージャー数",
	}, func() float64 { return float64(count()) }))
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordAuthAttempt(string, string)   {}
func (Nop) RecordWaitlistSubmission()          {}
func (Nop) RecordWaitlistDecision(string)      {}
func (Nop) RecordRatingSubmitted()             {}
func (Nop) RecordSessionsCleaned(int)          {}
func (Nop) RecordHTTPStatus(int)               {}
func (Nop) RecordRequestLatency(time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 一部のコレクターが失敗しても残りのメトリクスは返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
