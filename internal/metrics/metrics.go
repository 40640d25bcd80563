// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッションストア、ログインフロー、バックエンドクライアント、ルートガードから利用する。
type MetricsCollector interface {
	RecordLoginOutcome(outcome string)
	RecordBackendRequest(endpoint string, statusCode int, duration time.Duration)
	RecordStaleResult(operation string)
	RecordGuardDecision(decision string)
	SetActiveSessions(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	loginOutcomes   *prometheus.CounterVec
	backendRequests *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	staleResults    *prometheus.CounterVec
	guardDecisions  *prometheus.CounterVec
	activeSessions  prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payportal_login_outcomes_total",
			Help: "ログイン送信の結果別件数",
		}, []string{"outcome"}),
		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payportal_backend_requests_total",
			Help: "バックエンドAPI呼び出しのエンドポイント・ステータス別件数",
		}, []string{"endpoint", "status_code"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payportal_backend_latency_seconds",
			Help:    "バックエンドAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		staleResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payportal_session_stale_results_total",
			Help: "後発の操作に追い越されて破棄されたセッション操作結果の件数",
		}, []string{"operation"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payportal_route_guard_decisions_total",
			Help: "ルートガードの判定別件数",
		}, []string{"decision"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payportal_active_sessions",
			Help: "メモリ上に保持しているセッションストアの数",
		}),
	}

	reg.MustRegister(
		c.loginOutcomes,
		c.backendRequests,
		c.backendLatency,
		c.staleResults,
		c.guardDecisions,
		c.activeSessions,
	)

	return c
}

// RecordLoginOutcome はログイン送信の結果を記録する。
func (c *Collector) RecordLoginOutcome(outcome string) {
	c.loginOutcomes.WithLabelValues(outcome).Inc()
}

// RecordBackendRequest はバックエンドAPI呼び出しのステータスとレイテンシを記録する。
// 通信エラーの場合、statusCodeは0。
func (c *Collector) RecordBackendRequest(endpoint string, statusCode int, duration time.Duration) {
	c.backendRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.backendLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordStaleResult は破棄された操作結果を記録する。
func (c *Collector) RecordStaleResult(operation string) {
	c.staleResults.WithLabelValues(operation).Inc()
}

// RecordGuardDecision はルートガードの判定を記録する。
func (c *Collector) RecordGuardDecision(decision string) {
	c.guardDecisions.WithLabelValues(decision).Inc()
}

// SetActiveSessions はメモリ上のセッション数を設定する。
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLoginOutcome(string)                       {}
func (Nop) RecordBackendRequest(string, int, time.Duration) {}
func (Nop) RecordStaleResult(string)                        {}
func (Nop) RecordGuardDecision(string)                      {}
func (Nop) SetActiveSessions(int)                           {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
