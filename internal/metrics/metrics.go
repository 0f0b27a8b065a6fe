// Package metrics 进程内 Prometheus 指标
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 所有指标；nil 接收者上的方法为空操作
type Metrics struct {
	registry *prometheus.Registry

	// 执行器
	QueueDepth prometheus.Gauge
	Jobs       *prometheus.CounterVec

	// 库存查询
	StockResults  *prometheus.CounterVec
	StockDuration prometheus.Histogram

	// 会话
	SessionPurges *prometheus.CounterVec
}

// New 创建独立注册表上的指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "stockprobe_executor_queue_depth",
			Help: "Number of request jobs waiting in the executor queue",
		}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stockprobe_executor_jobs_total",
			Help: "Request jobs executed, by outcome",
		}, []string{"outcome"}),
		StockResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stockprobe_stock_results_total",
			Help: "Stock query results, by error code (0 for success)",
		}, []string{"code"}),
		StockDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stockprobe_stock_duration_seconds",
			Help:    "Stock query latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40, 60},
		}),
		SessionPurges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stockprobe_session_purges_total",
			Help: "Guest sessions discarded, by domain",
		}, []string{"domain"}),
	}
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 注册表
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetQueueDepth 更新队列深度
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// JobDone 记录一次执行结果：ok / error / panic / canceled
func (m *Metrics) JobDone(outcome string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(outcome).Inc()
}

// StockDone 记录库存查询结果与耗时
func (m *Metrics) StockDone(code int, d time.Duration) {
	if m == nil {
		return
	}
	m.StockResults.WithLabelValues(strconv.Itoa(code)).Inc()
	m.StockDuration.Observe(d.Seconds())
}

// SessionPurged 记录会话被丢弃
func (m *Metrics) SessionPurged(domain string) {
	if m == nil {
		return
	}
	m.SessionPurges.WithLabelValues(domain).Inc()
}
