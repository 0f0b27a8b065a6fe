package stock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"stockprobe/internal/config"
	"stockprobe/internal/logger"
	"stockprobe/internal/metrics"
	"stockprobe/pkg/model"
)

// Scheduler 库存任务调度器，每次提交都会在有限时间内得到一个结果
type Scheduler interface {
	Submit(ctx context.Context, job *model.StockJob) <-chan model.StockResult
	Close()
}

// JobRunner 执行一批任务
type JobRunner interface {
	Run(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error)
	DropCSRF(ctx context.Context, d model.Domain)
}

// Options 调度参数
type Options struct {
	Timeouts config.Timeouts
	// RetryDelay 限流后重试前的等待
	RetryDelay time.Duration
	// JobDelay 顺序调度时相邻任务的最小间隔
	JobDelay time.Duration
	// Debounce 批处理收集窗口
	Debounce time.Duration
	Metrics  *metrics.Metrics
	Logger   logger.Logger
}

func (o Options) logger() logger.Logger {
	if o.Logger == nil {
		return logger.NewNop()
	}
	return o.Logger
}

func timeoutResult() model.StockResult {
	return model.ErrorResult(model.CodeTimeout, "stock retrieval timeout")
}

func closedResult() model.StockResult {
	return model.ErrorResult(model.CodeRequestFailed, "stock scheduler closed")
}

func newGID() string { return uuid.NewString()[:8] }

// pending 一个等待结果的提交，结果只投递一次
type pending struct {
	job     *model.StockJob
	out     chan model.StockResult
	start   time.Time
	metrics *metrics.Metrics

	mu        sync.Mutex
	delivered bool
	timer     *time.Timer
}

func newPending(job *model.StockJob, m *metrics.Metrics) *pending {
	return &pending{job: job, out: make(chan model.StockResult, 1), start: time.Now(), metrics: m}
}

// arm 启动超时计时
func (p *pending) arm(d time.Duration, onTimeout func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.delivered {
		return
	}
	p.timer = time.AfterFunc(d, onTimeout)
}

func (p *pending) done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delivered
}

// deliver 投递结果，重复投递返回 false。
// 超时投递后仍在运行的任务不会被取消，其结果被丢弃
func (p *pending) deliver(res model.StockResult) bool {
	p.mu.Lock()
	if p.delivered {
		p.mu.Unlock()
		return false
	}
	p.delivered = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	p.out <- res
	close(p.out)
	p.metrics.StockDone(res.ErrorCode, time.Since(p.start))
	return true
}

// runContext 任务运行上下文，只受 max 与调度器关闭约束
func runContext(base context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if max <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, max)
}

func minDuration(a, b time.Duration) time.Duration {
	if b > 0 && b < a {
		return b
	}
	return a
}
