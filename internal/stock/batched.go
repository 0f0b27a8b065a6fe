package stock

import (
	"context"
	"sync"
	"time"

	"stockprobe/internal/logger"
	"stockprobe/pkg/model"
)

// Batched 批处理调度：收集窗口内的任务按 (seller, asin) 去重后一次运行
type Batched struct {
	runner JobRunner
	opts   Options
	log    logger.Logger

	base context.Context
	stop context.CancelFunc

	mu         sync.Mutex
	queue      []*pending
	processing bool
	closed     bool
}

// NewBatched 创建批处理调度器
func NewBatched(r JobRunner, opts Options) *Batched {
	base, stop := context.WithCancel(context.Background())
	return &Batched{runner: r, opts: opts, log: opts.logger().With("scheduler", "batched"), base: base, stop: stop}
}

func (b *Batched) timeout(depth int) time.Duration {
	t := b.opts.Timeouts
	if depth == 0 {
		return t.Idle
	}
	return minDuration(t.BatchBase+t.BatchStep*time.Duration(depth), t.Max)
}

// Submit 提交任务
func (b *Batched) Submit(ctx context.Context, job *model.StockJob) <-chan model.StockResult {
	job.GID = newGID()
	p := newPending(job, b.opts.Metrics)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		p.deliver(closedResult())
		return p.out
	}
	depth := len(b.queue)
	b.mu.Unlock()

	p.arm(b.timeout(depth), func() {
		b.log.Warn("库存查询超时", "gid", job.GID, "asin", job.ASIN)
		p.deliver(timeoutResult())
	})
	b.enqueue(p)
	return p.out
}

// enqueue 入队，空闲时在收集窗口后开始处理
func (b *Batched) enqueue(ps ...*pending) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		for _, p := range ps {
			p.deliver(closedResult())
		}
		return
	}
	b.queue = append(b.queue, ps...)
	start := !b.processing
	b.processing = true
	b.mu.Unlock()

	if start {
		time.AfterFunc(b.opts.Debounce, b.process)
	}
}

// process 循环取出当前队列整体作为一批，直到队列为空
func (b *Batched) process() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 || b.closed {
			b.processing = false
			b.mu.Unlock()
			return
		}
		all := b.queue
		b.queue = nil
		b.mu.Unlock()

		if batch := b.dedup(all); len(batch) > 0 {
			b.run(batch)
		}
	}
}

// dedup 同一 (seller, asin) 只保留第一个，其余返回重复错误
func (b *Batched) dedup(all []*pending) []*pending {
	seen := make(map[string]bool, len(all))
	batch := make([]*pending, 0, len(all))
	for _, p := range all {
		if p.done() {
			continue
		}
		key := p.job.CorrelationKey()
		if seen[key] {
			p.deliver(model.ErrorResult(model.CodeDuplicate, "stock dup"))
			continue
		}
		seen[key] = true
		batch = append(batch, p)
	}
	return batch
}

func (b *Batched) run(batch []*pending) {
	ctx, cancel := runContext(b.base, b.opts.Timeouts.Max)
	defer cancel()

	jobs := make([]*model.StockJob, len(batch))
	for i, p := range batch {
		jobs[i] = p.job
	}
	results, err := b.runner.Run(ctx, jobs)
	if err != nil {
		f := AsFailure(err)
		if f.Retry {
			b.retry(batch)
			return
		}
		for _, p := range batch {
			p.deliver(f.Result())
		}
		return
	}
	for i, p := range batch {
		if i < len(results) {
			p.deliver(results[i])
			continue
		}
		p.deliver(model.ErrorResult(model.CodeUnexpected, "An error occurred during stock retrieval"))
	}
}

// retry 延迟后将整批以重试身份重新排队
func (b *Batched) retry(batch []*pending) {
	b.log.Info("地址页限流，稍后重试", "batch", len(batch))
	time.AfterFunc(b.opts.RetryDelay, func() {
		live := make([]*pending, 0, len(batch))
		for _, p := range batch {
			if p.done() {
				continue
			}
			p.job.IsRetry = true
			p.job.GID = newGID()
			live = append(live, p)
		}
		if len(live) > 0 {
			b.enqueue(live...)
		}
	})
}

// Len 排队中的任务数
func (b *Batched) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close 取消运行中的批次并以错误结果结束排队任务
func (b *Batched) Close() {
	b.mu.Lock()
	b.closed = true
	queue := b.queue
	b.queue = nil
	b.mu.Unlock()

	b.stop()
	for _, p := range queue {
		p.deliver(closedResult())
	}
}
