package stock

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stockprobe/internal/logger"
	"stockprobe/pkg/model"
)

// Sequential 顺序调度：同一时刻只运行队首任务，结束（或超时）后启动下一个
type Sequential struct {
	runner  JobRunner
	opts    Options
	limiter *rate.Limiter
	log     logger.Logger

	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	queue  []*pending
	closed bool
}

// NewSequential 创建顺序调度器
func NewSequential(r JobRunner, opts Options) *Sequential {
	base, stop := context.WithCancel(context.Background())
	s := &Sequential{runner: r, opts: opts, log: opts.logger().With("scheduler", "sequential"), base: base, stop: stop}
	if opts.JobDelay > 0 {
		s.limiter = rate.NewLimiter(rate.Every(opts.JobDelay), 1)
	}
	return s
}

// timeout 空队列时为 Idle，否则随排队数增长，封顶 Max
func (s *Sequential) timeout(depth int) time.Duration {
	t := s.opts.Timeouts
	if depth == 0 {
		return t.Idle
	}
	return minDuration(t.Idle+t.SequentialStep*time.Duration(depth), t.Max)
}

// Submit 提交任务
func (s *Sequential) Submit(ctx context.Context, job *model.StockJob) <-chan model.StockResult {
	job.GID = newGID()
	p := newPending(job, s.opts.Metrics)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.deliver(closedResult())
		return p.out
	}
	depth := len(s.queue)
	s.queue = append(s.queue, p)
	s.mu.Unlock()

	p.arm(s.timeout(depth), func() {
		s.log.Warn("库存查询超时", "gid", job.GID, "asin", job.ASIN)
		s.finish(p, timeoutResult())
	})
	if depth == 0 {
		go s.start(p)
	}
	return p.out
}

func (s *Sequential) start(p *pending) {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.base); err != nil {
			s.finish(p, closedResult())
			return
		}
	}
	if p.done() {
		return
	}
	ctx, cancel := runContext(s.base, s.opts.Timeouts.Max)
	defer cancel()

	results, err := s.runner.Run(ctx, []*model.StockJob{p.job})
	if err != nil {
		f := AsFailure(err)
		if f.Retry && !p.job.IsRetry {
			s.retry(p)
			return
		}
		s.finish(p, f.Result())
		return
	}
	if len(results) == 0 {
		s.finish(p, model.ErrorResult(model.CodeUnexpected, "An error occurred during stock retrieval"))
		return
	}
	s.finish(p, results[0])
}

func (s *Sequential) finish(p *pending, res model.StockResult) {
	if !p.deliver(res) {
		return
	}
	if res.Failed() {
		s.runner.DropCSRF(s.base, p.job.Domain)
	}
	s.advance(p)
}

// advance 将 p 移出队列；p 为队首时启动下一个
func (s *Sequential) advance(p *pending) {
	s.mu.Lock()
	idx := slices.Index(s.queue, p)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.queue = slices.Delete(s.queue, idx, idx+1)
	var next *pending
	if idx == 0 && len(s.queue) > 0 {
		next = s.queue[0]
	}
	s.mu.Unlock()

	if next != nil {
		go s.start(next)
	}
}

// retry 让出队列位置，延迟后以重试身份重新排队；原超时计时保持不变
func (s *Sequential) retry(p *pending) {
	s.log.Info("地址页限流，稍后重试", "gid", p.job.GID, "asin", p.job.ASIN)
	s.advance(p)
	time.AfterFunc(s.opts.RetryDelay, func() {
		if p.done() {
			return
		}
		p.job.IsRetry = true
		p.job.GID = newGID()

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			p.deliver(closedResult())
			return
		}
		s.queue = append(s.queue, p)
		head := len(s.queue) == 1
		s.mu.Unlock()
		if head {
			go s.start(p)
		}
	})
}

// Len 排队中的任务数
func (s *Sequential) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close 取消运行中的任务并以错误结果结束所有排队任务
func (s *Sequential) Close() {
	s.mu.Lock()
	s.closed = true
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.stop()
	for _, p := range queue {
		p.deliver(closedResult())
	}
}
