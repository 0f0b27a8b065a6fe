// Package executor 单飞 FIFO 请求执行器：任一时刻至多一个请求任务及其规则/罐变更在进行中
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"stockprobe/internal/logger"
	"stockprobe/internal/metrics"
	"stockprobe/pkg/model"
)

var (
	// ErrClosed 执行器已关闭
	ErrClosed = errors.New("executor: closed")
	// ErrPanic 任务处理中发生 panic
	ErrPanic = errors.New("executor: handler panicked")
)

// Handler 请求任务处理器
type Handler interface {
	Handle(ctx context.Context, job *model.RequestJob) (*model.RequestResult, error)
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, job *model.RequestJob) (*model.RequestResult, error)

func (f HandlerFunc) Handle(ctx context.Context, job *model.RequestJob) (*model.RequestResult, error) {
	return f(ctx, job)
}

// Future 一次提交的结果，与队列位置无关地独立完成
type Future struct {
	done chan struct{}
	res  *model.RequestResult
	err  error
	once sync.Once
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(res *model.RequestResult, err error) {
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
	})
}

// Done 完成信号
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait 等待结果；ctx 结束时返回 ctx 错误，任务本身不受影响
func (f *Future) Wait(ctx context.Context) (*model.RequestResult, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type task struct {
	ctx context.Context
	job *model.RequestJob
	fut *Future
}

// Executor 单飞 FIFO 执行器
type Executor struct {
	handler Handler
	log     logger.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	queue  []*task
	busy   bool
	closed bool
	idle   chan struct{}
}

// Option 执行器选项
type Option func(*Executor)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New 创建执行器
func New(h Handler, opts ...Option) *Executor {
	e := &Executor{handler: h, log: logger.NewNop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Submit 按 FIFO 入队，返回 Future
func (e *Executor) Submit(ctx context.Context, job *model.RequestJob) *Future {
	fut := newFuture()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		fut.resolve(nil, ErrClosed)
		return fut
	}
	e.queue = append(e.queue, &task{ctx: ctx, job: job, fut: fut})
	e.metrics.SetQueueDepth(len(e.queue))
	start := !e.busy
	if start {
		e.busy = true
		e.idle = make(chan struct{})
	}
	e.mu.Unlock()

	if start {
		go e.drain()
	}
	return fut
}

// Do 提交并等待
func (e *Executor) Do(ctx context.Context, job *model.RequestJob) (*model.RequestResult, error) {
	return e.Submit(ctx, job).Wait(ctx)
}

// Len 排队中的任务数
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// drain 逐个执行队首任务，队列为空时清除 busy 标记退出
func (e *Executor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.busy = false
			close(e.idle)
			e.mu.Unlock()
			return
		}
		t := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.metrics.SetQueueDepth(len(e.queue))
		e.mu.Unlock()

		e.run(t)
	}
}

// run 执行单个任务；无论成功、失败还是 panic，Future 都会完成
func (e *Executor) run(t *task) {
	var (
		res *model.RequestResult
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			e.log.Error("请求任务 panic", "url", t.job.URL, "panic", fmt.Sprint(r))
			e.metrics.JobDone("panic")
		}
		t.fut.resolve(res, err)
	}()

	if cerr := t.ctx.Err(); cerr != nil {
		err = cerr
		e.metrics.JobDone("canceled")
		return
	}
	res, err = e.handler.Handle(t.ctx, t.job)
	if err != nil {
		e.metrics.JobDone("error")
		return
	}
	e.metrics.JobDone("ok")
}

// Close 拒绝新任务，丢弃排队任务并等待进行中的任务结束
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	pending := e.queue
	e.queue = nil
	idle := e.idle
	busy := e.busy
	e.metrics.SetQueueDepth(0)
	e.mu.Unlock()

	for _, t := range pending {
		t.fut.resolve(nil, ErrClosed)
	}
	if !busy {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
