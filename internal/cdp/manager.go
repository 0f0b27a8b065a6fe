// Package cdp 通过 DevTools 协议连接宿主浏览器：提供共享 Cookie 罐，并把规则表套用到浏览器自身的流量上
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"stockprobe/internal/logger"
	"stockprobe/internal/rules"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/rpcc"
)

// ErrNotAttached 尚未连接目标
var ErrNotAttached = errors.New("cdp: not attached")

// Browser 单个 DevTools 目标的连接
type Browser struct {
	devtoolsURL string
	engine      *rules.Engine
	log         logger.Logger

	mu     sync.Mutex
	conn   *rpcc.Conn
	client *cdp.Client
	ctx    context.Context
	cancel context.CancelFunc

	enabled atomic.Bool
}

// New 创建浏览器连接，engine 为空时拦截器直接放行
func New(devtoolsURL string, engine *rules.Engine, l logger.Logger) *Browser {
	if l == nil {
		l = logger.NewNop()
	}
	return &Browser{devtoolsURL: devtoolsURL, engine: engine, log: l}
}

// Attach 连接指定目标，target 为空时取第一个页面
func (b *Browser) Attach(ctx context.Context, target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}

	dt := devtool.New(b.devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	var sel *devtool.Target
	for _, t := range targets {
		if target == "" && t.Type == devtool.Page {
			sel = t
			break
		}
		if t.ID == target {
			sel = t
			break
		}
	}
	if sel == nil {
		return fmt.Errorf("cdp: no target %q", target)
	}

	cctx, cancel := context.WithCancel(context.Background())
	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		cancel()
		return fmt.Errorf("dial %s: %w", sel.WebSocketDebuggerURL, err)
	}
	b.conn = conn
	b.client = cdp.NewClient(conn)
	b.ctx = cctx
	b.cancel = cancel

	if err := b.client.Network.Enable(cctx, nil); err != nil {
		b.closeLocked()
		return fmt.Errorf("enable network: %w", err)
	}
	b.log.Info("已连接浏览器目标", "target", sel.ID, "url", sel.URL)
	return nil
}

// Detach 断开连接
func (b *Browser) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *Browser) closeLocked() error {
	b.enabled.Store(false)
	if b.cancel != nil {
		b.cancel()
	}
	var err error
	if b.conn != nil {
		err = b.conn.Close()
	}
	b.conn, b.client, b.cancel = nil, nil, nil
	return err
}

func (b *Browser) session() (*cdp.Client, context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, nil, ErrNotAttached
	}
	return b.client, b.ctx, nil
}

// Jar 以浏览器 Cookie 存储为后端的共享罐
func (b *Browser) Jar() *Jar { return &Jar{browser: b} }

// EnableInterception 对 urlPattern 匹配的请求开启请求/响应两阶段拦截
func (b *Browser) EnableInterception(urlPattern string) error {
	client, ctx, err := b.session()
	if err != nil {
		return err
	}
	if b.enabled.Load() {
		return nil
	}
	if urlPattern == "" {
		urlPattern = "*"
	}
	patterns := []fetch.RequestPattern{
		{URLPattern: &urlPattern, RequestStage: fetch.RequestStageRequest},
		{URLPattern: &urlPattern, RequestStage: fetch.RequestStageResponse},
	}
	if err := client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
		return fmt.Errorf("enable fetch: %w", err)
	}
	b.enabled.Store(true)
	go b.consume(ctx, client)
	b.log.Info("浏览器流量拦截已启用", "pattern", urlPattern)
	return nil
}

// DisableInterception 关闭拦截
func (b *Browser) DisableInterception() error {
	client, ctx, err := b.session()
	if err != nil {
		return err
	}
	b.enabled.Store(false)
	return client.Fetch.Disable(ctx)
}
