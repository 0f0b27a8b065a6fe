package cdp

import (
	"context"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/fetch"

	conv "stockprobe/internal/adapter/cdp"
	"stockprobe/internal/rules"
	"stockprobe/pkg/traffic"
)

const handleTimeout = 3 * time.Second

// consume 持续接收拦截事件并逐个处理
func (b *Browser) consume(ctx context.Context, client *cdp.Client) {
	rp, err := client.Fetch.RequestPaused(ctx)
	if err != nil {
		b.log.Err(err, "订阅拦截事件流失败")
		b.enabled.Store(false)
		return
	}
	defer rp.Close()

	b.log.Info("开始消费拦截事件流")
	for {
		ev, err := rp.Recv()
		if err != nil {
			if b.enabled.Load() {
				b.log.Warn("拦截流被中断", "error", err)
			}
			b.enabled.Store(false)
			return
		}
		go b.handle(ctx, client, ev)
	}
}

// handle 处理一次拦截事件：按阶段求值规则表并继续请求或响应
func (b *Browser) handle(parent context.Context, client *cdp.Client, ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(parent, handleTimeout)
	defer cancel()

	req := conv.ToNeutralRequest(ev)

	var mut rules.Mutation
	if b.engine != nil {
		m, err := b.engine.Eval(ctx, rules.EvalContext{URL: req.URL, Initiator: req.Initiator})
		if err != nil {
			b.log.Err(err, "规则求值失败，直接放行", "url", req.URL)
		} else {
			mut = m
		}
	}

	if ev.ResponseStatusCode != nil {
		b.continueResponse(ctx, client, ev, mut)
		return
	}
	b.continueRequest(ctx, client, ev, req.Headers, mut)
}

func (b *Browser) continueRequest(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply, headers traffic.Header, mut rules.Mutation) {
	args := fetch.NewContinueRequestArgs(ev.RequestID)
	if len(mut.RequestHeaders) > 0 {
		rules.ApplyTraffic(headers, mut.RequestHeaders)
		args.SetHeaders(conv.ToHeaderEntries(headers))
		b.log.Debug("改写浏览器请求", "url", ev.Request.URL, "rules", mut.RuleIDs)
	}
	if err := client.Fetch.ContinueRequest(ctx, args); err != nil {
		b.log.Err(err, "继续请求失败", "url", ev.Request.URL)
	}
}

func (b *Browser) continueResponse(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply, mut rules.Mutation) {
	args := &fetch.ContinueResponseArgs{RequestID: ev.RequestID}
	if len(mut.ResponseHeaders) > 0 {
		res := conv.ToNeutralResponse(ev)
		rules.ApplyTraffic(res.Headers, mut.ResponseHeaders)
		setCookies := res.SetCookies
		if rules.Removes(mut.ResponseHeaders, "set-cookie") {
			setCookies = nil
		}
		args.ResponseHeaders = conv.ToResponseEntries(res.Headers, setCookies)
		b.log.Debug("改写浏览器响应", "url", ev.Request.URL, "rules", mut.RuleIDs)
	}
	if err := client.Fetch.ContinueResponse(ctx, args); err != nil {
		b.log.Err(err, "继续响应失败", "url", ev.Request.URL)
	}
}
