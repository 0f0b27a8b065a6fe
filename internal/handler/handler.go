// Package handler 组合一次请求任务的完整处理：身份调和 → 规则安装 → 网络请求
package handler

import (
	"context"
	"errors"
	"net/url"
	"time"

	"stockprobe/internal/logger"
	"stockprobe/internal/reconciler"
	"stockprobe/internal/rules"
	"stockprobe/pkg/model"
)

// Handler 请求任务处理器，只应由执行器在单飞窗口内调用
type Handler struct {
	reconciler *reconciler.Reconciler
	installer  *rules.Installer
	fetcher    *Fetcher
	log        logger.Logger
}

// Config 配置选项
type Config struct {
	Reconciler *reconciler.Reconciler
	Installer  *rules.Installer
	Fetcher    *Fetcher
	Logger     logger.Logger
}

// New 创建请求处理器
func New(cfg Config) *Handler {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Handler{
		reconciler: cfg.Reconciler,
		installer:  cfg.Installer,
		fetcher:    cfg.Fetcher,
		log:        l,
	}
}

// Handle 执行一次请求任务
func (h *Handler) Handle(ctx context.Context, job *model.RequestJob) (*model.RequestResult, error) {
	start := time.Now()
	l := h.log.With("url", job.URL, "guest", job.IsGuest, "domain", job.Domain.String())
	l.Debug("开始处理请求任务")

	run := h.reconciler.RunAsUser
	if job.IsGuest {
		run = h.reconciler.RunAsGuest
	}
	res, err := run(ctx, job, func(ctx context.Context, plan reconciler.Plan) (*reconciler.Exchange, error) {
		return h.exchange(ctx, job, plan)
	})

	switch {
	case errors.Is(err, rules.ErrInstall), errors.Is(err, reconciler.ErrAborted):
		if perr := h.installer.Purge(context.WithoutCancel(ctx)); perr != nil {
			l.Err(perr, "清空规则表失败")
		}
		l.Err(err, "请求任务失败")
	case errors.Is(err, reconciler.ErrSellerLockout):
		l.Info("卖家活跃期间跳过访客请求")
	case err != nil:
		l.Warn("请求任务出错", "error", err)
	default:
		l.Debug("请求任务完成", "status", res.Status, "duration", time.Since(start))
	}
	return res, err
}

// exchange 按身份方案安装规则并发起请求
func (h *Handler) exchange(ctx context.Context, job *model.RequestJob, plan reconciler.Plan) (*reconciler.Exchange, error) {
	action := rules.Expand(job.Headers, rules.ExpandOptions{
		Placeholders:      job.Placeholders,
		Host:              hostOf(job.URL),
		Cookie:            plan.Cookie,
		Guest:             plan.Guest,
		SuppressSetCookie: plan.SuppressSetCookie,
	})
	if !plan.Guest {
		action = rules.StripClientHints(action)
	}
	specs := []rules.Spec{{Action: action}}
	if plan.Guard != nil {
		specs = append(specs, rules.Spec{Action: *plan.Guard, Foreign: true})
	}

	var ex *reconciler.Exchange
	err := h.installer.WithRules(ctx, job.URL, specs, func(ctx context.Context) error {
		var ferr error
		ex, ferr = h.fetcher.Fetch(ctx, job, plan.Jar)
		return ferr
	})
	return ex, err
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
