// Package stock 库存查询任务：状态机、步骤驱动与调度
package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockprobe/internal/config"
	"stockprobe/internal/executor"
	"stockprobe/internal/logger"
	"stockprobe/internal/reconciler"
	"stockprobe/internal/session"
	"stockprobe/pkg/model"
)

// 模板 URL 与请求体占位符
const (
	phZipCode     = "{ZIPCODE}"
	phSessionID   = "{SESSION_ID}"
	phTLD         = "{TLD}"
	phOfferID     = "{OFFER_ID}"
	phMarketplace = "{MARKETPLACE}"
	phAddCart     = "{ADDCART}"
	phASIN        = "{ASIN}"
	phTag         = "{TAG}"
	phOrigin      = "{ORIGIN}"
	phSellerID    = "{SID}"
	phCSRF        = "{CSRF}"
)

// Executor 串行请求执行器
type Executor interface {
	Do(ctx context.Context, job *model.RequestJob) (*model.RequestResult, error)
}

// Runner 驱动一个任务（或一批共享会话的任务）走完初始化与加购
type Runner struct {
	exec     Executor
	sessions *session.Manager
	cfg      *config.Stock
	log      logger.Logger
}

// NewRunner 创建任务驱动器
func NewRunner(exec Executor, sessions *session.Manager, cfg *config.Stock, l logger.Logger) *Runner {
	if l == nil {
		l = logger.NewNop()
	}
	return &Runner{exec: exec, sessions: sessions, cfg: cfg, log: l}
}

// attempt 一次运行的可变上下文
type attempt struct {
	lead    *model.StockJob
	batch   []*model.StockJob
	machine *Machine
	host    string
	cookies []model.Cookie
	csrf    string
	referer string
}

// Run 执行一批任务，首个任务决定站点与会话；返回与 batch 对齐的结果，或应用于整批的 Failure
func (r *Runner) Run(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	lead := batch[0]
	a := &attempt{lead: lead, batch: batch, machine: NewMachine(), host: hostFor(lead)}
	l := r.log.With("gid", lead.GID, "asin", lead.ASIN, "domain", lead.Domain.String(), "batch", len(batch))

	results, err := r.run(ctx, a)
	if err == nil {
		_ = a.machine.Fire(EventCartDone)
		lead.State = a.machine.State()
		return results, nil
	}
	_ = a.machine.Fire(EventFailed)
	lead.State = a.machine.State()

	if errors.Is(err, errPassthrough) {
		l.Info("卖家活跃，回传请求数量")
		return passthrough(batch), nil
	}
	f := AsFailure(err)
	if f.Purge {
		if perr := r.sessions.Purge(context.WithoutCancel(ctx), lead.Domain); perr != nil {
			l.Err(perr, "清除站点会话失败")
		}
	}
	l.Warn("库存查询失败", "code", f.Code, "step", a.machine.Step().String(), "error", f.Error())
	return nil, f
}

func (r *Runner) run(ctx context.Context, a *attempt) ([]model.StockResult, error) {
	d := a.lead.Domain
	if a.lead.ForceRefresh && r.cfg.GeoRetry {
		if err := r.sessions.Purge(ctx, d); err != nil {
			return nil, &Failure{Code: model.CodeUnexpected, Message: "An error occurred during stock retrieval", Err: err}
		}
	}

	var steps []model.BootstrapStep
	if rec, ok := r.sessions.Fresh(d); ok {
		a.cookies = rec.Cookies
	} else if r.sessions.AddressKnown(d) {
		steps = append(steps, model.StepConfirmAddress)
	} else {
		steps = append(steps, model.StepGeo, model.StepSetAddress, model.StepConfirmAddress)
	}
	if a.lead.ForceRefresh && !r.cfg.Offer.Empty() {
		steps = append(steps, model.StepVerifyOffer)
	}
	if err := a.machine.Begin(steps); err != nil {
		return nil, err
	}

	addressOnly := len(steps) > 0 && steps[0] == model.StepConfirmAddress
	for {
		step, ok := a.machine.Next()
		if !ok {
			break
		}
		a.lead.Step = step
		var err error
		switch step {
		case model.StepGeo:
			err = r.geo(ctx, a)
		case model.StepSetAddress:
			err = r.setAddress(ctx, a)
		case model.StepConfirmAddress:
			err = r.confirmAddress(ctx, a, addressOnly)
		case model.StepVerifyOffer:
			err = r.verifyOffer(ctx, a)
		}
		if err != nil {
			return nil, err
		}
	}
	a.lead.State = a.machine.State()

	switch a.lead.CartStyle {
	case model.CartAssociative:
		if r.cfg.CreateCart.Empty() || r.cfg.AddCartAssoc.Empty() {
			break
		}
		return r.addToCartAssoc(ctx, a)
	default:
		if r.cfg.AddCart.Empty() {
			break
		}
		res, err := r.addToCartDirect(ctx, a)
		if err != nil {
			return nil, err
		}
		out := make([]model.StockResult, len(a.batch))
		for i := range out {
			out[i] = res
		}
		return out, nil
	}
	return nil, &Failure{Code: model.CodeStepQueueEmpty, Message: "callback queue empty"}
}

// DropCSRF 丢弃站点购物车 CSRF
func (r *Runner) DropCSRF(ctx context.Context, d model.Domain) {
	if err := r.sessions.DropCSRF(ctx, d); err != nil {
		r.log.Err(err, "丢弃 CSRF 失败", "domain", d.String())
	}
}

// do 提交请求并将执行器层面的会话错误转为终止性错误
func (r *Runner) do(ctx context.Context, job *model.RequestJob) (*model.RequestResult, error) {
	res, err := r.exec.Do(ctx, job)
	switch {
	case errors.Is(err, reconciler.ErrContaminated):
		return nil, &Failure{Code: model.CodeContaminated, Message: "session contamination", Err: err}
	case errors.Is(err, reconciler.ErrSellerLockout):
		return nil, errPassthrough
	}
	return res, err
}

// stepFailure 将步骤错误映射为对应错误码，已是终止性错误时原样返回
func (a *attempt) stepFailure(err error, code int, purge bool) error {
	if isTerminal(err) {
		return err
	}
	return &Failure{Code: code, Message: a.mainMessage(), Purge: purge, Err: err}
}

func (a *attempt) mainMessage() string {
	return fmt.Sprintf("stock retrieval failed for offer: %s id: %s main.", a.lead.ASIN, a.lead.GID)
}

// internalError 执行器自身故障（panic、已关闭）而非网络错误
func internalError(err error) bool {
	return errors.Is(err, executor.ErrPanic) || errors.Is(err, executor.ErrClosed)
}

// request 按模板构造访客请求
func (r *Runner) request(a *attempt, tpl config.RequestTemplate, url string) *model.RequestJob {
	method := tpl.Method
	if method == "" {
		method = "GET"
	}
	return &model.RequestJob{
		URL:     url,
		Method:  method,
		Headers: tpl.Headers,
		Placeholders: model.Placeholders{
			Origin:     a.host,
			Language:   r.cfg.Language(a.lead.Domain),
			ATCCSRF:    a.lead.ATCCSRF,
			SlateToken: a.lead.SlateToken,
		},
		Body:            tpl.Body,
		IsGuest:         true,
		UserSession:     a.lead.UserSession,
		Domain:          a.lead.Domain,
		Timeout:         r.cfg.RequestTimeout,
		FollowRedirects: tpl.FollowRedirects,
	}
}

func hostFor(j *model.StockJob) string {
	if j.Host != "" {
		return j.Host
	}
	return "www.amazon." + j.Domain.TLD()
}

func passthrough(batch []*model.StockJob) []model.StockResult {
	out := make([]model.StockResult, len(batch))
	for i, j := range batch {
		out[i] = model.StockResult{Stock: j.RequestedQty, IsMaxQty: true, ASIN: j.ASIN, SellerID: j.SellerID}
	}
	return out
}

// sleep 可被取消的等待
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func replaceAll(s string, pairs ...string) string {
	return strings.NewReplacer(pairs...).Replace(s)
}
