// Package service 库存查询服务：请求校验、调度分派与会话管理
package service

import (
	"context"
	"errors"
	"fmt"

	"stockprobe/internal/config"
	"stockprobe/internal/extract"
	"stockprobe/internal/logger"
	"stockprobe/internal/metrics"
	"stockprobe/internal/session"
	"stockprobe/internal/stock"
	"stockprobe/pkg/model"
)

// SellerActivity 卖家后台活跃记录
type SellerActivity interface {
	NoteSellerActivity()
	SellerLockedOut() bool
}

// Deps 服务依赖
type Deps struct {
	Config     *config.Config
	Sessions   *session.Manager
	Seller     SellerActivity
	Sequential stock.Scheduler
	Batched    stock.Scheduler
	Extractor  *extract.Engine
	Metrics    *metrics.Metrics
	Logger     logger.Logger
	// Closers 关闭服务时逆序执行
	Closers []func(ctx context.Context) error
}

// Service 服务实现
type Service struct {
	cfg        *config.Config
	sessions   *session.Manager
	seller     SellerActivity
	sequential stock.Scheduler
	batched    stock.Scheduler
	extractor  *extract.Engine
	metrics    *metrics.Metrics
	log        logger.Logger
	closers    []func(ctx context.Context) error
}

// New 创建服务
func New(d Deps) *Service {
	l := d.Logger
	if l == nil {
		l = logger.NewNop()
	}
	ex := d.Extractor
	if ex == nil {
		ex = extract.NewEngine()
	}
	return &Service{
		cfg:        d.Config,
		sessions:   d.Sessions,
		seller:     d.Seller,
		sequential: d.Sequential,
		batched:    d.Batched,
		extractor:  ex,
		metrics:    d.Metrics,
		log:        l,
		closers:    d.Closers,
	}
}

// RequestStock 查询报价库存，总是返回结果或带错误码的结果
func (s *Service) RequestStock(ctx context.Context, req model.StockRequest) model.StockResult {
	st := &s.cfg.Stock
	switch {
	case !st.Initialized():
		return model.ErrorResult(model.CodeNotInitialized, "stock retrieval not initialized")
	case !st.DomainEnabled(req.Domain):
		return model.ErrorResult(model.CodeDomainUnsupported, "stock retrieval not supported for domain")
	case !st.Subscribed && !req.ForceRefresh:
		return model.ErrorResult(model.CodeNotSubscribed, "stock retrieval failed, not subscribed")
	case req.OfferID == "":
		return model.ErrorResult(model.CodeMissingOfferID, fmt.Sprintf("stock retrieval failed for offer: %s missing oid.", req.ASIN))
	case req.SellerID == "":
		return model.ErrorResult(model.CodeMissingSellerID, "Unable to retrieve stock for this offer. ")
	}

	cached := model.StockResult{Stock: req.MaxQty, IsMaxQty: req.MaxQty >= st.MaxQty}
	_, hasSession := s.sessions.Get(req.Domain)
	lockout := s.seller != nil && s.seller.SellerLockedOut() && (!hasSession || req.ForceRefresh)
	if st.CartDisabled || (req.OnlyMaxQty && !req.IsMAP) || lockout {
		return cached
	}

	res := s.submit(ctx, s.newJob(req))
	if res.Failed() && res.ErrorCode > 0 {
		cached.ErrorCode, cached.Error = res.ErrorCode, res.Error
		return cached
	}
	return res
}

func (s *Service) newJob(req model.StockRequest) *model.StockJob {
	style := model.CartDirect
	if s.cfg.Stock.Batch {
		style = model.CartAssociative
	}
	return &model.StockJob{
		ASIN:         req.ASIN,
		OfferID:      req.OfferID,
		SellerID:     req.SellerID,
		Domain:       req.Domain,
		RequestedQty: req.MaxQty,
		ForceRefresh: req.ForceRefresh,
		CartStyle:    style,
		Host:         req.Host,
		Referer:      req.Referer,
		UserSession:  req.UserSession,
		ATCCSRF:      req.ATCCSRF,
		SlateToken:   req.SlateToken,
	}
}

func (s *Service) submit(ctx context.Context, job *model.StockJob) model.StockResult {
	sched := s.sequential
	if job.CartStyle == model.CartAssociative {
		sched = s.batched
	}
	select {
	case res := <-sched.Submit(ctx, job):
		if res.Failed() {
			s.log.Warn("库存查询返回错误", "asin", job.ASIN, "gid", job.GID, "code", res.ErrorCode, "error", res.Error)
		}
		return res
	case <-ctx.Done():
		return model.ErrorResult(model.CodeTimeout, "stock retrieval timeout")
	}
}

// NoteSellerActivity 记录卖家后台活跃
func (s *Service) NoteSellerActivity() {
	if s.seller != nil {
		s.seller.NoteSellerActivity()
	}
}

// Sessions 当前访客会话概要
func (s *Service) Sessions() []session.Summary {
	return s.sessions.List()
}

// ClearSession 删除站点访客会话
func (s *Service) ClearSession(ctx context.Context, d model.Domain) error {
	if !d.Valid() {
		return fmt.Errorf("clear session: unknown domain %d", int(d))
	}
	return s.sessions.Purge(ctx, d)
}

// Extract 按选择器配置从页面提取字段
func (s *Service) Extract(markup string, sel extract.Selectors) (extract.Fields, *extract.Failure) {
	return s.extractor.Extract(markup, sel)
}

// Metrics 指标集合
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Close 停止调度器并依次释放资源
func (s *Service) Close(ctx context.Context) error {
	if s.sequential != nil {
		s.sequential.Close()
	}
	if s.batched != nil {
		s.batched.Close()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
