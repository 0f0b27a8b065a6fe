package service

import (
	"context"
	"fmt"

	"stockprobe/internal/cdp"
	"stockprobe/internal/config"
	"stockprobe/internal/executor"
	"stockprobe/internal/extract"
	"stockprobe/internal/handler"
	"stockprobe/internal/hostjar"
	"stockprobe/internal/logger"
	"stockprobe/internal/metrics"
	"stockprobe/internal/reconciler"
	"stockprobe/internal/rules"
	"stockprobe/internal/session"
	"stockprobe/internal/stock"
	"stockprobe/internal/storage"
	"stockprobe/pkg/model"
)

// interceptPattern 浏览器拦截范围
const interceptPattern = "*://*.amazon.*/*"

// Open 按配置组装全部组件并恢复上次遗留的用户 Cookie 快照
func Open(ctx context.Context, cfg *config.Config, l logger.Logger) (*Service, error) {
	if l == nil {
		l = logger.NewNop()
	}
	m := metrics.New()

	store, err := storage.Open(cfg, l)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	closers := []func(context.Context) error{func(context.Context) error { return store.Close() }}
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i](ctx)
		}
		return nil, err
	}

	st := &cfg.Stock
	sessions := session.NewManager(store, session.Options{
		FreshFor:    st.FreshFor,
		SchemaEpoch: st.SchemaEpoch(),
		CSRFTTL:     st.CSRFTTL,
		OnPurge:     func(d model.Domain) { m.SessionPurged(d.String()) },
	}, l.With("module", "session"))
	if err := sessions.Load(ctx); err != nil {
		return fail(fmt.Errorf("load sessions: %w", err))
	}

	table := rules.NewMemoryTable()
	engine := rules.NewEngine(table)

	var jar hostjar.Jar = hostjar.NewMemoryJar()
	if cfg.Browser.DevToolsURL != "" {
		b := cdp.New(cfg.Browser.DevToolsURL, engine, l.With("module", "cdp"))
		if err := b.Attach(ctx, ""); err != nil {
			return fail(fmt.Errorf("attach browser: %w", err))
		}
		closers = append(closers, func(context.Context) error { return b.Detach() })
		if cfg.Browser.Guard {
			if err := b.EnableInterception(interceptPattern); err != nil {
				return fail(fmt.Errorf("enable interception: %w", err))
			}
		}
		jar = b.Jar()
	}

	rec := reconciler.New(jar, sessions, reconciler.Options{
		Interception:  cfg.Interception,
		CookieOrder:   st.CookieOrder,
		SellerLockout: st.SellerLockout,
	}, l.With("module", "reconciler"))
	if err := rec.RestoreSnapshots(ctx); err != nil {
		l.Err(err, "恢复用户 Cookie 快照失败")
	}

	h := handler.New(handler.Config{
		Reconciler: rec,
		Installer:  rules.NewInstaller(table, cfg.Origin, l.With("module", "rules")),
		Fetcher:    handler.NewFetcher(engine, cfg.Origin, nil, st.RequestTimeout, l.With("module", "fetcher")),
		Logger:     l.With("module", "handler"),
	})
	exec := executor.New(h, executor.WithLogger(l.With("module", "executor")), executor.WithMetrics(m))
	closers = append(closers, exec.Close)

	runner := stock.NewRunner(exec, sessions, st, l.With("module", "stock"))
	opts := stock.Options{
		Timeouts:   st.Timeouts,
		RetryDelay: st.RateLimitDelay,
		JobDelay:   st.JobDelay,
		Debounce:   st.Debounce,
		Metrics:    m,
	}
	seqOpts, batchOpts := opts, opts
	seqOpts.Logger = l.With("module", "sequential")
	batchOpts.Logger = l.With("module", "batched")

	return New(Deps{
		Config:     cfg,
		Sessions:   sessions,
		Seller:     rec,
		Sequential: stock.NewSequential(runner, seqOpts),
		Batched:    stock.NewBatched(runner, batchOpts),
		Extractor:  extract.NewEngine(),
		Metrics:    m,
		Logger:     l.With("module", "service"),
		Closers:    closers,
	}), nil
}
