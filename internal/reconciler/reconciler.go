// Package reconciler 在单次请求前后切换宿主 Cookie 罐中的身份（真实用户 / 访客），并在请求后回写会话
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"stockprobe/internal/cookies"
	"stockprobe/internal/hostjar"
	"stockprobe/internal/logger"
	"stockprobe/internal/rules"
	"stockprobe/internal/session"
	"stockprobe/pkg/model"
)

var (
	// ErrContaminated 访客身份与真实用户身份重合
	ErrContaminated = errors.New("reconciler: guest session equals user session")
	// ErrSellerLockout 卖家后台活跃期间不做破坏式切换
	ErrSellerLockout = errors.New("reconciler: seller lockout")
	// ErrAborted 罐或存储操作失败，请求已放弃
	ErrAborted = errors.New("reconciler: aborted")
)

// StatusContaminated 与 StatusAborted 写入结果的伪状态码
const (
	StatusContaminated = model.CodeContaminated
	StatusAborted      = model.CodeRequestFailed
)

// 写入罐的访客 Cookie 有效期，以及永不写入的条目
const (
	guestCookieTTL = 180 * time.Second
	skipCookie     = "sp-cdn"
)

// Plan 下游安装规则与发起请求所需的身份方案
type Plan struct {
	// Cookie 组装好的 Cookie 头，为空时移除
	Cookie string
	Guest  bool
	// SuppressSetCookie 非破坏式：丢弃入站 Set-Cookie，由截获结果回写
	SuppressSetCookie bool
	// Guard 破坏式切换期间作用于外部流量的保护规则
	Guard *model.RuleAction
	// Jar 非空时请求直接读写宿主罐
	Jar http.CookieJar
}

// Exchange 一次网络往返的结果
type Exchange struct {
	Status     int
	Headers    map[string]string
	Body       string
	SetCookies []string
	Redirect   string
}

// Func 在身份方案下执行请求
type Func func(ctx context.Context, plan Plan) (*Exchange, error)

// Options 调和参数
type Options struct {
	// Interception 具备非破坏式截获能力
	Interception  bool
	CookieOrder   []string
	SellerLockout time.Duration
}

// Reconciler 唯一允许修改宿主罐与会话缓存的组件
type Reconciler struct {
	jar      hostjar.Jar
	sessions *session.Manager
	opts     Options
	now      func() time.Time
	log      logger.Logger

	lastSeller atomic.Int64
}

// New 创建调和器
func New(jar hostjar.Jar, sessions *session.Manager, opts Options, l logger.Logger) *Reconciler {
	if l == nil {
		l = logger.NewNop()
	}
	return &Reconciler{jar: jar, sessions: sessions, opts: opts, now: time.Now, log: l}
}

// Interception 是否非破坏式
func (r *Reconciler) Interception() bool { return r.opts.Interception }

// NoteSellerActivity 记录卖家后台活跃时间
func (r *Reconciler) NoteSellerActivity() {
	r.lastSeller.Store(r.now().UnixMilli())
}

// SellerLockedOut 是否处于卖家活跃锁定期
func (r *Reconciler) SellerLockedOut() bool {
	last := r.lastSeller.Load()
	if last == 0 {
		return false
	}
	return r.now().Sub(time.UnixMilli(last)) < r.opts.SellerLockout
}

func (r *Reconciler) header(cs []model.Cookie) string {
	if cs == nil {
		return ""
	}
	return cookies.Header(cs, r.opts.CookieOrder)
}

// RunAsUser 以真实用户身份执行，请求直接读写宿主罐
func (r *Reconciler) RunAsUser(ctx context.Context, job *model.RequestJob, fn Func) (*model.RequestResult, error) {
	plan := Plan{Cookie: r.header(job.Cookies), Jar: hostjar.CookieJar(ctx, r.jar, r.log)}
	ex, err := fn(ctx, plan)
	if err != nil {
		return &model.RequestResult{}, err
	}
	res := result(ex)
	res.Cookies = job.Cookies
	return res, nil
}

// RunAsGuest 以访客身份执行一次请求。
// 非破坏式时只改写 Cookie 头并由截获的 Set-Cookie 回写会话；
// 破坏式时把访客 Cookie 写入宿主罐，请求后读回并在所有出口恢复用户 Cookie。
func (r *Reconciler) RunAsGuest(ctx context.Context, job *model.RequestJob, fn Func) (res *model.RequestResult, err error) {
	if !job.IgnoreCookies && !r.opts.Interception && r.SellerLockedOut() {
		return nil, ErrSellerLockout
	}

	d := job.Domain
	cookieStr := r.header(job.Cookies)
	guestID := cookies.SessionID(job.Cookies)
	nonDestructive := r.opts.Interception || (job.IgnoreCookies && len(cookieStr) > 8) || r.fastPath(d, guestID)

	userCookies, err := r.jar.GetAll(ctx, job.URL)
	if err != nil {
		return r.abort(ctx, d, fmt.Errorf("read jar: %w", err))
	}
	userSession := cookies.SessionID(userCookies)
	if userSession != "" && guestID == userSession {
		r.log.Warn("请求前检测到会话污染", "domain", d.String())
		r.purge(ctx, d)
		return &model.RequestResult{Status: StatusContaminated}, ErrContaminated
	}
	job.UserSession = userSession

	plan := Plan{Cookie: cookieStr, Guest: true, SuppressSetCookie: nonDestructive}
	if err := r.sessions.Snapshot(ctx, d, userCookies); err != nil {
		return r.abort(ctx, d, fmt.Errorf("snapshot: %w", err))
	}

	if nonDestructive {
		ex, fnErr := fn(ctx, plan)
		return r.settleIntercepted(context.WithoutCancel(ctx), job, ex, fnErr, userSession)
	}

	guard := rules.GuardAction(r.header(userCookies))
	plan.Guard = &guard
	plan.Jar = hostjar.CookieJar(ctx, r.jar, r.log)

	restored := false
	defer func() {
		if restored {
			return
		}
		if rerr := r.restore(context.WithoutCancel(ctx), job.URL, userCookies); rerr != nil {
			r.log.Err(rerr, "恢复用户 Cookie 失败", "domain", d.String())
		}
	}()

	if err := hostjar.Swap(ctx, r.jar, job.URL, userCookies, r.seed(job.Cookies)); err != nil {
		return r.abort(ctx, d, fmt.Errorf("swap in: %w", err))
	}
	ex, fnErr := fn(ctx, plan)

	// 请求已发出：读回与恢复不受调用方取消影响
	settle := context.WithoutCancel(ctx)
	jarNow, err := r.jar.GetAll(settle, job.URL)
	if err != nil {
		return r.abort(settle, d, fmt.Errorf("read back jar: %w", err))
	}
	observed := cookies.SessionID(jarNow)

	if observed == userSession && observed != "" {
		restored = true
		return r.contaminated(settle, job, userCookies)
	}
	if observed != "" {
		if err := r.sessions.Observe(settle, d, jarNow); err != nil {
			r.log.Err(err, "保存会话失败", "domain", d.String())
		}
	} else {
		r.purge(settle, d)
	}
	if err := hostjar.Swap(settle, r.jar, job.URL, jarNow, userCookies); err != nil {
		return r.abort(settle, d, fmt.Errorf("swap out: %w", err))
	}
	restored = true
	r.dropSnapshot(ctx, d)

	if fnErr != nil {
		return &model.RequestResult{Cookies: jarNow}, fnErr
	}
	res = result(ex)
	res.Cookies = jarNow
	return res, nil
}

// fastPath 缓存会话新鲜且即为本次要发送的会话：不动宿主罐，只改写请求头
func (r *Reconciler) fastPath(d model.Domain, guestID string) bool {
	if guestID == "" {
		return false
	}
	rec, ok := r.sessions.Fresh(d)
	return ok && cookies.SessionID(rec.Cookies) == guestID
}

// settleIntercepted 非破坏式路径的回写：合并截获的 Set-Cookie
func (r *Reconciler) settleIntercepted(ctx context.Context, job *model.RequestJob, ex *Exchange, fnErr error, userSession string) (*model.RequestResult, error) {
	d := job.Domain
	defer r.dropSnapshot(ctx, d)

	if fnErr != nil {
		return &model.RequestResult{Cookies: job.Cookies}, fnErr
	}
	res := result(ex)
	if len(ex.SetCookies) == 0 {
		res.Cookies = job.Cookies
		return res, nil
	}

	jarNow, err := r.jar.GetAll(ctx, job.URL)
	if err != nil {
		return r.abort(ctx, d, fmt.Errorf("read jar: %w", err))
	}
	merged := cookies.Merge(job.Cookies, cookies.ParseSetCookies(ex.SetCookies))
	id := cookies.SessionID(merged)
	switch {
	case id != "" && (id == userSession || id == cookies.SessionID(jarNow)):
		r.log.Warn("截获的会话与用户会话相同", "domain", d.String())
		r.purge(ctx, d)
		return &model.RequestResult{Status: StatusContaminated}, ErrContaminated
	case id != "":
		if err := r.sessions.Observe(ctx, d, merged); err != nil {
			r.log.Err(err, "保存会话失败", "domain", d.String())
		}
	default:
		r.purge(ctx, d)
	}
	res.Cookies = merged
	return res, nil
}

// contaminated 请求后发现罐中会话即用户会话：恢复用户 Cookie 并清除访客状态
func (r *Reconciler) contaminated(ctx context.Context, job *model.RequestJob, userCookies []model.Cookie) (*model.RequestResult, error) {
	d := job.Domain
	r.log.Warn("请求后检测到会话污染", "domain", d.String())
	if err := r.restore(context.WithoutCancel(ctx), job.URL, userCookies); err != nil {
		r.log.Err(err, "恢复用户 Cookie 失败", "domain", d.String())
	}
	r.dropSnapshot(ctx, d)
	r.purge(ctx, d)
	return &model.RequestResult{Status: StatusContaminated}, ErrContaminated
}

// abort 放弃请求：清除站点会话与快照
func (r *Reconciler) abort(ctx context.Context, d model.Domain, err error) (*model.RequestResult, error) {
	r.log.Err(err, "请求调和失败", "domain", d.String())
	r.purge(ctx, d)
	r.dropSnapshot(ctx, d)
	return &model.RequestResult{Status: StatusAborted}, fmt.Errorf("%w: %v", ErrAborted, err)
}

func (r *Reconciler) purge(ctx context.Context, d model.Domain) {
	if err := r.sessions.Purge(context.WithoutCancel(ctx), d); err != nil {
		r.log.Err(err, "删除会话失败", "domain", d.String())
	}
}

func (r *Reconciler) dropSnapshot(ctx context.Context, d model.Domain) {
	if err := r.sessions.DropSnapshot(context.WithoutCancel(ctx), d); err != nil {
		r.log.Err(err, "删除快照失败", "domain", d.String())
	}
}

// restore 用 userCookies 覆盖罐中当前内容
func (r *Reconciler) restore(ctx context.Context, rawURL string, userCookies []model.Cookie) error {
	current, err := r.jar.GetAll(ctx, rawURL)
	if err != nil {
		return err
	}
	return hostjar.Swap(ctx, r.jar, rawURL, current, userCookies)
}

// seed 写入罐的访客 Cookie：180 秒后过期，跳过 sp-cdn
func (r *Reconciler) seed(cs []model.Cookie) []model.Cookie {
	exp := r.now().Add(guestCookieTTL)
	out := make([]model.Cookie, 0, len(cs))
	for _, c := range cs {
		if c.Name == skipCookie {
			continue
		}
		c.ExpiresAt = exp
		out = append(out, c)
	}
	return out
}

// RestoreSnapshots 启动时把崩溃前未恢复的用户 Cookie 写回宿主罐
func (r *Reconciler) RestoreSnapshots(ctx context.Context) error {
	var errs []error
	for d, snap := range r.sessions.Snapshots() {
		rawURL := "https://www.amazon." + d.TLD()
		var guest []model.Cookie
		if rec, ok := r.sessions.Get(d); ok {
			guest = rec.Cookies
		}
		if err := hostjar.Swap(ctx, r.jar, rawURL, guest, snap); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", d, err))
			continue
		}
		if err := r.sessions.DropSnapshot(ctx, d); err != nil {
			errs = append(errs, err)
			continue
		}
		r.log.Info("已恢复用户 Cookie", "domain", d.String(), "cookies", len(snap))
	}
	return errors.Join(errs...)
}

func result(ex *Exchange) *model.RequestResult {
	if ex == nil {
		return &model.RequestResult{}
	}
	return &model.RequestResult{
		Status:      ex.Status,
		Headers:     ex.Headers,
		Body:        ex.Body,
		RedirectURL: ex.Redirect,
	}
}
