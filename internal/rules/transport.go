package rules

import (
	"context"
	"net/http"
	"sync"
)

// Transport 对本进程发出的每个请求套用规则表，并在响应规则生效前截获 Set-Cookie
type Transport struct {
	Base   http.RoundTripper
	Engine *Engine
	Origin string
}

// Capture 单次请求链上截获到的响应信息
type Capture struct {
	mu         sync.Mutex
	setCookies []string
	redirect   string
	hops       int
}

type captureKey struct{}

// WithCapture 在 ctx 上挂载截获器
func WithCapture(ctx context.Context) (context.Context, *Capture) {
	c := &Capture{}
	return context.WithValue(ctx, captureKey{}, c), c
}

func captureFrom(ctx context.Context) *Capture {
	c, _ := ctx.Value(captureKey{}).(*Capture)
	return c
}

// SetCookies 截获到的原始 Set-Cookie 行
func (c *Capture) SetCookies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.setCookies...)
}

// Redirect 首个响应为 302 时的 Location
func (c *Capture) Redirect() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redirect
}

func (c *Capture) record(resp *http.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCookies = append(c.setCookies, resp.Header.Values("Set-Cookie")...)
	if c.hops == 0 && resp.StatusCode == http.StatusFound {
		c.redirect = resp.Header.Get("Location")
	}
	c.hops++
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	mut, err := t.Engine.Eval(req.Context(), EvalContext{URL: req.URL.String(), Initiator: t.Origin})
	if err != nil {
		return nil, err
	}
	if len(mut.RequestHeaders) > 0 {
		req = req.Clone(req.Context())
		ApplyHTTP(req.Header, mut.RequestHeaders)
	}

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if c := captureFrom(req.Context()); c != nil {
		c.record(resp)
	}
	if len(mut.ResponseHeaders) > 0 {
		ApplyHTTP(resp.Header, mut.ResponseHeaders)
	}
	return resp, nil
}
