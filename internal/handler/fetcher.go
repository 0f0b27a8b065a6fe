package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"stockprobe/internal/logger"
	"stockprobe/internal/reconciler"
	"stockprobe/internal/rules"
	"stockprobe/pkg/model"
)

const defaultTimeout = 15 * time.Second

// Fetcher 本进程的出站请求客户端，所有请求经过规则表
type Fetcher struct {
	transport http.RoundTripper
	timeout   time.Duration
	log       logger.Logger
}

// NewFetcher 创建出站客户端，base 为空时使用默认 Transport
func NewFetcher(engine *rules.Engine, origin string, base http.RoundTripper, timeout time.Duration, l logger.Logger) *Fetcher {
	if l == nil {
		l = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{
		transport: &rules.Transport{Base: base, Engine: engine, Origin: origin},
		timeout:   timeout,
		log:       l,
	}
}

// Fetch 发起请求；jar 为空时不读写任何 Cookie 罐
func (f *Fetcher) Fetch(ctx context.Context, job *model.RequestJob, jar http.CookieJar) (*reconciler.Exchange, error) {
	ctx, capture := rules.WithCapture(ctx)

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}
	hc := &http.Client{Transport: f.transport, Jar: jar, Timeout: timeout}
	if !job.FollowRedirects {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	client := resty.NewWithClient(hc).SetLogger(restyLogger{f.log})

	method := job.Method
	if method == "" {
		method = http.MethodGet
	}
	req := client.R().SetContext(ctx)
	if job.Body != "" {
		req.SetBody(job.Body)
	}
	resp, err := req.Execute(strings.ToUpper(method), job.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", job.URL, err)
	}

	headers := make(map[string]string, len(resp.Header()))
	for k, v := range resp.Header() {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	return &reconciler.Exchange{
		Status:     resp.StatusCode(),
		Headers:    headers,
		Body:       resp.String(),
		SetCookies: capture.SetCookies(),
		Redirect:   capture.Redirect(),
	}, nil
}

// restyLogger 将 resty 日志接入统一日志
type restyLogger struct{ l logger.Logger }

func (r restyLogger) Errorf(format string, v ...interface{}) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...interface{})  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...interface{}) { r.l.Debug(fmt.Sprintf(format, v...)) }
