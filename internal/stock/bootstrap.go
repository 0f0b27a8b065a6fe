package stock

import (
	"context"
	"net/http"
	"strings"

	"stockprobe/internal/extract"
	"stockprobe/pkg/model"
)

// geo 打开地址页并抓取 CSRF
func (r *Runner) geo(ctx context.Context, a *attempt) error {
	url := "https://" + a.host + r.cfg.Geo.URL
	job := r.request(a, r.cfg.Geo, url)

	res, err := r.do(ctx, job)
	if err != nil {
		return a.stepFailure(err, model.CodeGeoRequestFailed, true)
	}
	if v, ok := extract.Match(r.cfg.CSRFGeo, res.Body); ok {
		a.csrf = v
	}

	switch {
	case res.Status == http.StatusOK:
		a.cookies = res.Cookies
		a.referer = url
		return nil
	case res.Status == http.StatusTooManyRequests && !a.lead.IsRetry:
		return &Failure{Code: model.CodeRateLimited, Message: a.mainMessage(), Retry: true}
	case res.Status == http.StatusTooManyRequests:
		return &Failure{Code: model.CodeRateLimited, Message: a.mainMessage()}
	default:
		return &Failure{Code: model.CodeGeoFailed, Message: a.mainMessage(), Purge: true}
	}
}

// setAddress 提交地址变更
func (r *Runner) setAddress(ctx context.Context, a *attempt) error {
	job := r.request(a, r.cfg.SetAddress, "https://"+a.host+r.cfg.SetAddress.URL)
	job.Placeholders.Referer = a.referer
	job.Placeholders.CSRF = a.csrf
	job.Cookies = a.cookies

	res, err := r.do(ctx, job)
	if err != nil {
		return a.stepFailure(err, model.CodeAddressSetFailed, true)
	}
	a.csrf, _ = extract.Match(r.cfg.CSRFSetAddress, res.Body)
	a.cookies = res.Cookies
	return nil
}

// confirmAddress 确认地址；addressOnly 时站点地址已知，仅重放确认请求
func (r *Runner) confirmAddress(ctx context.Context, a *attempt, addressOnly bool) error {
	d := a.lead.Domain
	tpl := r.cfg.AddressChange
	job := r.request(a, tpl, "https://"+a.host+tpl.URL)
	job.Body = strings.ReplaceAll(tpl.Body, phZipCode, r.cfg.ZipCodes[d])
	if !addressOnly {
		job.Placeholders.Referer = a.referer
		job.Placeholders.CSRF = a.csrf
		job.Cookies = a.cookies
	}

	res, err := r.do(ctx, job)
	if err != nil {
		if addressOnly {
			return a.stepFailure(err, model.CodeAddressOnlyFailed, false)
		}
		return a.stepFailure(err, model.CodeAddressConfFailed, true)
	}
	a.cookies = res.Cookies
	r.sessions.SetAddressKnown(d)
	return nil
}

// verifyOffer 打开报价页，校验卖家并刷新 CSRF 与报价编号
func (r *Runner) verifyOffer(ctx context.Context, a *attempt) error {
	lead := a.lead
	tpl := r.cfg.Offer
	url := replaceAll(tpl.URL, phOrigin, a.host, phASIN, lead.ASIN, phSellerID, lead.SellerID)
	if !strings.HasPrefix(url, "http") {
		url = "https://" + url
	}
	job := r.request(a, tpl, url)
	if rec, ok := r.sessions.Get(lead.Domain); ok {
		job.Cookies = rec.Cookies
	} else {
		job.Cookies = a.cookies
	}

	res, err := r.do(ctx, job)
	if err != nil {
		return a.stepFailure(err, model.CodeOfferVerifyFailed, true)
	}
	mismatch := &Failure{
		Code:    model.CodeOfferMismatch,
		Message: "stock retrieval failed for offer: " + lead.ASIN + " id: " + lead.GID + " mismatch oid.",
		Purge:   true,
	}
	if _, ok := extract.Match(strings.ReplaceAll(r.cfg.SellerVerify, phSellerID, lead.SellerID), res.Body); !ok {
		return mismatch
	}
	csrf, ok := extract.FirstMatch(r.cfg.CSRFOffer, res.Body)
	if !ok {
		return mismatch
	}
	offerID, ok := extract.FirstMatch(r.cfg.OfferIDPatterns, res.Body)
	if !ok {
		return mismatch
	}
	lead.CSRF = csrf
	lead.OfferID = offerID
	if len(res.Cookies) > 0 {
		a.cookies = res.Cookies
	}
	return nil
}
