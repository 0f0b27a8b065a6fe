package stock

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"stockprobe/internal/cookies"
	"stockprobe/internal/extract"
	"stockprobe/pkg/model"
)

// 关联购物车中数量超过该值视为会话异常
const maxCartQuantity = 1000

const retryMessage = "Stock retrieval failed for this offer. Try reloading the page after a while. "

// addToCartDirect 直接加购，读取 JSON 响应中的数量
func (r *Runner) addToCartDirect(ctx context.Context, a *attempt) (model.StockResult, error) {
	lead := a.lead
	d := lead.Domain
	guestID := cookies.SessionID(a.cookies)
	if guestID == "" || guestID == lead.UserSession {
		return model.StockResult{}, &Failure{
			Code:    model.CodeSessionIssue,
			Message: fmt.Sprintf("stock session issue: %t %t", guestID != "", guestID != lead.UserSession),
		}
	}

	tpl := r.cfg.AddCart
	addCart := r.cfg.AddCartCodes[d]
	job := r.request(a, tpl, replaceAll(tpl.URL,
		phSessionID, guestID,
		phTLD, d.TLD(),
		phOfferID, lead.OfferID,
		phMarketplace, r.cfg.MarketplaceIDs[d],
		phAddCart, url.QueryEscape(addCart),
		phASIN, lead.ASIN,
	))
	job.Placeholders.CSRF = lead.CSRF
	job.Placeholders.Referer = lead.Referer
	if r.cfg.Mobile {
		job.Placeholders.Referer = "https://" + a.host + "/gp/aw/d/" + lead.ASIN + "/"
	}
	job.Cookies = a.cookies

	body, err := fillBody(tpl.Body,
		[]string{phSessionID, guestID, phCSRF, lead.CSRF, phOfferID, lead.OfferID, phAddCart, addCart, phASIN, lead.ASIN},
		[]string{phSessionID, guestID, phCSRF, url.QueryEscape(lead.CSRF), phOfferID, lead.OfferID, phAddCart, url.QueryEscape(addCart), phASIN, lead.ASIN},
	)
	if err != nil {
		return model.StockResult{}, &Failure{Code: model.CodeUnexpected, Message: "An error occurred during stock retrieval", Err: err}
	}
	job.Body = body

	res, err := r.do(ctx, job)
	switch {
	case err != nil && isTerminal(err):
		return model.StockResult{}, err
	case err != nil && internalError(err):
		return model.StockResult{}, &Failure{Code: model.CodeUnexpectedRequest, Message: "An error occurred during stock retrieval", Err: err}
	case err != nil || res.Body == "":
		r.sessions.SetAddressKnown(0)
		status := 0
		if res != nil {
			status = res.Status
		}
		return model.StockResult{}, &Failure{
			Code:    model.CodeDirectNoBody,
			Message: fmt.Sprintf("(%d) Stock retrieval failed for this offer. Try reloading the page or restarting your browser if the issue persists. ", status),
			Err:     err,
		}
	}

	if res.Status != http.StatusOK && res.Status != http.StatusUnprocessableEntity {
		return model.StockResult{}, &Failure{Code: res.Status, Message: retryMessage}
	}
	if !gjson.Valid(res.Body) {
		return model.StockResult{}, &Failure{Code: model.CodeUnexpected, Message: "An error occurred during stock retrieval"}
	}
	item := gjson.Get(res.Body, "entity.items.0")
	qty := item.Get("quantity")
	if !item.Exists() || !qty.Exists() {
		return model.StockResult{}, &Failure{Code: model.CodeUnexpected, Message: "An error occurred during stock retrieval"}
	}
	limited := false
	if msg := item.Get("responseMessage"); msg.Exists() {
		_, limited = extract.Match(r.cfg.LimitPattern, msg.Raw)
	}
	return model.StockResult{
		Stock:      int(qty.Int()),
		OrderLimit: -1,
		Limit:      limited,
		Price:      -3,
		Type:       1,
		ASIN:       lead.ASIN,
		SellerID:   lead.SellerID,
	}, nil
}

// fillBody 代入请求体占位符。JSON 请求体按字符串字段逐个改写以保持转义正确，其余按表单文本替换
func fillBody(body string, jsonPairs, formPairs []string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return replaceAll(body, formPairs...), nil
	}
	repl := strings.NewReplacer(jsonPairs...)
	type edit struct{ path, value string }
	var edits []edit
	var walk func(prefix string, v gjson.Result)
	walk = func(prefix string, v gjson.Result) {
		switch {
		case v.IsObject(), v.IsArray():
			i := 0
			array := v.IsArray()
			v.ForEach(func(k, child gjson.Result) bool {
				key := strconv.Itoa(i)
				if !array {
					key = escapePath(k.String())
				}
				i++
				if prefix != "" {
					key = prefix + "." + key
				}
				walk(key, child)
				return true
			})
		case v.Type == gjson.String:
			if nv := repl.Replace(v.Str); nv != v.Str {
				edits = append(edits, edit{prefix, nv})
			}
		}
	}
	walk("", gjson.Parse(trimmed))

	out := trimmed
	for _, e := range edits {
		var err error
		if out, err = sjson.Set(out, e.path, e.value); err != nil {
			return "", fmt.Errorf("fill body %s: %w", e.path, err)
		}
	}
	return out, nil
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)

func escapePath(key string) string { return pathEscaper.Replace(key) }

// addToCartAssoc 关联购物车：取得 CSRF 后一次加入整批报价，再从购物车页读出各行数量
func (r *Runner) addToCartAssoc(ctx context.Context, a *attempt) ([]model.StockResult, error) {
	lead := a.lead
	d := lead.Domain
	tld := d.TLD()

	createURL := replaceAll(r.cfg.CreateCart.URL, phTLD, tld, phTag, r.cfg.Tags[d]) + "&Quantity.1=1&ASIN.1=" + lead.ASIN
	csrf, ok := r.sessions.CSRF(d)
	if !ok {
		job := r.request(a, r.cfg.CreateCart, createURL)
		job.Cookies = a.cookies

		res, err := r.do(ctx, job)
		switch {
		case err != nil && isTerminal(err):
			return nil, err
		case err != nil && internalError(err):
			return nil, &Failure{Code: model.CodeAssocCSRFRequest, Message: "An error occurred during stock retrieval", Err: err}
		case err != nil || res.Status != http.StatusOK || res.Body == "":
			r.sessions.SetAddressKnown(0)
			status := 0
			if res != nil {
				status = res.Status
			}
			return nil, &Failure{
				Code:    model.CodeCartFailed,
				Message: fmt.Sprintf("(%d) Stock retrieval failed for this offer. Try reloading the page or restarting your browser if the issue persists", status),
				Purge:   true,
				Err:     err,
			}
		}
		token, found := extract.Match(r.cfg.CSRFAssoc, res.Body)
		if !found {
			return nil, &Failure{Code: res.Status, Message: retryMessage}
		}
		csrf = token
		if cookies.SessionID(res.Cookies) != "" {
			a.cookies = res.Cookies
		}
		if err := r.sessions.SetCSRF(ctx, d, csrf); err != nil {
			return nil, &Failure{Code: model.CodeAssocCSRFError, Message: "An error occurred during stock retrieval", Err: err}
		}
	}

	asins := make([]string, len(a.batch))
	sellers := make([]string, len(a.batch))
	var body strings.Builder
	for i, j := range a.batch {
		n := strconv.Itoa(i + 1)
		asins[i], sellers[i] = j.ASIN, j.SellerID
		body.WriteString("OfferListingId." + n + "=" + url.QueryEscape(j.OfferID) + "&")
		body.WriteString("ASIN." + n + "=" + url.QueryEscape(j.ASIN) + "&")
		body.WriteString("Quantity." + n + "=" + strconv.Itoa(r.cfg.StockQty) + "&")
	}
	body.WriteString("anti-csrftoken-a2z=" + url.QueryEscape(csrf))

	tpl := r.cfg.AddCartAssoc
	job := r.request(a, tpl, replaceAll(tpl.URL, phTLD, tld))
	job.Method = http.MethodPost
	job.Body = body.String()
	job.FollowRedirects = true
	job.Placeholders.Referer = createURL
	job.Cookies = a.cookies

	res, err := r.do(ctx, job)
	switch {
	case err != nil && isTerminal(err):
		return nil, err
	case err != nil && internalError(err):
		return nil, &Failure{Code: model.CodeAssocRequestError, Message: "An error occurred during stock retrieval", Err: err}
	case err != nil || res.Status != http.StatusOK:
		r.sessions.SetAddressKnown(0)
		return nil, &Failure{
			Code:    model.CodeCartAssocFailed,
			Message: "Stock retrieval failed for this offer. Try reloading the page or restarting your browser if the issue persists. ",
			Purge:   true,
			Err:     err,
		}
	}

	items, err := extract.CartItems(res.Body, asins, sellers)
	if err != nil {
		return nil, &Failure{Code: model.CodeAssocParseError, Message: "An error occurred during stock retrieval", Err: err}
	}
	location, _ := extract.Match(r.cfg.LocationPattern, res.Body)

	out := make([]model.StockResult, len(items))
	seen := make(map[string]int, len(items))
	poisoned := false
	for i, it := range items {
		if !it.Found || poisoned {
			out[i] = notFound(it)
			continue
		}
		qty := it.Quantity
		if cached, ok := r.sessions.CartQuantity(d, it.ItemID); ok {
			qty = cached
		}
		if qty > maxCartQuantity {
			poisoned = true
			if err := r.sessions.Purge(ctx, d); err != nil {
				r.log.Err(err, "清除站点会话失败", "domain", d.String())
			}
			out[i] = notFound(it)
			continue
		}
		seen[it.ItemID] = qty
		out[i] = model.StockResult{
			Stock:      qty,
			OrderLimit: -1,
			Price:      it.Price,
			Type:       2,
			Location:   location,
			ItemID:     it.ItemID,
			ASIN:       it.ASIN,
			SellerID:   it.SellerID,
		}
	}
	if !poisoned {
		if err := r.sessions.SetCartQuantities(ctx, d, seen); err != nil {
			r.log.Err(err, "保存购物车数量缓存失败", "domain", d.String())
		}
	}
	return out, nil
}

func notFound(it extract.CartItem) model.StockResult {
	res := model.ErrorResult(model.CodeExtractionFailed, "Offer not found")
	res.ASIN, res.SellerID = it.ASIN, it.SellerID
	return res
}
