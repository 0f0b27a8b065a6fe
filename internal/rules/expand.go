package rules

import (
	"strings"

	"stockprobe/pkg/model"
)

// 头部模板占位符
const (
	PhOrigin  = "{ORIGIN}"
	PhLang    = "{LANG}"
	PhReferer = "{REFERER}"
	PhCSRF    = "{CSRF}"
	PhATCCSRF = "{ATCCSRF}"
	PhSToken  = "{STOKEN}"
	PhCookie  = "{COOKIE}"
)

// ExpandOptions 展开头部模板所需的上下文
type ExpandOptions struct {
	Placeholders model.Placeholders
	// Host 目标主机，{ORIGIN} 未指定时回落到它
	Host string
	// Cookie 组装好的 Cookie 头，为空表示不可用
	Cookie string
	Guest  bool
	// SuppressSetCookie 具备截获能力时丢弃入站 Set-Cookie
	SuppressSetCookie bool
}

// Expand 代入占位符并生成最终的规则动作。
// Cookie 头在有值时 set，否则变为 remove；访客请求缺少 Cookie 操作时自动补上。
func Expand(tpl []model.HeaderOp, opts ExpandOptions) model.RuleAction {
	ph := opts.Placeholders
	origin := ph.Origin
	if origin == "" {
		origin = opts.Host
	}
	r := strings.NewReplacer(
		PhOrigin, origin,
		PhLang, orKeep(ph.Language, PhLang),
		PhReferer, orKeep(ph.Referer, PhReferer),
		PhCSRF, orKeep(ph.CSRF, PhCSRF),
		PhATCCSRF, orKeep(ph.ATCCSRF, PhATCCSRF),
		PhSToken, orKeep(ph.SlateToken, PhSToken),
	)

	var act model.RuleAction
	hasCookie := false
	for _, op := range tpl {
		if op.Operation != model.HeaderSet {
			act.RequestHeaders = append(act.RequestHeaders, op)
			continue
		}
		if strings.EqualFold(op.Header, "cookie") {
			hasCookie = true
			if opts.Cookie != "" {
				op.Value = strings.ReplaceAll(op.Value, PhCookie, opts.Cookie)
			} else {
				op = model.HeaderOp{Header: op.Header, Operation: model.HeaderRemove}
			}
			act.RequestHeaders = append(act.RequestHeaders, op)
			continue
		}
		op.Value = r.Replace(op.Value)
		act.RequestHeaders = append(act.RequestHeaders, op)
	}

	if opts.Guest && !hasCookie {
		if opts.Cookie != "" {
			act.RequestHeaders = append(act.RequestHeaders, model.HeaderOp{Header: "Cookie", Operation: model.HeaderSet, Value: opts.Cookie})
		} else {
			act.RequestHeaders = append(act.RequestHeaders, model.HeaderOp{Header: "Cookie", Operation: model.HeaderRemove})
		}
	}
	if opts.Guest && opts.SuppressSetCookie {
		act.ResponseHeaders = []model.HeaderOp{{Header: "Set-Cookie", Operation: model.HeaderRemove}}
	}
	return act
}

// 未提供的占位符原样保留
func orKeep(v, ph string) string {
	if v == "" {
		return ph
	}
	return v
}

// StripClientHints 用户身份请求去掉浏览器特征头
func StripClientHints(act model.RuleAction) model.RuleAction {
	drop := map[string]bool{"sec-ch-ua-platform": true, "sec-ch-ua": true, "user-agent": true, "sec-ch-ua-mobile": true}
	out := act
	out.RequestHeaders = nil
	for _, op := range act.RequestHeaders {
		if !drop[strings.ToLower(op.Header)] {
			out.RequestHeaders = append(out.RequestHeaders, op)
		}
	}
	return out
}

// GuardAction 外部流量保护动作：保持用户自己的 Cookie 头并丢弃入站 Set-Cookie
func GuardAction(userCookie string) model.RuleAction {
	act := model.RuleAction{
		ResponseHeaders: []model.HeaderOp{{Header: "Set-Cookie", Operation: model.HeaderRemove}},
	}
	if userCookie != "" {
		act.RequestHeaders = []model.HeaderOp{{Header: "Cookie", Operation: model.HeaderSet, Value: userCookie}}
	} else {
		act.RequestHeaders = []model.HeaderOp{{Header: "Cookie", Operation: model.HeaderRemove}}
	}
	return act
}
