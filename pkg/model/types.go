package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Domain 市场站点编号
type Domain int

const (
	DomainUS Domain = iota + 1
	DomainUK
	DomainDE
	DomainFR
	DomainJP
	DomainCA
	DomainCN
	DomainIT
	DomainES
	DomainIN
	DomainMX
	DomainBR
	DomainAU
	DomainNL
)

var domainCodes = map[Domain]string{
	DomainUS: "US", DomainUK: "UK", DomainDE: "DE", DomainFR: "FR", DomainJP: "JP",
	DomainCA: "CA", DomainCN: "CN", DomainIT: "IT", DomainES: "ES", DomainIN: "IN",
	DomainMX: "MX", DomainBR: "BR", DomainAU: "AU", DomainNL: "NL",
}

var domainTLDs = map[Domain]string{
	DomainUS: "com", DomainUK: "co.uk", DomainDE: "de", DomainFR: "fr", DomainJP: "co.jp",
	DomainCA: "ca", DomainCN: "cn", DomainIT: "it", DomainES: "es", DomainIN: "in",
	DomainMX: "com.mx", DomainBR: "com.br", DomainAU: "com.au", DomainNL: "nl",
}

// AllDomains 返回全部站点
func AllDomains() []Domain {
	out := make([]Domain, 0, len(domainCodes))
	for d := DomainUS; d <= DomainNL; d++ {
		out = append(out, d)
	}
	return out
}

// Valid 是否为已知站点
func (d Domain) Valid() bool {
	_, ok := domainCodes[d]
	return ok
}

func (d Domain) String() string {
	if c, ok := domainCodes[d]; ok {
		return c
	}
	return "D" + strconv.Itoa(int(d))
}

// TLD 站点顶级域名，未知站点回落到 com
func (d Domain) TLD() string {
	if t, ok := domainTLDs[d]; ok {
		return t
	}
	return "com"
}

// ParseDomain 解析站点代码或数字编号
func ParseDomain(s string) (Domain, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		d := Domain(n)
		if !d.Valid() {
			return 0, fmt.Errorf("unknown domain id %d", n)
		}
		return d, nil
	}
	up := strings.ToUpper(s)
	if up == "GB" {
		up = "UK"
	}
	for d, c := range domainCodes {
		if c == up {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown domain %q", s)
}

// UnmarshalYAML 配置中站点可写代码或编号
func (d *Domain) UnmarshalYAML(value *yaml.Node) error {
	v, err := ParseDomain(value.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// UnmarshalJSON 同时接受 "US" 与 1
func (d *Domain) UnmarshalJSON(b []byte) error {
	v, err := ParseDomain(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Cookie 中立的 Cookie 模型
type Cookie struct {
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Domain    string    `json:"domain,omitempty"`
	Path      string    `json:"path,omitempty"`
	Secure    bool      `json:"secure,omitempty"`
	HTTPOnly  bool      `json:"httpOnly,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// IsDeletion 值为删除标记时返回 true
func (c Cookie) IsDeletion() bool {
	return c.Value == "" || c.Value == "-" || c.Value == "delete"
}

// SessionRecord 每个站点的访客会话
type SessionRecord struct {
	Cookies           []Cookie       `json:"cookies"`
	CreatedAt         time.Time      `json:"createdAt"`
	CartQuantityCache map[string]int `json:"cartCache,omitempty"`
	CSRF              string         `json:"csrf,omitempty"`
	CSRFAt            time.Time      `json:"csrfAt,omitempty"`
}

// Clone 深拷贝
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Cookies = append([]Cookie(nil), r.Cookies...)
	if r.CartQuantityCache != nil {
		out.CartQuantityCache = make(map[string]int, len(r.CartQuantityCache))
		for k, v := range r.CartQuantityCache {
			out.CartQuantityCache[k] = v
		}
	}
	return &out
}

type HeaderOperation string

const (
	HeaderSet    HeaderOperation = "set"
	HeaderRemove HeaderOperation = "remove"
	HeaderAppend HeaderOperation = "append"
)

// HeaderOp 单条头部改写
type HeaderOp struct {
	Header    string          `json:"header" yaml:"header"`
	Operation HeaderOperation `json:"operation" yaml:"operation"`
	Value     string          `json:"value,omitempty" yaml:"value,omitempty"`
}

type RuleID int

// RuleCondition 规则匹配范围
type RuleCondition struct {
	URLFilter                string   `json:"urlFilter"`
	InitiatorDomains         []string `json:"initiatorDomains,omitempty"`
	ExcludedInitiatorDomains []string `json:"excludedInitiatorDomains,omitempty"`
}

// RuleAction 规则行为
type RuleAction struct {
	RequestHeaders  []HeaderOp `json:"requestHeaders,omitempty"`
	ResponseHeaders []HeaderOp `json:"responseHeaders,omitempty"`
}

// EphemeralRule 单次请求期间有效的出站改写规则
type EphemeralRule struct {
	ID        RuleID        `json:"id"`
	Priority  int           `json:"priority"`
	Condition RuleCondition `json:"condition"`
	Action    RuleAction    `json:"action"`
}

// Placeholders 头部模板中的占位符取值
type Placeholders struct {
	Origin     string
	Language   string
	Referer    string
	CSRF       string
	ATCCSRF    string
	SlateToken string
}

// RequestJob 一次提交给执行器的网络请求
type RequestJob struct {
	URL             string
	Method          string
	Headers         []HeaderOp
	Placeholders    Placeholders
	Body            string
	Cookies         []Cookie
	IsGuest         bool
	IgnoreCookies   bool
	UserSession     string
	Domain          Domain
	Timeout         time.Duration
	FollowRedirects bool
}

// RequestResult 执行器返回的结果
type RequestResult struct {
	Status      int
	Headers     map[string]string
	Body        string
	Cookies     []Cookie
	RedirectURL string
}

type CartStyle string

const (
	CartDirect      CartStyle = "direct"
	CartAssociative CartStyle = "associative"
)

// StockState 库存任务状态
type StockState int

const (
	StateNew StockState = iota
	StateBootstrapping
	StateCartAction
	StateResolved
)

func (s StockState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateBootstrapping:
		return "BOOTSTRAPPING"
	case StateCartAction:
		return "CART_ACTION"
	case StateResolved:
		return "RESOLVED"
	default:
		return "UNKNOWN"
	}
}

// BootstrapStep 会话初始化子步骤
type BootstrapStep int

const (
	StepNone BootstrapStep = iota
	StepVerifyOffer
	StepGeo
	StepSetAddress
	StepConfirmAddress
)

func (s BootstrapStep) String() string {
	switch s {
	case StepVerifyOffer:
		return "verifyOffer"
	case StepGeo:
		return "geo"
	case StepSetAddress:
		return "setAddress"
	case StepConfirmAddress:
		return "confirmAddress"
	default:
		return "none"
	}
}

// StockRequest 来自界面协作方的库存查询
type StockRequest struct {
	ASIN         string `json:"asin"`
	OfferID      string `json:"offerId"`
	SellerID     string `json:"sellerId"`
	Domain       Domain `json:"domain"`
	MaxQty       int    `json:"maxQty"`
	ForceRefresh bool   `json:"forceRefresh"`
	Host         string `json:"host,omitempty"`
	Referer      string `json:"referer,omitempty"`
	UserSession  string `json:"session,omitempty"`
	ATCCSRF      string `json:"atcCsrf,omitempty"`
	SlateToken   string `json:"slateToken,omitempty"`
	OnlyMaxQty   bool   `json:"onlyMaxQty,omitempty"`
	IsMAP        bool   `json:"isMAP,omitempty"`
}

// StockJob 一次库存查询的内部任务
type StockJob struct {
	GID          string
	ASIN         string
	OfferID      string
	SellerID     string
	Domain       Domain
	RequestedQty int
	ForceRefresh bool
	CartStyle    CartStyle
	Host         string
	Referer      string
	UserSession  string
	CSRF         string
	ATCCSRF      string
	SlateToken   string
	IsRetry      bool
	State        StockState
	Step         BootstrapStep
}

// CorrelationKey 批处理去重键
func (j *StockJob) CorrelationKey() string {
	seller, asin := j.SellerID, j.ASIN
	if seller == "" {
		seller = "defaultSellerId"
	}
	if asin == "" {
		asin = "defaultAsin"
	}
	return seller + "_" + asin
}

// StockResult 库存查询结果或错误
type StockResult struct {
	Stock      int    `json:"stock"`
	OrderLimit int    `json:"orderLimit"`
	Limit      bool   `json:"limit"`
	IsMaxQty   bool   `json:"isMaxQty"`
	Price      int    `json:"price,omitempty"`
	Type       int    `json:"type,omitempty"`
	Location   string `json:"location,omitempty"`
	ItemID     string `json:"itemId,omitempty"`
	ASIN       string `json:"asin,omitempty"`
	SellerID   string `json:"sellerId,omitempty"`
	ErrorCode  int    `json:"errorCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Failed 是否为错误结果
func (r StockResult) Failed() bool { return r.Error != "" || r.ErrorCode > 0 }

// ErrorResult 构造错误结果
func ErrorResult(code int, msg string) StockResult {
	return StockResult{ErrorCode: code, Error: msg}
}

// 错误码，数值保持稳定
const (
	CodeNotInitialized     = 0
	CodeDomainUnsupported  = 1
	CodeNotSubscribed      = 2
	CodeSessionIssue       = 4
	CodeGeoFailed          = 7
	CodeOfferIDStale       = 9
	CodeOfferMismatch      = 10
	CodeOfferVerifyFailed  = 101
	CodeMissingOfferID     = 12
	CodeMissingSellerID    = 45
	CodeCartFailed         = 65
	CodeDirectNoBody       = 66
	CodeAddressSetFailed   = 71
	CodeAddressConfFailed  = 72
	CodeAddressOnlyFailed  = 73
	CodeGeoRequestFailed   = 74
	CodeCartAssocFailed    = 165
	CodeTimeout            = 408
	CodeRateLimited        = 429
	CodeDuplicate          = 444
	CodeUnexpected         = 500
	CodeUnexpectedRequest  = 501
	CodeAssocCSRFError     = 502
	CodeAssocCSRFRequest   = 503
	CodeAssocParseError    = 505
	CodeAssocRequestError  = 506
	CodeStepQueueEmpty     = 509
	CodeExtractionFailed   = 535
	CodeContaminated       = 900
	CodeRequestFailed      = 901
)
