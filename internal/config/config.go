package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"stockprobe/pkg/model"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "STOCKPROBE"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version" envconfig:"VERSION"`

	// Store 持久化后端：sqlite / redis / memory
	Store string `yaml:"store" envconfig:"STORE"`

	Sqlite Sqlite `yaml:"sqlite"`
	Redis  Redis  `yaml:"redis"`
	Log    Log    `yaml:"log"`

	Browser Browser `yaml:"browser"`

	// Origin 本进程发起请求时使用的 initiator
	Origin string `yaml:"origin" envconfig:"ORIGIN"`

	// Interception 是否具备非破坏式 Cookie 截获能力
	Interception bool `yaml:"interception" envconfig:"INTERCEPTION"`

	Server Server `yaml:"server"`
	Stock  Stock  `yaml:"stock"`
}

type Sqlite struct {
	Dsn    string `yaml:"dsn" envconfig:"DSN"`
	Prefix string `yaml:"prefix" envconfig:"PREFIX"`
}

type Redis struct {
	Addr     string `yaml:"addr" envconfig:"ADDR"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB"`
	Prefix   string `yaml:"prefix" envconfig:"PREFIX"`
}

type Log struct {
	Level  string   `yaml:"level" envconfig:"LEVEL"`
	Writer []string `yaml:"writer" envconfig:"WRITER"`
	File   string   `yaml:"file" envconfig:"FILE"`
}

// Browser 宿主浏览器（DevTools）连接，留空时使用内存 Cookie 罐
type Browser struct {
	DevToolsURL string `yaml:"devToolsURL" envconfig:"DEVTOOLS_URL"`
	Guard       bool   `yaml:"guard" envconfig:"GUARD"`
}

type Server struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`
}

// RequestTemplate 单步请求模板，URL 与 Body 中可含占位符
type RequestTemplate struct {
	URL             string           `yaml:"url"`
	Method          string           `yaml:"method"`
	Body            string           `yaml:"body"`
	Headers         []model.HeaderOp `yaml:"headers"`
	FollowRedirects bool             `yaml:"followRedirects"`
}

// Empty 模板未下发
func (t RequestTemplate) Empty() bool { return t.URL == "" }

// Stock 库存查询相关配置
type Stock struct {
	Subscribed   bool `yaml:"subscribed" envconfig:"SUBSCRIBED"`
	CartDisabled bool `yaml:"cartDisabled" envconfig:"CART_DISABLED"`
	// Batch 为真时走关联购物车 + 批处理调度，否则走直接加购 + 顺序调度
	Batch    bool `yaml:"batch" envconfig:"BATCH"`
	GeoRetry bool `yaml:"geoRetry" envconfig:"GEO_RETRY"`
	Mobile   bool `yaml:"mobile" envconfig:"MOBILE"`

	Geo           RequestTemplate `yaml:"geo" ignored:"true"`
	SetAddress    RequestTemplate `yaml:"setAddress" ignored:"true"`
	AddressChange RequestTemplate `yaml:"addressChange" ignored:"true"`
	AddCart       RequestTemplate `yaml:"addCart" ignored:"true"`
	CreateCart    RequestTemplate `yaml:"createCart" ignored:"true"`
	AddCartAssoc  RequestTemplate `yaml:"addCartAssoc" ignored:"true"`
	Offer         RequestTemplate `yaml:"offer" ignored:"true"`

	CSRFGeo         string   `yaml:"csrfGeo" ignored:"true"`
	CSRFSetAddress  string   `yaml:"csrfSetAddress" ignored:"true"`
	CSRFAssoc       string   `yaml:"csrfAssoc" ignored:"true"`
	CSRFOffer       []string `yaml:"csrfOffer" ignored:"true"`
	OfferIDPatterns []string `yaml:"offerIdPatterns" ignored:"true"`
	SellerVerify    string   `yaml:"sellerVerify" ignored:"true"`
	LimitPattern    string   `yaml:"limitPattern" ignored:"true"`
	LocationPattern string   `yaml:"locationPattern" ignored:"true"`
	CookieOrder     []string `yaml:"cookieOrder" ignored:"true"`

	Disabled       map[model.Domain]bool   `yaml:"disabled" ignored:"true"`
	ZipCodes       map[model.Domain]string `yaml:"zipCodes" ignored:"true"`
	Tags           map[model.Domain]string `yaml:"tags" ignored:"true"`
	MarketplaceIDs map[model.Domain]string `yaml:"marketplaceIds" ignored:"true"`
	LanguageCodes  map[model.Domain]string `yaml:"languageCodes" ignored:"true"`
	AddCartCodes   map[model.Domain]string `yaml:"addCartCodes" ignored:"true"`

	StockQty int `yaml:"stockQty" envconfig:"STOCK_QTY"`
	MaxQty   int `yaml:"maxQty" envconfig:"MAX_QTY"`

	FreshFor       time.Duration `yaml:"freshFor" envconfig:"FRESH_FOR"`
	SchemaEpochMs  int64         `yaml:"schemaEpochMs" envconfig:"SCHEMA_EPOCH_MS"`
	CSRFTTL        time.Duration `yaml:"csrfTTL" envconfig:"CSRF_TTL"`
	RateLimitDelay time.Duration `yaml:"rateLimitDelay" envconfig:"RATE_LIMIT_DELAY"`
	Debounce       time.Duration `yaml:"debounce" envconfig:"DEBOUNCE"`
	JobDelay       time.Duration `yaml:"jobDelay" envconfig:"JOB_DELAY"`
	SellerLockout  time.Duration `yaml:"sellerLockout" envconfig:"SELLER_LOCKOUT"`
	RequestTimeout time.Duration `yaml:"requestTimeout" envconfig:"REQUEST_TIMEOUT"`

	Timeouts Timeouts `yaml:"timeouts"`
}

// Timeouts 调度器超时预算，随队列深度增长，封顶 Max
type Timeouts struct {
	Idle           time.Duration `yaml:"idle" envconfig:"IDLE"`
	SequentialStep time.Duration `yaml:"sequentialStep" envconfig:"SEQUENTIAL_STEP"`
	BatchBase      time.Duration `yaml:"batchBase" envconfig:"BATCH_BASE"`
	BatchStep      time.Duration `yaml:"batchStep" envconfig:"BATCH_STEP"`
	Max            time.Duration `yaml:"max" envconfig:"MAX"`
}

// Initialized 模板是否已配置
func (s *Stock) Initialized() bool {
	return !s.Geo.Empty() && !s.AddressChange.Empty() && (!s.AddCart.Empty() || !s.CreateCart.Empty())
}

// DomainEnabled 站点是否启用库存查询
func (s *Stock) DomainEnabled(d model.Domain) bool {
	if !d.Valid() {
		return false
	}
	return !s.Disabled[d]
}

// Language 站点语言，缺省 en-US
func (s *Stock) Language(d model.Domain) string {
	if v, ok := s.LanguageCodes[d]; ok && v != "" {
		return v
	}
	return "en-US"
}

// SchemaEpoch 会话记录最早可接受的创建时间
func (s *Stock) SchemaEpoch() time.Time {
	return time.UnixMilli(s.SchemaEpochMs)
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Store:   "sqlite",
		Sqlite: Sqlite{
			Dsn:    "stockprobe.sqlite3",
			Prefix: "stockprobe_",
		},
		Redis: Redis{
			Addr:   "127.0.0.1:6379",
			Prefix: "stockprobe:",
		},
		Log: Log{
			Level:  "debug",
			Writer: []string{"console", "file"},
			File:   "logs/stockprobe.log",
		},
		Origin: "stockprobe.local",
		Server: Server{Addr: ":8108"},
		Stock: Stock{
			StockQty:       999,
			MaxQty:         999,
			CookieOrder:    []string{"session-id", "session-id-time", "i18n-prefs", "skin", "ubid-main", "sp-cdn", "session-token"},
			FreshFor:       8 * time.Hour,
			SchemaEpochMs:  1729806460708,
			CSRFTTL:        10 * time.Minute,
			RateLimitDelay: 1156 * time.Millisecond,
			Debounce:       100 * time.Millisecond,
			SellerLockout:  60 * time.Second,
			RequestTimeout: 15 * time.Second,
			Timeouts: Timeouts{
				Idle:           16 * time.Second,
				SequentialStep: 3 * time.Second,
				BatchBase:      15 * time.Second,
				BatchStep:      6 * time.Second,
				Max:            60 * time.Second,
			},
		},
	}
}

// Load 读取 YAML 配置文件（可不存在），再以 STOCKPROBE_* 环境变量覆盖
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	return cfg, nil
}
