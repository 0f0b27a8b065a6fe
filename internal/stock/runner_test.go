package stock

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"stockprobe/internal/config"
	"stockprobe/internal/reconciler"
	"stockprobe/internal/session"
	"stockprobe/internal/storage"
	"stockprobe/pkg/model"
)

const (
	userID  = "130-1111111-1111111"
	guestID = "132-2222222-2222222"
)

func guestCookies(id string) []model.Cookie {
	return []model.Cookie{{Name: "session-id", Value: id, Path: "/"}, {Name: "ubid-main", Value: "131-0000000-0000000", Path: "/"}}
}

// fakeExec 按请求路径返回预置响应，并像调和器一样记录访客 Cookie
type fakeExec struct {
	sessions *session.Manager
	respond  func(path string, job *model.RequestJob) (*model.RequestResult, error)

	mu    sync.Mutex
	calls []*model.RequestJob
}

func (f *fakeExec) Do(ctx context.Context, job *model.RequestJob) (*model.RequestResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, job)
	f.mu.Unlock()

	u, _ := url.Parse(job.URL)
	res, err := f.respond(u.Path, job)
	if err == nil && res != nil && len(res.Cookies) > 0 {
		_ = f.sessions.Observe(ctx, job.Domain, res.Cookies)
	}
	return res, err
}

func (f *fakeExec) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		u, _ := url.Parse(c.URL)
		out[i] = u.Path
	}
	return out
}

func (f *fakeExec) call(path string) *model.RequestJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		u, _ := url.Parse(c.URL)
		if u.Path == path {
			return c
		}
	}
	return nil
}

func testStockConfig() *config.Stock {
	c := config.NewConfig().Stock
	c.Subscribed = true
	c.Geo = config.RequestTemplate{URL: "/geo", Headers: []model.HeaderOp{{Header: "Origin", Operation: model.HeaderSet, Value: "https://{ORIGIN}"}}}
	c.SetAddress = config.RequestTemplate{URL: "/set-address", Method: "POST"}
	c.AddressChange = config.RequestTemplate{URL: "/address-change", Method: "POST", Body: "zipCode={ZIPCODE}"}
	c.AddCart = config.RequestTemplate{
		URL:    "https://www.amazon.{TLD}/cart/add?session={SESSION_ID}&offer={OFFER_ID}&asin={ASIN}&mp={MARKETPLACE}&c={ADDCART}",
		Method: "POST",
		Body:   `{"items":[{"asin":"{ASIN}","offerListingId":"{OFFER_ID}"}],"csrf":"{CSRF}"}`,
	}
	c.CreateCart = config.RequestTemplate{URL: "https://www.amazon.{TLD}/gp/aws/cart/add.html?AssociateTag={TAG}"}
	c.AddCartAssoc = config.RequestTemplate{URL: "https://www.amazon.{TLD}/cart/add-assoc"}
	c.Offer = config.RequestTemplate{URL: "{ORIGIN}/gp/offer/{ASIN}?seller={SID}"}
	c.CSRFGeo = `csrf="([^"]+)"`
	c.CSRFSetAddress = `token="([^"]+)"`
	c.CSRFAssoc = `name="anti-csrftoken-a2z" value="([^"]+)"`
	c.CSRFOffer = []string{`nomatch="([^"]+)"`, `offer-csrf="([^"]+)"`}
	c.OfferIDPatterns = []string{`name="offeringID" value="([^"]+)"`}
	c.SellerVerify = `seller={SID}`
	c.LimitPattern = `limit`
	c.LocationPattern = `ships-from="([^"]+)"`
	c.ZipCodes = map[model.Domain]string{model.DomainUS: "10001"}
	c.Tags = map[model.Domain]string{model.DomainUS: "tag-20"}
	c.MarketplaceIDs = map[model.Domain]string{model.DomainUS: "ATVPDKIKX0DER"}
	c.AddCartCodes = map[model.Domain]string{model.DomainUS: "a&b"}
	return &c
}

func newSessions() *session.Manager {
	return session.NewManager(storage.NewMemoryStore(), session.Options{
		FreshFor:    8 * time.Hour,
		SchemaEpoch: time.UnixMilli(1729806460708),
		CSRFTTL:     10 * time.Minute,
	}, nil)
}

type runnerRig struct {
	cfg      *config.Stock
	sessions *session.Manager
	exec     *fakeExec
	runner   *Runner
}

func newRunnerRig(respond func(path string, job *model.RequestJob) (*model.RequestResult, error)) *runnerRig {
	cfg := testStockConfig()
	sessions := newSessions()
	exec := &fakeExec{sessions: sessions, respond: respond}
	return &runnerRig{cfg: cfg, sessions: sessions, exec: exec, runner: NewRunner(exec, sessions, cfg, nil)}
}

func directJob() *model.StockJob {
	return &model.StockJob{
		GID: "abcd1234", ASIN: "B000000001", OfferID: "OFFER1", SellerID: "SELLER1",
		Domain: model.DomainUS, RequestedQty: 5, CartStyle: model.CartDirect,
		UserSession: userID, CSRF: "page-csrf", Referer: "https://www.amazon.com/dp/B000000001",
	}
}

func ok(body string, cs ...model.Cookie) (*model.RequestResult, error) {
	return &model.RequestResult{Status: http.StatusOK, Body: body, Cookies: cs}, nil
}

const cartJSON = `{"entity":{"items":[{"quantity":7,"responseMessage":{"text":"purchase limit reached"}}]}}`

func TestRunBootstrapThenDirectCart(t *testing.T) {
	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		switch path {
		case "/geo":
			return ok(`<form csrf="geo-token">`, guestCookies(guestID)...)
		case "/set-address":
			return ok(`{"token="set-token"}`, guestCookies(guestID)...)
		case "/address-change":
			return ok(`{}`, guestCookies(guestID)...)
		case "/cart/add":
			return ok(cartJSON, guestCookies(guestID)...)
		}
		return nil, assert.AnError
	})
	job := directJob()

	res, err := rig.runner.Run(context.Background(), []*model.StockJob{job})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, 7, res[0].Stock)
	assert.True(t, res[0].Limit)
	assert.Equal(t, -1, res[0].OrderLimit)
	assert.Equal(t, -3, res[0].Price)
	assert.Equal(t, 1, res[0].Type)
	assert.Equal(t, model.StateResolved, job.State)

	assert.Equal(t, []string{"/geo", "/set-address", "/address-change", "/cart/add"}, rig.exec.paths())

	geo := rig.exec.call("/geo")
	assert.Equal(t, "https://www.amazon.com/geo", geo.URL)
	assert.True(t, geo.IsGuest)
	assert.Empty(t, geo.Cookies)
	assert.Equal(t, "www.amazon.com", geo.Placeholders.Origin)
	assert.Equal(t, userID, geo.UserSession)

	set := rig.exec.call("/set-address")
	assert.Equal(t, "geo-token", set.Placeholders.CSRF)
	assert.Equal(t, "https://www.amazon.com/geo", set.Placeholders.Referer)
	assert.Equal(t, guestCookies(guestID), set.Cookies)

	change := rig.exec.call("/address-change")
	assert.Equal(t, "set-token", change.Placeholders.CSRF)
	assert.Equal(t, "zipCode=10001", change.Body)

	cart := rig.exec.call("/cart/add")
	assert.Contains(t, cart.URL, "session="+guestID)
	assert.Contains(t, cart.URL, "offer=OFFER1")
	assert.Contains(t, cart.URL, "mp=ATVPDKIKX0DER")
	assert.Contains(t, cart.URL, "c=a%26b")
	assert.Equal(t, "page-csrf", cart.Placeholders.CSRF)
	assert.Equal(t, job.Referer, cart.Placeholders.Referer)
	assert.Equal(t, "OFFER1", gjson.Get(cart.Body, "items.0.offerListingId").String())
	assert.Equal(t, "page-csrf", gjson.Get(cart.Body, "csrf").String())

	assert.True(t, rig.sessions.AddressKnown(model.DomainUS))
	_, fresh := rig.sessions.Fresh(model.DomainUS)
	assert.True(t, fresh)
}

func TestRunFreshSessionSkipsBootstrap(t *testing.T) {
	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		return ok(cartJSON)
	})
	require.NoError(t, rig.sessions.Observe(context.Background(), model.DomainUS, guestCookies(guestID)))

	res, err := rig.runner.Run(context.Background(), []*model.StockJob{directJob()})
	require.NoError(t, err)
	assert.Equal(t, 7, res[0].Stock)
	assert.Equal(t, []string{"/cart/add"}, rig.exec.paths())
	assert.Equal(t, guestCookies(guestID), rig.exec.call("/cart/add").Cookies)
}

func TestRunAddressKnownConfirmsOnly(t *testing.T) {
	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		if path == "/address-change" {
			return ok(`{}`, guestCookies(guestID)...)
		}
		return ok(cartJSON)
	})
	rig.sessions.SetAddressKnown(model.DomainUS)

	_, err := rig.runner.Run(context.Background(), []*model.StockJob{directJob()})
	require.NoError(t, err)
	assert.Equal(t, []string{"/address-change", "/cart/add"}, rig.exec.paths())
	change := rig.exec.call("/address-change")
	assert.Empty(t, change.Cookies)
	assert.Empty(t, change.Placeholders.CSRF)
	assert.Equal(t, "zipCode=10001", change.Body)
}

func TestRunAddressOnlyFailure(t *testing.T) {
	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		return nil, assert.AnError
	})
	rig.sessions.SetAddressKnown(model.DomainUS)

	_, err := rig.runner.Run(context.Background(), []*model.StockJob{directJob()})
	f := AsFailure(err)
	assert.Equal(t, model.CodeAddressOnlyFailed, f.Code)
	assert.False(t, f.Purge)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRunGeoRateLimited(t *testing.T) {
	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		return &model.RequestResult{Status: http.StatusTooManyRequests}, nil
	})

	_, err := rig.runner.Run(context.Background(), []*model.StockJob{directJob()})
	f := AsFailure(err)
	assert.Equal(t, model.CodeRateLimited, f.Code)
	assert.True(t, f.Retry)

	job := directJob()
	job.IsRetry = true
	_, err = rig.runner.Run(context.Background(), []*model.StockJob{job})
	f = AsFailure(err)
	assert.Equal(t, model.CodeRateLimited, f.Code)
	assert.False(t, f.Retry)
}

func TestRunBootstrapFailureCodes(t *testing.T) {
	cases := []struct {
		name    string
		failAt  string
		status  int
		code    int
		purge   bool
		netFail bool
	}{
		{"geo status", "/geo", http.StatusServiceUnavailable, model.CodeGeoFailed, true, false},
		{"geo request", "/geo", 0, model.CodeGeoRequestFailed, true, true},
		{"set address", "/set-address", 0, model.CodeAddressSetFailed, true, true},
		{"address change", "/address-change", 0, model.CodeAddressConfFailed, true, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
				if path == c.failAt {
					if c.netFail {
						return nil, assert.AnError
					}
					return &model.RequestResult{Status: c.status}, nil
				}
				return ok(`{}`, guestCookies(guestID)...)
			})
			job := directJob()
			_, err := rig.runner.Run(context.Background(), []*model.StockJob{job})
			f := AsFailure(err)
			assert.Equal(t, c.code, f.Code)
			assert.Equal(t, c.purge, f.Purge)
			assert.Equal(t, model.StateResolved, job.State)
			_, has := rig.sessions.Get(model.DomainUS)
			assert.False(t, has)
		})
	}
}

func TestRunContaminationAndLockout(t *testing.T) {
	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		return &model.RequestResult{Status: reconciler.StatusContaminated}, reconciler.ErrContaminated
	})
	_, err := rig.runner.Run(context.Background(), []*model.StockJob{directJob()})
	assert.Equal(t, model.CodeContaminated, AsFailure(err).Code)

	rig = newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		return nil, reconciler.ErrSellerLockout
	})
	res, err := rig.runner.Run(context.Background(), []*model.StockJob{directJob()})
	require.NoError(t, err)
	assert.Equal(t, 5, res[0].Stock)
	assert.True(t, res[0].IsMaxQty)
}

func TestDirectCartSessionIssue(t *testing.T) {
	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		return ok(cartJSON)
	})
	require.NoError(t, rig.sessions.Observe(context.Background(), model.DomainUS, guestCookies(userID)))

	_, err := rig.runner.Run(context.Background(), []*model.StockJob{directJob()})
	assert.Equal(t, model.CodeSessionIssue, AsFailure(err).Code)
	assert.Empty(t, rig.exec.paths())
}

func TestDirectCartResponses(t *testing.T) {
	cases := []struct {
		name string
		res  *model.RequestResult
		code int
	}{
		{"no body", &model.RequestResult{Status: reconciler.StatusAborted}, model.CodeDirectNoBody},
		{"bad status", &model.RequestResult{Status: http.StatusServiceUnavailable, Body: "busy"}, http.StatusServiceUnavailable},
		{"not json", &model.RequestResult{Status: http.StatusOK, Body: "<html>"}, model.CodeUnexpected},
		{"no items", &model.RequestResult{Status: http.StatusOK, Body: `{"entity":{"items":[]}}`}, model.CodeUnexpected},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
				return c.res, nil
			})
			require.NoError(t, rig.sessions.Observe(context.Background(), model.DomainUS, guestCookies(guestID)))
			rig.sessions.SetAddressKnown(model.DomainUS)

			_, err := rig.runner.Run(context.Background(), []*model.StockJob{directJob()})
			assert.Equal(t, c.code, AsFailure(err).Code)
		})
	}

	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		return &model.RequestResult{Status: http.StatusUnprocessableEntity, Body: `{"entity":{"items":[{"quantity":2,"responseMessage":"ok"}]}}`}, nil
	})
	require.NoError(t, rig.sessions.Observe(context.Background(), model.DomainUS, guestCookies(guestID)))
	res, err := rig.runner.Run(context.Background(), []*model.StockJob{directJob()})
	require.NoError(t, err)
	assert.Equal(t, 2, res[0].Stock)
	assert.False(t, res[0].Limit)
}

func TestDirectCartNoBodyClearsAddress(t *testing.T) {
	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		return &model.RequestResult{Status: reconciler.StatusAborted}, nil
	})
	require.NoError(t, rig.sessions.Observe(context.Background(), model.DomainUS, guestCookies(guestID)))
	rig.sessions.SetAddressKnown(model.DomainUS)

	_, err := rig.runner.Run(context.Background(), []*model.StockJob{directJob()})
	assert.Equal(t, model.CodeDirectNoBody, AsFailure(err).Code)
	assert.False(t, rig.sessions.AddressKnown(model.DomainUS))
}

func TestEmptyStepQueue(t *testing.T) {
	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		return ok(cartJSON)
	})
	rig.cfg.AddCart = config.RequestTemplate{}
	require.NoError(t, rig.sessions.Observe(context.Background(), model.DomainUS, guestCookies(guestID)))

	_, err := rig.runner.Run(context.Background(), []*model.StockJob{directJob()})
	assert.Equal(t, model.CodeStepQueueEmpty, AsFailure(err).Code)
}

const offerPage = `<html>seller=SELLER1 offer-csrf="fresh-csrf" <input name="offeringID" value="NEWOFFER"></html>`

func TestVerifyOfferRefreshesIdentifiers(t *testing.T) {
	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		if strings.HasPrefix(path, "/gp/offer/") {
			return ok(offerPage)
		}
		return ok(cartJSON)
	})
	require.NoError(t, rig.sessions.Observe(context.Background(), model.DomainUS, guestCookies(guestID)))
	job := directJob()
	job.ForceRefresh = true

	_, err := rig.runner.Run(context.Background(), []*model.StockJob{job})
	require.NoError(t, err)
	assert.Equal(t, []string{"/gp/offer/B000000001", "/cart/add"}, rig.exec.paths())
	offer := rig.exec.call("/gp/offer/B000000001")
	assert.Equal(t, "https://www.amazon.com/gp/offer/B000000001?seller=SELLER1", offer.URL)
	assert.Equal(t, guestCookies(guestID), offer.Cookies)

	assert.Equal(t, "NEWOFFER", job.OfferID)
	assert.Equal(t, "fresh-csrf", job.CSRF)
	assert.Contains(t, rig.exec.call("/cart/add").URL, "offer=NEWOFFER")
}

func TestVerifyOfferMismatchPurges(t *testing.T) {
	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		return ok(`<html>seller=OTHER</html>`)
	})
	require.NoError(t, rig.sessions.Observe(context.Background(), model.DomainUS, guestCookies(guestID)))
	job := directJob()
	job.ForceRefresh = true

	_, err := rig.runner.Run(context.Background(), []*model.StockJob{job})
	assert.Equal(t, model.CodeOfferMismatch, AsFailure(err).Code)
	_, has := rig.sessions.Get(model.DomainUS)
	assert.False(t, has)
}

func TestGeoRetryPurgesBeforeForcedRefresh(t *testing.T) {
	rig := newRunnerRig(func(path string, job *model.RequestJob) (*model.RequestResult, error) {
		switch {
		case strings.HasPrefix(path, "/gp/offer/"):
			return ok(offerPage)
		case path == "/cart/add":
			return ok(cartJSON)
		}
		return ok(`{}`, guestCookies(guestID)...)
	})
	rig.cfg.GeoRetry = true
	require.NoError(t, rig.sessions.Observe(context.Background(), model.DomainUS, guestCookies(guestID)))
	job := directJob()
	job.ForceRefresh = true

	_, err := rig.runner.Run(context.Background(), []*model.StockJob{job})
	require.NoError(t, err)
	assert.Equal(t, []string{"/geo", "/set-address", "/address-change", "/gp/offer/B000000001", "/cart/add"}, rig.exec.paths())
}

func TestFillBody(t *testing.T) {
	out, err := fillBody(`{"a":{"b.c":"{CSRF}"},"list":["{ASIN}",1]}`,
		[]string{"{CSRF}", `to"k`, "{ASIN}", "B1"},
		[]string{"{CSRF}", "form", "{ASIN}", "B1"})
	require.NoError(t, err)
	assert.True(t, gjson.Valid(out))
	assert.Equal(t, `to"k`, gjson.Get(out, `a.b\.c`).String())
	assert.Equal(t, "B1", gjson.Get(out, "list.0").String())

	out, err = fillBody("csrf={CSRF}&asin={ASIN}", []string{"{CSRF}", "raw"}, []string{"{CSRF}", "a%2Bb", "{ASIN}", "B1"})
	require.NoError(t, err)
	assert.Equal(t, "csrf=a%2Bb&asin=B1", out)
}
