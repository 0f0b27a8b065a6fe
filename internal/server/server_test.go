package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockprobe/internal/extract"
	"stockprobe/internal/metrics"
	"stockprobe/internal/session"
	"stockprobe/pkg/model"
)

type fakeService struct {
	last     model.StockRequest
	activity int
	cleared  []model.Domain
	clearErr error
}

func (f *fakeService) RequestStock(_ context.Context, req model.StockRequest) model.StockResult {
	f.last = req
	return model.StockResult{Stock: 12, OrderLimit: -1}
}

func (f *fakeService) NoteSellerActivity() { f.activity++ }

func (f *fakeService) Sessions() []session.Summary {
	return []session.Summary{{Domain: model.DomainDE, Code: "DE", SessionID: "262-0000000-0000001", Fresh: true}}
}

func (f *fakeService) ClearSession(_ context.Context, d model.Domain) error {
	f.cleared = append(f.cleared, d)
	return f.clearErr
}

func (f *fakeService) Extract(markup string, sel extract.Selectors) (extract.Fields, *extract.Failure) {
	return extract.NewEngine().Extract(markup, sel)
}

func serve(t *testing.T, svc Service) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(svc, metrics.New().Handler(), nil))
	t.Cleanup(srv.Close)
	return srv
}

func TestStockEndpoint(t *testing.T) {
	svc := &fakeService{}
	srv := serve(t, svc)

	resp, err := http.Post(srv.URL+"/v1/stock", "application/json",
		strings.NewReader(`{"asin":"B000000001","offerId":"oid","sellerId":"A1","domain":"DE","maxQty":20}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var res model.StockResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, 12, res.Stock)
	assert.Equal(t, -1, res.OrderLimit)
	assert.Equal(t, model.DomainDE, svc.last.Domain)
	assert.Equal(t, 20, svc.last.MaxQty)

	bad, err := http.Post(srv.URL+"/v1/stock", "application/json", strings.NewReader(`{"domain":"XX"}`))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestSellerActivityEndpoint(t *testing.T) {
	svc := &fakeService{}
	srv := serve(t, svc)
	resp, err := http.Post(srv.URL+"/v1/seller-activity", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, svc.activity)
}

func TestSessionsEndpoints(t *testing.T) {
	svc := &fakeService{}
	srv := serve(t, svc)

	resp, err := http.Get(srv.URL + "/v1/sessions")
	require.NoError(t, err)
	var list []session.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, "262-0000000-0000001", list[0].SessionID)

	del := func(domain string) int {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/sessions/"+domain, nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, del("de"))
	assert.Equal(t, http.StatusNoContent, del("1"))
	assert.Equal(t, []model.Domain{model.DomainDE, model.DomainUS}, svc.cleared)
	assert.Equal(t, http.StatusBadRequest, del("xx"))

	svc.clearErr = errors.New("store down")
	assert.Equal(t, http.StatusInternalServerError, del("UK"))
}

func TestExtractEndpoint(t *testing.T) {
	srv := serve(t, &fakeService{})

	body := `{"markup":"<div id=\"t\">Widget</div>","selectors":{"title":{"css":"#t","required":true}}}`
	resp, err := http.Post(srv.URL+"/v1/extract", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var out ExtractResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Widget", out.Fields["title"])

	body = `{"markup":"<div></div>","selectors":{"title":{"css":"#t","required":true}}}`
	resp, err = http.Post(srv.URL+"/v1/extract", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	out = ExtractResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, extract.StatusMissingField, out.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := serve(t, &fakeService{})
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
