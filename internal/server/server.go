// Package server 库存查询服务的 HTTP 接口
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stockprobe/internal/extract"
	"stockprobe/internal/logger"
	"stockprobe/internal/session"
	"stockprobe/pkg/model"
)

// Service 接口层依赖的服务能力
type Service interface {
	RequestStock(ctx context.Context, req model.StockRequest) model.StockResult
	NoteSellerActivity()
	Sessions() []session.Summary
	ClearSession(ctx context.Context, d model.Domain) error
	Extract(markup string, sel extract.Selectors) (extract.Fields, *extract.Failure)
}

// ExtractRequest 页面字段提取请求
type ExtractRequest struct {
	Markup    string            `json:"markup"`
	Selectors extract.Selectors `json:"selectors"`
}

// ExtractResponse 提取结果，失败时 Status 非零
type ExtractResponse struct {
	Fields       extract.Fields `json:"fields,omitempty"`
	Status       int            `json:"status,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// Server HTTP 接口
type Server struct {
	svc Service
	log logger.Logger
}

// NewHandler 创建路由，metrics 为空时不挂载 /metrics
func NewHandler(svc Service, metrics http.Handler, l logger.Logger) http.Handler {
	if l == nil {
		l = logger.NewNop()
	}
	s := &Server{svc: svc, log: l}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/stock", s.stock)
		r.Post("/seller-activity", s.sellerActivity)
		r.Get("/sessions", s.sessions)
		r.Delete("/sessions/{domain}", s.clearSession)
		r.Post("/extract", s.extract)
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "requestId", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) stock(w http.ResponseWriter, r *http.Request) {
	var req model.StockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, s.svc.RequestStock(r.Context(), req))
}

func (s *Server) sellerActivity(w http.ResponseWriter, _ *http.Request) {
	s.svc.NoteSellerActivity()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessions(w http.ResponseWriter, _ *http.Request) {
	list := s.svc.Sessions()
	if list == nil {
		list = []session.Summary{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) clearSession(w http.ResponseWriter, r *http.Request) {
	d, err := model.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.svc.ClearSession(r.Context(), d); err != nil {
		s.log.Err(err, "删除会话失败", "domain", d.String())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) extract(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	fields, fail := s.svc.Extract(req.Markup, req.Selectors)
	if fail != nil {
		s.writeJSON(w, http.StatusUnprocessableEntity, ExtractResponse{Status: fail.Status, ErrorMessage: fail.ErrorMessage})
		return
	}
	s.writeJSON(w, http.StatusOK, ExtractResponse{Fields: fields})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Err(err, "响应编码失败")
	}
}
