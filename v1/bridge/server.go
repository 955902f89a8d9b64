// Package bridge 通过 HTTP 暴露配置中的插座，供家庭自动化系统调用。
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"plug-x/v1/config"
	v1errors "plug-x/v1/errors"
	v1log "plug-x/v1/log"
	"plug-x/v1/monitor"
	"plug-x/v1/outlet"
	"plug-x/v1/status"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const HeaderRequestID = "X-Request-ID"

type Server struct {
	outlets map[string]*outlet.Outlet
	order   []string
	mon     *monitor.Monitor
	log     logrus.FieldLogger
	router  chi.Router
}

type outletInfo struct {
	Name    string       `json:"name"`
	Host    string       `json:"host"`
	Port    int          `json:"port"`
	Model   config.Model `json:"model"`
	Outlet  *int         `json:"outlet,omitempty"`
	ChildID string       `json:"child_id,omitempty"`
	Emeter  bool         `json:"emeter"`
}

type errorBody struct {
	Code      int    `json:"code"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// New 创建 HTTP 桥接服务。
// 参数：
// - outlets: 对外暴露的插座
// - mon: 可选的轮询器；非 nil 时支持 ?cached=1 读取缓存读数
// - logger: 日志（nil 时使用全局 logger）
func New(outlets []*outlet.Outlet, mon *monitor.Monitor, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = v1log.L()
	}
	s := &Server{
		outlets: make(map[string]*outlet.Outlet, len(outlets)),
		mon:     mon,
		log:     logger,
	}
	for _, o := range outlets {
		s.outlets[o.Name()] = o
		s.order = append(s.order, o.Name())
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/outlets", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Post("/{action}", s.handleAction)
			r.Post("/commands/{command}", s.handleCommand)
		})
	})
	return r
}

// Handler 返回 HTTP 处理器（便于测试与嵌入）。
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe 启动 HTTP 服务，ctx 结束时优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context, cfg config.BridgeConfig) error {
	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", cfg.Listen).Info("bridge listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	out := make([]outletInfo, 0, len(s.order))
	for _, name := range s.order {
		o := s.outlets[name]
		dev := o.Device()
		out = append(out, outletInfo{
			Name:    name,
			Host:    dev.Host,
			Port:    dev.Port,
			Model:   dev.Model,
			Outlet:  dev.Outlet,
			ChildID: o.ChildID(),
			Emeter:  dev.Emeter,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.mon != nil && r.URL.Query().Get("cached") == "1" {
		reading, ok := s.mon.Get(o.Name())
		if !ok {
			s.writeError(w, r, http.StatusNotFound, v1errors.New(http.StatusNotFound, "no reading yet"))
			return
		}
		writeJSON(w, http.StatusOK, reading)
		return
	}
	snap, err := o.Snapshot(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	action := chi.URLParam(r, "action")
	var (
		state status.RelayState
		err   error
	)
	switch action {
	case "toggle":
		state, err = o.Toggle(r.Context())
	case "on", "off":
		state, _ = status.ParseRelayState(action)
		err = o.Set(r.Context(), state)
	default:
		s.writeError(w, r, http.StatusBadRequest, v1errors.Newf(v1errors.CodeUnknownCommand, "unknown action: %q", action))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.entry(r).WithFields(logrus.Fields{"outlet": o.Name(), "state": state}).Info("outlet switched")
	writeJSON(w, http.StatusOK, map[string]any{"name": o.Name(), "state": state})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	raw, err := o.Send(r.Context(), chi.URLParam(r, "command"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(raw))
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*outlet.Outlet, bool) {
	name := chi.URLParam(r, "name")
	o, ok := s.outlets[name]
	if !ok {
		s.writeError(w, r, http.StatusNotFound, v1errors.Newf(http.StatusNotFound, "unknown outlet: %q", name))
		return nil, false
	}
	return o, true
}

// fail 按错误码映射 HTTP 状态。
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch v1errors.Code(err) {
	case v1errors.CodeConfig, v1errors.CodeUnknownCommand:
		code = http.StatusBadRequest
	case v1errors.CodeConnect, v1errors.CodeWrite, v1errors.CodeRead, v1errors.CodeDecode:
		code = http.StatusBadGateway
	case v1errors.CodeDevice:
		code = http.StatusConflict
	}
	s.entry(r).WithError(err).WithField("status", code).Warn("request failed")
	s.writeError(w, r, code, err)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, httpStatus int, err error) {
	writeJSON(w, httpStatus, errorBody{
		Code:      v1errors.Code(err),
		Error:     err.Error(),
		RequestID: w.Header().Get(HeaderRequestID),
	})
}

func (s *Server) entry(r *http.Request) *logrus.Entry {
	return s.log.WithField("request_id", r.Header.Get(HeaderRequestID))
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.entry(r).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": ww.Status(),
			"cost":   time.Since(start).String(),
		}).Debug("http request")
	})
}

// requestID 为每个请求分配 ID（沿用调用方传入的 X-Request-ID）。
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(HeaderRequestID, id)
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, httpStatus int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(v)
}
