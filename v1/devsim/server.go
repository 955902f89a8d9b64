// Package devsim 提供一个模拟的 TP-Link 智能插座/排插，监听 TCP 并按 Smart Home 协议应答。
// 用于测试与本地联调，不追求覆盖全部固件行为。
package devsim

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"plug-x/v1/cipher"
	v1errors "plug-x/v1/errors"

	"github.com/sirupsen/logrus"
)

const maxRequestBytes = 64 * 1024

type Options struct {
	// 插座数量；0 表示单插座设备
	Outlets  int
	DeviceID string
	Alias    string
	Model    string
	Emeter   bool
	PowerMW  int64
	// 应答后保持连接，直到客户端关闭（与真实固件一致）
	KeepOpen bool
	Logger   logrus.FieldLogger
}

type outlet struct {
	id    string
	alias string
	state int
}

type Server struct {
	opts Options
	log  logrus.FieldLogger

	mu       sync.Mutex
	relay    int
	children []outlet
	powerMW  int64
	requests []string
	ln       net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	started  time.Time
}

// New 创建模拟设备（尚未监听）。
func New(opts Options) *Server {
	if opts.DeviceID == "" {
		opts.DeviceID = "8006F1E2D3C4B5A697887766554433221100AABB"
	}
	if opts.Alias == "" {
		opts.Alias = "sim plug"
	}
	if opts.Model == "" {
		if opts.Outlets > 0 {
			opts.Model = "HS300(US)"
		} else {
			opts.Model = "HS110(US)"
		}
	}
	s := &Server{
		opts:    opts,
		log:     opts.Logger,
		powerMW: opts.PowerMW,
		conns:   make(map[net.Conn]struct{}),
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	for i := 0; i < opts.Outlets; i++ {
		s.children = append(s.children, outlet{
			id:    fmt.Sprintf("%s%02d", opts.DeviceID, i),
			alias: fmt.Sprintf("%s %d", opts.Alias, i+1),
		})
	}
	return s
}

// Start 在 addr 上开始监听（如 "127.0.0.1:0"）。
// 参数：
// - ctx: 上下文（结束时关闭监听）
// - addr: 监听地址
// 返回：
// - error: 监听失败原因
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return v1errors.Wrap(v1errors.CodeConnect, "devsim listen failed", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.started = time.Now()
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"addr": ln.Addr().String(), "outlets": s.opts.Outlets}).Info("simulated device listening")
	s.wg.Add(1)
	go s.acceptLoop(ln)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Addr 返回实际监听地址。
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Port 返回实际监听端口。
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Stop 关闭监听与所有连接（幂等）。
func (s *Server) Stop() {
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Requests 返回已收到的请求明文（按到达顺序）。
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// RelayState 返回单插座的继电器状态，或排插第 i 个插座的状态。
func (s *Server) RelayState(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.children) == 0 {
		return s.relay
	}
	if i < 0 || i >= len(s.children) {
		return -1
	}
	return s.children[i].state
}

// SetPower 设置电量计上报的功率（毫瓦）。
func (s *Server) SetPower(mw int64) {
	s.mu.Lock()
	s.powerMW = mw
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(c)
	}
}

// handleConn 读取请求帧、应答；非 KeepOpen 模式下应答后立即关闭连接。
func (s *Server) handleConn(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()
	entry := s.log.WithField("remote", c.RemoteAddr().String())

	for {
		req, err := readRequest(c)
		if err != nil {
			if err != io.EOF {
				entry.WithError(err).Debug("request read ended")
			}
			return
		}
		resp := s.handle(req)
		if _, err := c.Write(cipher.Encode(resp)); err != nil {
			entry.WithError(err).Warn("response write failed")
			return
		}
		if !s.opts.KeepOpen {
			return
		}
	}
}

func readRequest(r io.Reader) ([]byte, error) {
	var hdr [cipher.HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxRequestBytes {
		return nil, fmt.Errorf("request too large: %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return cipher.Decrypt(payload), nil
}

// handle 解析请求明文并生成应答 JSON。
func (s *Server) handle(plain []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, string(plain))

	var req map[string]json.RawMessage
	if err := json.Unmarshal(plain, &req); err != nil {
		s.log.WithError(err).Warn("invalid request json")
		return []byte(`{"err_code":-1,"err_msg":"json format error"}`)
	}

	var childIDs []string
	if raw, ok := req["context"]; ok {
		var ctx struct {
			ChildIDs []string `json:"child_ids"`
		}
		if err := json.Unmarshal(raw, &ctx); err == nil {
			childIDs = ctx.ChildIDs
		}
	}

	out := make(map[string]any, len(req))
	for module, raw := range req {
		if module == "context" {
			continue
		}
		var methods map[string]json.RawMessage
		if err := json.Unmarshal(raw, &methods); err != nil {
			out[module] = errObj(-1, "module not support")
			continue
		}
		out[module] = s.handleModule(module, methods, childIDs)
	}
	b, _ := json.Marshal(out)
	return b
}

func (s *Server) handleModule(module string, methods map[string]json.RawMessage, childIDs []string) any {
	switch module {
	case "system", "time", "schedule", "count_down", "anti_theft", "cnCloud", "netif":
	case "emeter":
		if !s.opts.Emeter {
			return errObj(-1, "module not support")
		}
	default:
		return errObj(-1, "module not support")
	}
	res := make(map[string]any, len(methods))
	for method, args := range methods {
		res[method] = s.handleMethod(module, method, args, childIDs)
	}
	return res
}

func (s *Server) handleMethod(module, method string, args json.RawMessage, childIDs []string) any {
	switch module + "." + method {
	case "system.get_sysinfo":
		return s.sysinfo()
	case "system.set_relay_state":
		var a struct {
			State *int `json:"state"`
		}
		if err := json.Unmarshal(args, &a); err != nil || a.State == nil || (*a.State != 0 && *a.State != 1) {
			return errObj(-3, "invalid argument")
		}
		return s.setRelay(*a.State, childIDs)
	case "system.reboot", "system.reset":
		return errObj(0, "")
	case "emeter.get_realtime":
		return map[string]any{
			"voltage_mv": 120500,
			"current_ma": s.powerMW / 120,
			"power_mw":   s.powerMW,
			"total_wh":   1234,
			"err_code":   0,
		}
	case "time.get_time":
		now := time.Now()
		return map[string]any{
			"year": now.Year(), "month": int(now.Month()), "mday": now.Day(),
			"hour": now.Hour(), "min": now.Minute(), "sec": now.Second(),
			"err_code": 0,
		}
	case "schedule.get_rules", "count_down.get_rules", "anti_theft.get_rules":
		return map[string]any{"rule_list": []any{}, "enable": 0, "version": 2, "err_code": 0}
	case "cnCloud.get_info":
		return map[string]any{"username": "", "server": "n-devs.tplinkcloud.com", "binded": 0, "cld_connection": 0, "err_code": 0}
	case "netif.get_scaninfo":
		return map[string]any{"ap_list": []any{}, "err_code": 0}
	default:
		return errObj(-2, "member not support")
	}
}

func (s *Server) sysinfo() map[string]any {
	info := map[string]any{
		"sw_ver":      "1.0.12 Build 200121 Rel.175814",
		"hw_ver":      "1.0",
		"model":       s.opts.Model,
		"deviceId":    s.opts.DeviceID,
		"alias":       s.opts.Alias,
		"mac":         "50:C7:BF:00:00:01",
		"rssi":        -52,
		"led_off":     0,
		"updating":    0,
		"err_code":    0,
		"on_time":     int(time.Since(s.started).Seconds()),
		"active_mode": "none",
	}
	if s.opts.Emeter {
		info["feature"] = "TIM:ENE"
	} else {
		info["feature"] = "TIM"
	}
	if len(s.children) == 0 {
		info["relay_state"] = s.relay
		return info
	}
	children := make([]map[string]any, 0, len(s.children))
	for _, ch := range s.children {
		children = append(children, map[string]any{
			"id":          ch.id,
			"state":       ch.state,
			"alias":       ch.alias,
			"on_time":     0,
			"next_action": map[string]any{"type": -1},
		})
	}
	info["children"] = children
	info["child_num"] = len(children)
	return info
}

func (s *Server) setRelay(state int, childIDs []string) any {
	if len(childIDs) == 0 {
		if len(s.children) > 0 {
			for i := range s.children {
				s.children[i].state = state
			}
		} else {
			s.relay = state
		}
		return errObj(0, "")
	}
	for _, id := range childIDs {
		found := false
		for i := range s.children {
			if s.children[i].id == id {
				s.children[i].state = state
				found = true
			}
		}
		if !found {
			return errObj(-14, "entry not exist")
		}
	}
	return errObj(0, "")
}

func errObj(code int, msg string) map[string]any {
	if code == 0 {
		return map[string]any{"err_code": 0}
	}
	return map[string]any{"err_code": code, "err_msg": msg}
}
