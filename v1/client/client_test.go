package client

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"plug-x/v1/cipher"
	"plug-x/v1/devsim"
	v1errors "plug-x/v1/errors"
	v1log "plug-x/v1/log"
)

// fakeDevice 是一个一次性的测试监听：记录请求明文并按 reply 应答。
type fakeDevice struct {
	ln       net.Listener
	accepted atomic.Int32
	requests chan string
}

// startFake 启动测试监听。
// 参数：
// - reply: 收到请求明文后返回要写回的原始字节；返回 nil 表示不写任何数据
// - closeAfter: 写完后是否立即关闭连接
func startFake(t *testing.T, reply func(req string) []byte, closeAfter bool) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeDevice{ln: ln, requests: make(chan string, 8)}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			f.accepted.Add(1)
			go func(c net.Conn) {
				var hdr [4]byte
				if _, err := io.ReadFull(c, hdr[:]); err != nil {
					_ = c.Close()
					return
				}
				payload := make([]byte, binary.BigEndian.Uint32(hdr[:]))
				if _, err := io.ReadFull(c, payload); err != nil {
					_ = c.Close()
					return
				}
				req := string(cipher.Decrypt(payload))
				f.requests <- req
				if out := reply(req); out != nil {
					_, _ = c.Write(out)
				}
				if closeAfter {
					_ = c.Close()
					return
				}
				// 保持连接直到客户端关闭
				_, _ = io.Copy(io.Discard, c)
				_ = c.Close()
			}(c)
		}
	}()
	return f
}

func (f *fakeDevice) port() int { return f.ln.Addr().(*net.TCPAddr).Port }

func newTestClient(t *testing.T, target Target, opts Options) *Client {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = v1log.Nop()
	}
	c, err := New(target, opts)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

const infoResponse = `{"system":{"get_sysinfo":{"alias":"desk","deviceId":"8006AA","relay_state":1,"err_code":0}}}`

// TestNewPairingInvariant 验证 DeviceID 与 Outlet 必须成对出现。
func TestNewPairingInvariant(t *testing.T) {
	cases := []struct {
		name   string
		target Target
		ok     bool
	}{
		{"neither", Target{Host: "10.0.0.5"}, true},
		{"both", Target{Host: "10.0.0.5", DeviceID: "D", Outlet: Index(0)}, true},
		{"device only", Target{Host: "10.0.0.5", DeviceID: "D"}, false},
		{"outlet only", Target{Host: "10.0.0.5", Outlet: Index(1)}, false},
		{"negative outlet", Target{Host: "10.0.0.5", DeviceID: "D", Outlet: Index(-1)}, false},
		{"empty host", Target{Host: "  "}, false},
		{"bad port", Target{Host: "h", Port: 70000}, false},
	}
	for _, tc := range cases {
		_, err := New(tc.target, Options{Logger: v1log.Nop()})
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !v1errors.Is(err, v1errors.CodeConfig) {
			t.Fatalf("%s: expected config error, got %v", tc.name, err)
		}
	}
}

// TestNewDefaults 验证默认端口与超时。
func TestNewDefaults(t *testing.T) {
	c := newTestClient(t, Target{Host: "10.0.0.5"}, Options{})
	if c.Target().Port != 9999 || c.timeout != DefaultTimeout || c.maxResp != DefaultMaxResponseBytes {
		t.Fatalf("port=%d timeout=%s max=%d", c.Target().Port, c.timeout, c.maxResp)
	}
	if c.Target().Addr() != "10.0.0.5:9999" {
		t.Fatalf("addr=%s", c.Target().Addr())
	}
}

// TestUnknownCommandNoIO 验证未知命令在任何网络 I/O 之前失败。
func TestUnknownCommandNoIO(t *testing.T) {
	f := startFake(t, func(string) []byte { return nil }, true)
	c := newTestClient(t, Target{Host: "127.0.0.1", Port: f.port()}, Options{})
	_, err := c.Send("bogus")
	if !v1errors.Is(err, v1errors.CodeUnknownCommand) {
		t.Fatalf("err=%v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if f.accepted.Load() != 0 {
		t.Fatalf("unexpected connection")
	}
}

// TestSendInfoEndToEnd 验证设备应答后关闭连接（EOF 路径）时可还原 JSON。
func TestSendInfoEndToEnd(t *testing.T) {
	f := startFake(t, func(string) []byte { return cipher.Encode([]byte(infoResponse)) }, true)
	c := newTestClient(t, Target{Host: "127.0.0.1", Port: f.port()}, Options{Debug: true})
	resp, err := c.Send("info")
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		System struct {
			GetSysinfo struct {
				RelayState int `json:"relay_state"`
			} `json:"get_sysinfo"`
		} `json:"system"`
	}
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		t.Fatalf("invalid json %q: %v", resp, err)
	}
	if out.System.GetSysinfo.RelayState != 1 {
		t.Fatalf("resp=%s", resp)
	}
	if got := <-f.requests; got != `{"system":{"get_sysinfo":{}}}` {
		t.Fatalf("request=%s", got)
	}
}

// TestSendCompletesOnFullFrame 验证设备不关闭连接时，依据长度前缀提前结束而非等到超时。
func TestSendCompletesOnFullFrame(t *testing.T) {
	f := startFake(t, func(string) []byte { return cipher.Encode([]byte(infoResponse)) }, false)
	c := newTestClient(t, Target{Host: "127.0.0.1", Port: f.port()}, Options{Timeout: 5 * time.Second})
	start := time.Now()
	resp, err := c.Send("info")
	if err != nil {
		t.Fatal(err)
	}
	if resp != infoResponse {
		t.Fatalf("resp=%s", resp)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("waited for timeout instead of frame completion")
	}
}

// TestSendTimeoutWhenSilent 验证对端不写任何数据时在约 2 秒内经超时路径返回。
func TestSendTimeoutWhenSilent(t *testing.T) {
	f := startFake(t, func(string) []byte { return nil }, false)
	c := newTestClient(t, Target{Host: "127.0.0.1", Port: f.port()}, Options{})
	start := time.Now()
	_, err := c.Send("info")
	elapsed := time.Since(start)
	if !v1errors.Is(err, v1errors.CodeDecode) {
		t.Fatalf("err=%v", err)
	}
	if elapsed < 1500*time.Millisecond || elapsed > 3500*time.Millisecond {
		t.Fatalf("elapsed=%s", elapsed)
	}
}

// TestSendOutletTargeting 验证排插寻址时请求明文带有 D03 子标识。
func TestSendOutletTargeting(t *testing.T) {
	f := startFake(t, func(string) []byte {
		return cipher.Encode([]byte(`{"system":{"set_relay_state":{"err_code":0}}}`))
	}, true)
	c := newTestClient(t, Target{Host: "127.0.0.1", Port: f.port(), DeviceID: "D", Outlet: Index(3)}, Options{})
	if _, err := c.Send("on"); err != nil {
		t.Fatal(err)
	}
	req := <-f.requests
	if !strings.Contains(req, `"child_ids":["D03"]`) {
		t.Fatalf("request=%s", req)
	}
	if !json.Valid([]byte(req)) || !strings.Contains(req, `"set_relay_state":{"state":1}`) {
		t.Fatalf("request=%s", req)
	}
}

// TestSendConnectError 验证连接失败返回 CodeConnect。
func TestSendConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	c := newTestClient(t, Target{Host: "127.0.0.1", Port: port}, Options{})
	if _, err := c.Send("info"); !v1errors.Is(err, v1errors.CodeConnect) {
		t.Fatalf("err=%v", err)
	}
}

// TestSendGarbageIsDecodeError 验证无法解析的应答返回 CodeDecode，与设备级错误区分。
func TestSendGarbageIsDecodeError(t *testing.T) {
	f := startFake(t, func(string) []byte { return []byte{0, 0, 0, 9, 1, 2, 3, 4, 5, 6, 7, 8, 9} }, true)
	c := newTestClient(t, Target{Host: "127.0.0.1", Port: f.port()}, Options{})
	if _, err := c.Send("info"); !v1errors.Is(err, v1errors.CodeDecode) {
		t.Fatalf("err=%v", err)
	}

	dev := startFake(t, func(string) []byte {
		return cipher.Encode([]byte(`{"system":{"set_relay_state":{"err_code":-14,"err_msg":"entry not exist"}}}`))
	}, true)
	c = newTestClient(t, Target{Host: "127.0.0.1", Port: dev.port()}, Options{})
	resp, err := c.Send("off")
	if err != nil {
		t.Fatalf("device-level error must be a normal response: %v", err)
	}
	if !strings.Contains(resp, `"err_code":-14`) {
		t.Fatalf("resp=%s", resp)
	}
}

// TestSendResponseTooLarge 验证超过上限的应答返回 CodeRead。
func TestSendResponseTooLarge(t *testing.T) {
	big := `{"pad":"` + strings.Repeat("x", 4096) + `"}`
	f := startFake(t, func(string) []byte { return cipher.Encode([]byte(big)) }, true)
	c := newTestClient(t, Target{Host: "127.0.0.1", Port: f.port()}, Options{MaxResponseBytes: 1024})
	if _, err := c.Send("info"); !v1errors.Is(err, v1errors.CodeRead) {
		t.Fatalf("err=%v", err)
	}
}

// TestSendContextCancel 验证 ctx 取消可打断读取。
func TestSendContextCancel(t *testing.T) {
	f := startFake(t, func(string) []byte { return nil }, false)
	c := newTestClient(t, Target{Host: "127.0.0.1", Port: f.port()}, Options{Timeout: 10 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.SendContext(ctx, "info")
	if err == nil {
		t.Fatalf("expected error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancel not honored")
	}
}

// TestSendRaw 验证原始命令体的校验与发送。
func TestSendRaw(t *testing.T) {
	f := startFake(t, func(string) []byte {
		return cipher.Encode([]byte(`{"system":{"set_led_off":{"err_code":0}}}`))
	}, true)
	c := newTestClient(t, Target{Host: "127.0.0.1", Port: f.port()}, Options{})
	if _, err := c.SendRaw("not json"); !v1errors.Is(err, v1errors.CodeUnknownCommand) {
		t.Fatalf("err=%v", err)
	}
	resp, err := c.SendRaw(` {"system":{"set_led_off":{"off":1}}} `)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp, "set_led_off") {
		t.Fatalf("resp=%s", resp)
	}
	if got := <-f.requests; got != `{"system":{"set_led_off":{"off":1}}}` {
		t.Fatalf("request=%s", got)
	}
}

// TestSendAgainstSimulatedStrip 验证与 devsim 排插的完整交互。
func TestSendAgainstSimulatedStrip(t *testing.T) {
	sim := devsim.New(devsim.Options{Outlets: 4, DeviceID: "8006BB", KeepOpen: true, Logger: v1log.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sim.Start(ctx, "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer sim.Stop()

	c := newTestClient(t, Target{Host: "127.0.0.1", Port: sim.Port(), DeviceID: "8006BB", Outlet: Index(2)}, Options{})
	resp, err := c.Send("on")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp, `"err_code":0`) {
		t.Fatalf("resp=%s", resp)
	}
	if sim.RelayState(2) != 1 || sim.RelayState(1) != 0 {
		t.Fatalf("wrong outlet switched")
	}
}
