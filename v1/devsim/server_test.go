package devsim

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"plug-x/v1/cipher"
	v1log "plug-x/v1/log"
)

// exchange 直接按线协议发送一次请求并返回解密后的应答明文（已剥离长度前缀）。
func exchange(t *testing.T, addr, body string) map[string]any {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Write(cipher.Encode([]byte(body))); err != nil {
		t.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if !cipher.Complete(raw) {
		t.Fatalf("incomplete frame: %d bytes", len(raw))
	}
	var out map[string]any
	if err := json.Unmarshal(cipher.Decrypt(raw[cipher.HeaderLen:]), &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func startSim(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = v1log.Nop()
	}
	s := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	if err := s.Start(ctx, "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	return s
}

// TestPlugRelayAndInfo 验证单插座的开关与 sysinfo 应答。
func TestPlugRelayAndInfo(t *testing.T) {
	s := startSim(t, Options{Alias: "desk"})
	resp := exchange(t, s.Addr(), `{"system":{"set_relay_state":{"state":1}}}`)
	code := resp["system"].(map[string]any)["set_relay_state"].(map[string]any)["err_code"]
	if code != float64(0) {
		t.Fatalf("err_code=%v", code)
	}
	if s.RelayState(0) != 1 {
		t.Fatalf("relay not switched")
	}
	info := exchange(t, s.Addr(), `{"system":{"get_sysinfo":{}}}`)
	sys := info["system"].(map[string]any)["get_sysinfo"].(map[string]any)
	if sys["relay_state"] != float64(1) || sys["alias"] != "desk" {
		t.Fatalf("sysinfo=%v", sys)
	}
	if len(s.Requests()) != 2 {
		t.Fatalf("requests=%d", len(s.Requests()))
	}
}

// TestStripChildAddressing 验证排插只切换 child_ids 指定的插座。
func TestStripChildAddressing(t *testing.T) {
	s := startSim(t, Options{Outlets: 3, DeviceID: "D"})
	exchange(t, s.Addr(), `{"context":{"child_ids":["D02"]},"system":{"set_relay_state":{"state":1}}}`)
	if s.RelayState(2) != 1 || s.RelayState(0) != 0 || s.RelayState(1) != 0 {
		t.Fatalf("states=%d %d %d", s.RelayState(0), s.RelayState(1), s.RelayState(2))
	}
	resp := exchange(t, s.Addr(), `{"context":{"child_ids":["D09"]},"system":{"set_relay_state":{"state":1}}}`)
	code := resp["system"].(map[string]any)["set_relay_state"].(map[string]any)["err_code"]
	if code != float64(-14) {
		t.Fatalf("err_code=%v", code)
	}
	if s.RelayState(7) != -1 {
		t.Fatalf("out of range outlet")
	}
}

// TestEmeterSupport 验证电量计模块的支持与不支持两种应答。
func TestEmeterSupport(t *testing.T) {
	plain := startSim(t, Options{})
	resp := exchange(t, plain.Addr(), `{"emeter":{"get_realtime":{}}}`)
	if resp["emeter"].(map[string]any)["err_code"] != float64(-1) {
		t.Fatalf("resp=%v", resp)
	}
	metered := startSim(t, Options{Emeter: true, PowerMW: 1500})
	metered.SetPower(2500)
	resp = exchange(t, metered.Addr(), `{"emeter":{"get_realtime":{}}}`)
	rt := resp["emeter"].(map[string]any)["get_realtime"].(map[string]any)
	if rt["power_mw"] != float64(2500) {
		t.Fatalf("rt=%v", rt)
	}
}

// TestKeepOpen 验证 KeepOpen 模式下同一连接可连续请求。
func TestKeepOpen(t *testing.T) {
	s := startSim(t, Options{KeepOpen: true})
	c, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	for i := 0; i < 2; i++ {
		if _, err := c.Write(cipher.Encode([]byte(`{"time":{"get_time":{}}}`))); err != nil {
			t.Fatal(err)
		}
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var hdr [cipher.HeaderLen]byte
		if _, err := io.ReadFull(c, hdr[:]); err != nil {
			t.Fatal(err)
		}
		n, _ := cipher.FrameLen(hdr[:])
		if _, err := io.ReadFull(c, make([]byte, n)); err != nil {
			t.Fatal(err)
		}
	}
}
