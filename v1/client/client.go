// Package client 实现 Smart Home 协议的请求/响应客户端。
//
// 每次 Send 都独立完成一次 TCP 交换：建连、写入加密帧、读取直至对端关闭、
// 读超时或响应帧完整，然后关闭连接并解密。客户端不缓存连接，也不重试。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"plug-x/v1/cipher"
	v1errors "plug-x/v1/errors"
	v1log "plug-x/v1/log"
	"plug-x/v1/protocol"

	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout          = 2 * time.Second
	DefaultMaxResponseBytes = 64 * 1024
	readChunk               = 1024
)

// Target 是一个插座的网络地址。
// DeviceID 与 Outlet 要么同时给出（排插上的单个插座），要么同时缺省（单插座设备）。
type Target struct {
	Host     string
	Port     int
	DeviceID string
	Outlet   *int
}

// Index 返回插座序号的指针，便于字面量构造 Target。
func Index(i int) *int { return &i }

// Addressed 表示是否启用了插座寻址。
func (t Target) Addressed() bool { return t.DeviceID != "" && t.Outlet != nil }

// ChildID 返回插座的复合标识；未启用寻址时为空。
func (t Target) ChildID() string {
	if !t.Addressed() {
		return ""
	}
	return protocol.ChildID(t.DeviceID, *t.Outlet)
}

// Addr 返回 host:port。
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))
}

type Options struct {
	// 单次读的空闲超时，默认 2s
	Timeout time.Duration
	// 响应缓冲上限，默认 64KiB
	MaxResponseBytes int
	// 打印请求/响应明文
	Debug  bool
	Logger logrus.FieldLogger
}

type Client struct {
	target  Target
	timeout time.Duration
	maxResp int
	debug   bool
	log     logrus.FieldLogger
	dialer  net.Dialer
}

// New 校验目标地址并创建客户端。
// 参数：
// - target: 设备地址与可选的插座寻址
// - opts: 超时、响应上限、调试开关与日志
// 返回：
// - *Client: 客户端
// - error: CodeConfig（host 为空、端口越界、DeviceID/Outlet 未成对、Outlet 为负）
func New(target Target, opts Options) (*Client, error) {
	target.Host = strings.TrimSpace(target.Host)
	if target.Host == "" {
		return nil, v1errors.New(v1errors.CodeConfig, "host is required")
	}
	if target.Port == 0 {
		target.Port = protocol.DefaultPort
	}
	if target.Port < 0 || target.Port > 65535 {
		return nil, v1errors.Newf(v1errors.CodeConfig, "invalid port: %d", target.Port)
	}
	if (target.DeviceID != "") != (target.Outlet != nil) {
		return nil, v1errors.New(v1errors.CodeConfig, "device id and outlet must be set together")
	}
	if target.Outlet != nil {
		if *target.Outlet < 0 {
			return nil, v1errors.Newf(v1errors.CodeConfig, "invalid outlet: %d", *target.Outlet)
		}
		idx := *target.Outlet
		target.Outlet = &idx
	}

	c := &Client{
		target:  target,
		timeout: opts.Timeout,
		maxResp: opts.MaxResponseBytes,
		debug:   opts.Debug,
		log:     opts.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxResp <= 0 {
		c.maxResp = DefaultMaxResponseBytes
	}
	if c.log == nil {
		c.log = v1log.L()
	}
	c.log = c.log.WithField("target", target.Addr())
	if target.Addressed() {
		c.log = c.log.WithField("child_id", target.ChildID())
	}
	return c, nil
}

// Target 返回客户端的目标地址。
func (c *Client) Target() Target { return c.target }

// Send 发送预置命令并返回设备响应 JSON。
func (c *Client) Send(name string) (string, error) {
	return c.SendContext(context.Background(), name)
}

// SendContext 与 Send 相同，但支持通过 ctx 取消建连与读取。
// 参数：
// - ctx: 上下文
// - name: 命令名（见 protocol.Names）
// 返回：
// - string: 设备响应 JSON 文本（不做语义解释）
// - error: CodeUnknownCommand/CodeConnect/CodeWrite/CodeRead/CodeDecode
func (c *Client) SendContext(ctx context.Context, name string) (string, error) {
	body, err := protocol.Body(name)
	if err != nil {
		return "", err
	}
	return c.exchange(ctx, name, body)
}

// SendRaw 发送任意 JSON 对象命令体（不经命令目录）。
func (c *Client) SendRaw(body string) (string, error) {
	return c.SendRawContext(context.Background(), body)
}

// SendRawContext 与 SendRaw 相同，但支持 ctx。
func (c *Client) SendRawContext(ctx context.Context, body string) (string, error) {
	if err := protocol.ValidateBody(body); err != nil {
		return "", err
	}
	return c.exchange(ctx, "raw", strings.TrimSpace(body))
}

func (c *Client) exchange(ctx context.Context, name, body string) (string, error) {
	if c.target.Addressed() {
		wrapped, err := protocol.WrapContext(body, c.target.ChildID())
		if err != nil {
			return "", err
		}
		body = wrapped
	}
	entry := c.log.WithField("cmd", name)
	if c.debug {
		entry.WithField("body", body).Debug("send command")
	}

	raw, err := c.roundTrip(ctx, []byte(body))
	if err != nil {
		entry.WithError(err).Warn("command failed")
		return "", err
	}

	resp, err := decodeResponse(raw)
	if err != nil {
		entry.WithError(err).WithField("bytes", len(raw)).Warn("undecodable response")
		return "", err
	}
	if c.debug {
		entry.WithField("response", resp).Debug("recv response")
	}
	return resp, nil
}

// roundTrip 完成一次 TCP 交换，返回收到的原始字节（含设备的长度前缀）。
func (c *Client) roundTrip(ctx context.Context, body []byte) ([]byte, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.target.Addr())
	if err != nil {
		return nil, v1errors.Wrap(v1errors.CodeConnect, "connect "+c.target.Addr(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(cipher.Encode(body)); err != nil {
		return nil, v1errors.Wrap(v1errors.CodeWrite, "write request", ctxErr(ctx, err))
	}

	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, v1errors.Wrap(v1errors.CodeRead, "read response", err)
		}
		_ = conn.SetReadDeadline(c.readDeadline(ctx))
		n, err := conn.Read(chunk)
		if n > 0 {
			if buf.Len()+n > c.maxResp {
				return nil, v1errors.Newf(v1errors.CodeRead, "response exceeds %d bytes", c.maxResp)
			}
			buf.Write(chunk[:n])
			// 设备不主动断开时，依据其长度前缀提前结束，无需等待超时
			if cipher.Complete(buf.Bytes()) {
				break
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if isTimeout(err) && ctx.Err() == nil {
			break
		}
		return nil, v1errors.Wrap(v1errors.CodeRead, "read response", ctxErr(ctx, err))
	}
	return buf.Bytes(), nil
}

func (c *Client) readDeadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

// decodeResponse 解密整段响应：丢弃前 5 字节后补回 '{'，并校验 JSON。
func decodeResponse(raw []byte) (string, error) {
	if len(raw) <= cipher.ResponseSkip {
		return "", v1errors.Newf(v1errors.CodeDecode, "response too short: %d bytes", len(raw))
	}
	plain := cipher.Decode(raw)
	out := make([]byte, 0, len(plain)-cipher.ResponseSkip+1)
	out = append(out, '{')
	out = append(out, plain[cipher.ResponseSkip:]...)
	if !json.Valid(out) {
		return "", v1errors.Newf(v1errors.CodeDecode, "response is not valid json (%d bytes)", len(out))
	}
	return string(out), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ctxErr 在 ctx 已结束时用 ctx 的错误替换由强制截止时间引起的 I/O 错误。
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w (%v)", cerr, err)
	}
	return err
}
