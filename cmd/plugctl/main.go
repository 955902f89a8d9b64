package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"plug-x/v1/bridge"
	"plug-x/v1/client"
	"plug-x/v1/config"
	"plug-x/v1/devsim"
	v1errors "plug-x/v1/errors"
	v1log "plug-x/v1/log"
	"plug-x/v1/monitor"
	"plug-x/v1/outlet"
	"plug-x/v1/protocol"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"
)

const Version = "1.0"

type Globals struct {
	Config   string `short:"f" default:"configs/config.yaml" help:"配置文件路径（YAML）；目录则读取其中的 config.yaml"`
	LogLevel string `name:"log-level" help:"覆盖配置中的日志级别"`
	Debug    bool   `short:"v" help:"输出请求/响应明文（debug 级别）"`

	out io.Writer
}

type CLI struct {
	Globals

	Send     SendCmd     `cmd:"" help:"向设备发送一条命令并打印应答"`
	Status   StatusCmd   `cmd:"" help:"读取配置中所有插座的状态"`
	Watch    WatchCmd    `cmd:"" help:"周期轮询配置中的插座"`
	Serve    ServeCmd    `cmd:"" help:"启动 HTTP 桥接（同时后台轮询）"`
	Sim      SimCmd      `cmd:"" help:"启动模拟设备"`
	Commands CommandsCmd `cmd:"" help:"列出预置命令"`
	Version  VersionCmd  `cmd:"" help:"输出版本并退出"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("plugctl"),
		kong.Description("TP-Link Smart Home 协议客户端 "+Version),
		kong.UsageOnError(),
	)
	cli.Globals.out = os.Stdout
	err := ctx.Run(&cli.Globals)
	if err != nil {
		v1log.L().WithField("code", v1errors.Code(err)).WithError(err).Error("command failed")
		os.Exit(1)
	}
}

// --- send ---

type SendCmd struct {
	Target   string        `short:"t" required:"" help:"目标主机名或 IP"`
	Port     int           `default:"9999" help:"目标端口"`
	Command  string        `short:"c" xor:"body" required:"" help:"预置命令名（见 commands 子命令）"`
	Raw      string        `short:"C" xor:"body" required:"" help:"未经目录校验的原始 JSON 命令体"`
	DeviceID string        `short:"d" name:"device-id" help:"排插 deviceId（需与 --outlet 同时给出）"`
	Outlet   int           `short:"p" default:"-1" help:"排插插座序号（从 0 开始）"`
	Timeout  time.Duration `default:"2s" help:"读超时"`
}

func (c *SendCmd) Run(g *Globals) error {
	cfg, err := g.load(false)
	if err != nil {
		return err
	}
	target := client.Target{Host: c.Target, Port: c.Port, DeviceID: c.DeviceID}
	if c.Outlet >= 0 {
		target.Outlet = client.Index(c.Outlet)
	}
	opts := outlet.ClientOptions(cfg.Client)
	opts.Timeout = c.Timeout
	cl, err := client.New(target, opts)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	var resp string
	if c.Raw != "" {
		_, _ = fmt.Fprintln(g.out, "Sent:    ", c.Raw)
		resp, err = cl.SendRawContext(ctx, c.Raw)
	} else {
		_, _ = fmt.Fprintln(g.out, "Sent:    ", c.Command)
		resp, err = cl.SendContext(ctx, c.Command)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(g.out, "Received:", pretty(resp))
	return nil
}

// --- status ---

type StatusCmd struct{}

func (c *StatusCmd) Run(g *Globals) error {
	cfg, err := g.load(true)
	if err != nil {
		return err
	}
	outs, err := outlet.FromConfig(cfg, outlet.ClientOptions(cfg.Client))
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	failed := 0
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	for _, o := range outs {
		snap, err := o.Snapshot(ctx)
		if err != nil {
			failed++
			v1log.With(map[string]any{"outlet": o.Name(), "code": v1errors.Code(err)}).WithError(err).Error("status failed")
			continue
		}
		if err := enc.Encode(snap); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d outlets failed", failed, len(outs))
	}
	return nil
}

// --- watch ---

type WatchCmd struct {
	Interval time.Duration `help:"轮询间隔（覆盖配置）"`
}

func (c *WatchCmd) Run(g *Globals) error {
	cfg, err := g.load(true)
	if err != nil {
		return err
	}
	if c.Interval > 0 {
		cfg.Monitor.Interval = c.Interval
	}
	outs, err := outlet.FromConfig(cfg, outlet.ClientOptions(cfg.Client))
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	mon := monitor.New(outs, cfg.Monitor.Interval, v1log.L())
	mon.OnChange(func(prev, cur outlet.Snapshot) {
		_, _ = fmt.Fprintf(g.out, "%s %s: %s -> %s\n", time.Now().Format(time.RFC3339), cur.Name, prev.State, cur.State)
	})
	if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// --- serve ---

type ServeCmd struct {
	Listen string `help:"监听地址（覆盖配置）"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := g.load(true)
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Bridge.Listen = c.Listen
	}
	outs, err := outlet.FromConfig(cfg, outlet.ClientOptions(cfg.Client))
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	mon := monitor.New(outs, cfg.Monitor.Interval, v1log.L())
	srv := bridge.New(outs, mon, v1log.L())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	eg.Go(func() error { return srv.ListenAndServe(ctx, cfg.Bridge) })
	return eg.Wait()
}

// --- sim ---

type SimCmd struct {
	Listen   string `default:"127.0.0.1:9999" help:"监听地址"`
	Outlets  int    `default:"0" help:"插座数量（0 表示单插座设备）"`
	DeviceID string `name:"device-id" help:"模拟设备 deviceId"`
	Alias    string `default:"sim plug" help:"设备别名"`
	Emeter   bool   `help:"启用电量计"`
	PowerMW  int64  `name:"power-mw" default:"0" help:"电量计上报功率（毫瓦）"`
	KeepOpen bool   `name:"keep-open" help:"应答后保持连接"`
}

func (c *SimCmd) Run(g *Globals) error {
	if _, err := g.load(false); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	sim := devsim.New(devsim.Options{
		Outlets:  c.Outlets,
		DeviceID: c.DeviceID,
		Alias:    c.Alias,
		Emeter:   c.Emeter,
		PowerMW:  c.PowerMW,
		KeepOpen: c.KeepOpen,
		Logger:   v1log.L(),
	})
	if err := sim.Start(ctx, c.Listen); err != nil {
		return err
	}
	<-ctx.Done()
	sim.Stop()
	return nil
}

// --- commands / version ---

type CommandsCmd struct{}

func (c *CommandsCmd) Run(g *Globals) error {
	for _, name := range protocol.Names() {
		body, _ := protocol.Lookup(name)
		_, _ = fmt.Fprintf(g.out, "%-10s %s\n", name, body)
	}
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	_, _ = fmt.Fprintln(g.out, Version)
	return nil
}

// load 读取配置并初始化日志。
// 参数：
// - requireFile: 为 true 时配置文件必须存在；否则文件缺失时使用默认配置
func (g *Globals) load(requireFile bool) (config.Config, error) {
	path := resolveConfigPath(g.Config)
	cfg, err := config.Load(path)
	if err != nil {
		if requireFile || !errors.Is(err, os.ErrNotExist) {
			return config.Config{}, err
		}
		cfg = config.DefaultConfig()
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if g.Debug {
		cfg.Client.Debug = true
		cfg.Logging.Level = "debug"
	}
	if err := v1log.Init(cfg.Logging); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func resolveConfigPath(p string) string {
	if p == "" {
		return "configs/config.yaml"
	}
	st, err := os.Stat(p)
	if err != nil {
		return p
	}
	if st.IsDir() {
		return filepath.Join(p, "config.yaml")
	}
	return p
}

// pretty 对 JSON 做缩进，失败时原样返回。
func pretty(raw string) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(raw), "", "  "); err != nil {
		return raw
	}
	return strings.TrimSpace(buf.String())
}

// signalContext 创建一个可被 SIGINT/SIGTERM 取消的 Context。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
