// Package outlet 以单个插座为单位封装常用操作（开/关/切换/状态/功率/别名）。
// 单插座设备直接寻址；排插上的插座在首次使用时通过父设备的 sysinfo 解析 deviceId。
package outlet

import (
	"context"
	"fmt"
	"sync"

	"plug-x/v1/client"
	"plug-x/v1/config"
	v1errors "plug-x/v1/errors"
	"plug-x/v1/protocol"
	"plug-x/v1/status"
)

type Outlet struct {
	name string
	dev  config.DeviceConfig
	opts client.Options

	// 父设备（不带插座寻址），用于读取 sysinfo
	parent *client.Client

	mu       sync.Mutex
	deviceID string
	target   *client.Client
}

type Snapshot struct {
	Name    string            `json:"name"`
	Host    string            `json:"host"`
	ChildID string            `json:"child_id,omitempty"`
	Alias   string            `json:"alias"`
	State   status.RelayState `json:"state"`
	Watts   *float64          `json:"watts,omitempty"`
}

// New 根据设备配置创建插座句柄（不产生网络 I/O）。
// 参数：
// - dev: 已通过 config.ValidateDevice 的设备条目
// - opts: 客户端选项
// 返回：
// - *Outlet: 插座句柄
// - error: CodeConfig
func New(dev config.DeviceConfig, opts client.Options) (*Outlet, error) {
	if err := config.ValidateDevice(dev); err != nil {
		return nil, v1errors.Wrap(v1errors.CodeConfig, "invalid device "+dev.Name, err)
	}
	parent, err := client.New(client.Target{Host: dev.Host, Port: dev.Port}, opts)
	if err != nil {
		return nil, err
	}
	o := &Outlet{name: dev.Name, dev: dev, opts: opts, parent: parent}
	if dev.Model == config.ModelPlug {
		o.target = parent
	} else if dev.DeviceID != "" {
		if err := o.bind(dev.DeviceID); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// FromConfig 为配置中的每个设备创建插座句柄。
func FromConfig(cfg config.Config, opts client.Options) ([]*Outlet, error) {
	out := make([]*Outlet, 0, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		o, err := New(dev, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// ClientOptions 将配置中的客户端参数转为 client.Options。
func ClientOptions(cfg config.ClientConfig) client.Options {
	return client.Options{
		Timeout:          cfg.Timeout,
		MaxResponseBytes: int(cfg.MaxResponseBytes.Int64()),
		Debug:            cfg.Debug,
	}
}

func (o *Outlet) Name() string { return o.name }

func (o *Outlet) Device() config.DeviceConfig { return o.dev }

func (o *Outlet) IsStrip() bool { return o.dev.Model == config.ModelStrip }

// ChildID 返回排插插座的复合标识；单插座或尚未初始化时为空。
func (o *Outlet) ChildID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.IsStrip() || o.deviceID == "" {
		return ""
	}
	return protocol.ChildID(o.deviceID, *o.dev.Outlet)
}

func (o *Outlet) bind(deviceID string) error {
	c, err := client.New(client.Target{
		Host:     o.dev.Host,
		Port:     o.dev.Port,
		DeviceID: deviceID,
		Outlet:   client.Index(*o.dev.Outlet),
	}, o.opts)
	if err != nil {
		return err
	}
	o.deviceID = deviceID
	o.target = c
	return nil
}

// Init 对排插插座执行初始化：从父设备的 sysinfo 读取 deviceId 并绑定寻址客户端。
// 单插座或已配置 device_id 时直接返回。
func (o *Outlet) Init(ctx context.Context) error {
	_, err := o.client(ctx)
	return err
}

func (o *Outlet) client(ctx context.Context) (*client.Client, error) {
	o.mu.Lock()
	if o.target != nil {
		c := o.target
		o.mu.Unlock()
		return c, nil
	}
	o.mu.Unlock()

	info, err := o.sysinfo(ctx)
	if err != nil {
		return nil, v1errors.WithMessage(err, "strip init "+o.name)
	}
	if info.DeviceID == "" {
		return nil, v1errors.Newf(v1errors.CodeDecode, "strip %s: sysinfo has no deviceId", o.name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.target == nil {
		if err := o.bind(info.DeviceID); err != nil {
			return nil, err
		}
	}
	return o.target, nil
}

func (o *Outlet) sysinfo(ctx context.Context) (status.SysInfo, error) {
	raw, err := o.parent.SendContext(ctx, protocol.CmdInfo)
	if err != nil {
		return status.SysInfo{}, err
	}
	return status.ParseSysInfo(raw)
}

// State 读取插座当前状态。
// 单插座读 relay_state；排插读 children 中与 child id 匹配的 state。
func (o *Outlet) State(ctx context.Context) (status.RelayState, error) {
	st, _, err := o.stateAndAlias(ctx)
	return st, err
}

// Alias 读取插座别名（排插为子插座别名）。
func (o *Outlet) Alias(ctx context.Context) (string, error) {
	_, alias, err := o.stateAndAlias(ctx)
	return alias, err
}

func (o *Outlet) stateAndAlias(ctx context.Context) (status.RelayState, string, error) {
	if _, err := o.client(ctx); err != nil {
		return "", "", err
	}
	info, err := o.sysinfo(ctx)
	if err != nil {
		return "", "", err
	}
	if !o.IsStrip() {
		return info.Relay(), info.Alias, nil
	}
	childID := o.ChildID()
	ch, ok := info.Child(childID)
	if !ok {
		return "", "", v1errors.Newf(v1errors.CodeDecode, "outlet %s: child %s not reported by device", o.name, childID)
	}
	return status.RelayFromInt(ch.State), ch.Alias, nil
}

// Set 切换插座到指定状态，设备返回 err_code != 0 时报错。
func (o *Outlet) Set(ctx context.Context, state status.RelayState) error {
	c, err := o.client(ctx)
	if err != nil {
		return err
	}
	raw, err := c.SendContext(ctx, state.Command())
	if err != nil {
		return err
	}
	if err := status.CheckRelayResult(raw); err != nil {
		return v1errors.WithMessage(err, fmt.Sprintf("turn %s %s", state, o.name))
	}
	return nil
}

func (o *Outlet) TurnOn(ctx context.Context) error { return o.Set(ctx, status.RelayOn) }

func (o *Outlet) TurnOff(ctx context.Context) error { return o.Set(ctx, status.RelayOff) }

// Toggle 读取当前状态后切换到相反状态，返回新状态。
func (o *Outlet) Toggle(ctx context.Context) (status.RelayState, error) {
	cur, err := o.State(ctx)
	if err != nil {
		return "", err
	}
	next := cur.Toggle()
	if err := o.Set(ctx, next); err != nil {
		return "", err
	}
	return next, nil
}

// Power 读取当前功率（瓦）。排插按插座寻址读取。
func (o *Outlet) Power(ctx context.Context) (float64, error) {
	c, err := o.client(ctx)
	if err != nil {
		return 0, err
	}
	raw, err := c.SendContext(ctx, protocol.CmdEnergy)
	if err != nil {
		return 0, err
	}
	rt, err := status.ParseRealtime(raw)
	if err != nil {
		return 0, err
	}
	return rt.Watts(), nil
}

// Send 通过该插座的寻址客户端发送任意预置命令，返回原始应答 JSON。
func (o *Outlet) Send(ctx context.Context, name string) (string, error) {
	if _, ok := protocol.Lookup(name); !ok {
		return "", v1errors.Newf(v1errors.CodeUnknownCommand, "unknown command: %q", name)
	}
	c, err := o.client(ctx)
	if err != nil {
		return "", err
	}
	return c.SendContext(ctx, name)
}

// Snapshot 汇总状态、别名，以及配置了 emeter 时的功率。
func (o *Outlet) Snapshot(ctx context.Context) (Snapshot, error) {
	st, alias, err := o.stateAndAlias(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Name:    o.name,
		Host:    o.dev.Host,
		ChildID: o.ChildID(),
		Alias:   alias,
		State:   st,
	}
	if o.dev.Emeter {
		w, err := o.Power(ctx)
		if err != nil {
			return snap, err
		}
		snap.Watts = &w
	}
	return snap, nil
}
