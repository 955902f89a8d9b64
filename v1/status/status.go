// Package status 解析设备应答 JSON。
//
// 传输与解密错误由 client 返回；这里区分两类结果：
// 应答无法按预期结构解析（CodeDecode）与设备自身报告的失败（err_code != 0，CodeDevice）。
package status

import (
	"encoding/json"
	"fmt"
	"strings"

	v1errors "plug-x/v1/errors"
)

type RelayState string

const (
	RelayOn  RelayState = "on"
	RelayOff RelayState = "off"
)

// String 返回继电器状态文本。
func (s RelayState) String() string { return string(s) }

// ParseRelayState 将文本解析为 RelayState（on/off，不区分大小写）。
func ParseRelayState(v string) (RelayState, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case string(RelayOn):
		return RelayOn, nil
	case string(RelayOff):
		return RelayOff, nil
	default:
		return "", fmt.Errorf("unknown RelayState: %q", v)
	}
}

// RelayFromInt 将协议中的 0/1 转为 RelayState。
func RelayFromInt(v int) RelayState {
	if v == 1 {
		return RelayOn
	}
	return RelayOff
}

// Command 返回切换到该状态所需的命令名。
func (s RelayState) Command() string { return string(s) }

// Toggle 返回相反状态。
func (s RelayState) Toggle() RelayState {
	if s == RelayOn {
		return RelayOff
	}
	return RelayOn
}

// MarshalJSON 将 RelayState 编码为 JSON 字符串。
func (s RelayState) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }

// UnmarshalJSON 从 JSON 字符串解码为 RelayState。
func (s *RelayState) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseRelayState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// DeviceError 表示设备以合法 JSON 报告的失败。
type DeviceError struct {
	Method string
	Code   int
	Msg    string
}

func (e *DeviceError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: err_code %d", e.Method, e.Code)
	}
	return fmt.Sprintf("%s: err_code %d (%s)", e.Method, e.Code, e.Msg)
}

type Child struct {
	ID     string `json:"id"`
	State  int    `json:"state"`
	Alias  string `json:"alias"`
	OnTime int64  `json:"on_time"`
}

type SysInfo struct {
	Alias      string  `json:"alias"`
	DeviceID   string  `json:"deviceId"`
	Model      string  `json:"model"`
	SWVersion  string  `json:"sw_ver"`
	HWVersion  string  `json:"hw_ver"`
	MAC        string  `json:"mac"`
	Feature    string  `json:"feature"`
	RelayState int     `json:"relay_state"`
	OnTime     int64   `json:"on_time"`
	RSSI       int     `json:"rssi"`
	ChildNum   int     `json:"child_num"`
	Children   []Child `json:"children"`
	ErrCode    int     `json:"err_code"`
	ErrMsg     string  `json:"err_msg"`
}

// HasEmeter 判断设备是否声明了电量计功能。
func (s SysInfo) HasEmeter() bool { return strings.Contains(s.Feature, "ENE") }

// IsStrip 判断是否为多插座设备。
func (s SysInfo) IsStrip() bool { return len(s.Children) > 0 }

// Relay 返回单插座设备的继电器状态。
func (s SysInfo) Relay() RelayState { return RelayFromInt(s.RelayState) }

// Child 按复合标识查找子插座。
// 兼容部分固件只上报两位序号（如 "01"）而非完整 deviceId 前缀的情况。
func (s SysInfo) Child(childID string) (Child, bool) {
	for _, ch := range s.Children {
		if ch.ID == childID {
			return ch, true
		}
	}
	if len(childID) > 2 {
		suffix := childID[len(childID)-2:]
		for _, ch := range s.Children {
			if ch.ID == suffix {
				return ch, true
			}
		}
	}
	return Child{}, false
}

type Realtime struct {
	PowerMW   int64   `json:"power_mw"`
	VoltageMV int64   `json:"voltage_mv"`
	CurrentMA int64   `json:"current_ma"`
	TotalWH   int64   `json:"total_wh"`
	Power     float64 `json:"power"`
	Voltage   float64 `json:"voltage"`
	Current   float64 `json:"current"`
	Total     float64 `json:"total"`
	ErrCode   int     `json:"err_code"`
	ErrMsg    string  `json:"err_msg"`
}

// Watts 返回当前功率（瓦）；旧固件只上报 power（瓦）时回退到该字段。
func (r Realtime) Watts() float64 {
	if r.PowerMW != 0 || r.Power == 0 {
		return float64(r.PowerMW) / 1000
	}
	return r.Power
}

type result struct {
	ErrCode *int   `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
}

// ParseSysInfo 解析 info 命令应答中的 system.get_sysinfo。
func ParseSysInfo(raw string) (SysInfo, error) {
	var info SysInfo
	if err := extract(raw, "system", "get_sysinfo", &info); err != nil {
		return SysInfo{}, err
	}
	if info.ErrCode != 0 {
		return SysInfo{}, deviceErr("system.get_sysinfo", info.ErrCode, info.ErrMsg)
	}
	return info, nil
}

// ParseRealtime 解析 energy 命令应答中的 emeter.get_realtime。
func ParseRealtime(raw string) (Realtime, error) {
	var rt Realtime
	if err := extract(raw, "emeter", "get_realtime", &rt); err != nil {
		return Realtime{}, err
	}
	if rt.ErrCode != 0 {
		return Realtime{}, deviceErr("emeter.get_realtime", rt.ErrCode, rt.ErrMsg)
	}
	return rt, nil
}

// CheckRelayResult 检查 on/off 命令应答中的 system.set_relay_state.err_code。
func CheckRelayResult(raw string) error {
	return CheckResult(raw, "system", "set_relay_state")
}

// CheckResult 检查任意 module.method 的 err_code，0 表示成功。
// 参数：
// - raw: 应答 JSON
// - module: 顶层模块名（如 system）
// - method: 方法名（如 reboot）
// 返回：
// - error: CodeDecode（结构不符）或 CodeDevice（err_code != 0）
func CheckResult(raw, module, method string) error {
	var res result
	if err := extract(raw, module, method, &res); err != nil {
		return err
	}
	if res.ErrCode == nil {
		return v1errors.Newf(v1errors.CodeDecode, "%s.%s: missing err_code", module, method)
	}
	if *res.ErrCode != 0 {
		return deviceErr(module+"."+method, *res.ErrCode, res.ErrMsg)
	}
	return nil
}

// extract 取出 raw[module][method] 并解码到 out。
// 模块级错误（如 {"emeter":{"err_code":-1,"err_msg":"module not support"}}）返回 CodeDevice。
func extract(raw, module, method string, out any) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &top); err != nil {
		return v1errors.Wrap(v1errors.CodeDecode, "invalid response json", err)
	}
	modRaw, ok := top[module]
	if !ok {
		return v1errors.Newf(v1errors.CodeDecode, "response missing %q", module)
	}
	var mod map[string]json.RawMessage
	if err := json.Unmarshal(modRaw, &mod); err != nil {
		return v1errors.Wrap(v1errors.CodeDecode, "invalid "+module+" object", err)
	}
	methodRaw, ok := mod[method]
	if !ok {
		var res result
		if err := json.Unmarshal(modRaw, &res); err == nil && res.ErrCode != nil && *res.ErrCode != 0 {
			return deviceErr(module, *res.ErrCode, res.ErrMsg)
		}
		return v1errors.Newf(v1errors.CodeDecode, "response missing %s.%s", module, method)
	}
	if err := json.Unmarshal(methodRaw, out); err != nil {
		return v1errors.Wrap(v1errors.CodeDecode, "invalid "+module+"."+method+" object", err)
	}
	return nil
}

func deviceErr(method string, code int, msg string) error {
	return v1errors.Wrap(v1errors.CodeDevice, "device reported failure", &DeviceError{Method: method, Code: code, Msg: msg})
}
