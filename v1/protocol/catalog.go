package protocol

import (
	"sort"

	v1errors "plug-x/v1/errors"
)

const DefaultPort = 9999

const (
	CmdInfo      = "info"
	CmdOn        = "on"
	CmdOff       = "off"
	CmdCloudInfo = "cloudinfo"
	CmdWlanScan  = "wlanscan"
	CmdTime      = "time"
	CmdSchedule  = "schedule"
	CmdCountdown = "countdown"
	CmdAntiTheft = "antitheft"
	CmdReboot    = "reboot"
	CmdReset     = "reset"
	CmdEnergy    = "energy"
)

// 预置命令目录，进程内只读。
var catalog = map[string]string{
	CmdInfo:      `{"system":{"get_sysinfo":{}}}`,
	CmdOn:        `{"system":{"set_relay_state":{"state":1}}}`,
	CmdOff:       `{"system":{"set_relay_state":{"state":0}}}`,
	CmdCloudInfo: `{"cnCloud":{"get_info":{}}}`,
	CmdWlanScan:  `{"netif":{"get_scaninfo":{"refresh":0}}}`,
	CmdTime:      `{"time":{"get_time":{}}}`,
	CmdSchedule:  `{"schedule":{"get_rules":{}}}`,
	CmdCountdown: `{"count_down":{"get_rules":{}}}`,
	CmdAntiTheft: `{"anti_theft":{"get_rules":{}}}`,
	CmdReboot:    `{"system":{"reboot":{"delay":1}}}`,
	CmdReset:     `{"system":{"reset":{"delay":1}}}`,
	CmdEnergy:    `{"emeter":{"get_realtime":{}}}`,
}

// Lookup 返回命令名对应的请求体。
func Lookup(name string) (string, bool) {
	body, ok := catalog[name]
	return body, ok
}

// Body 与 Lookup 相同，但命令不存在时返回 CodeUnknownCommand。
func Body(name string) (string, error) {
	body, ok := catalog[name]
	if !ok {
		return "", v1errors.Newf(v1errors.CodeUnknownCommand, "unknown command: %q", name)
	}
	return body, nil
}

// Names 返回排序后的全部命令名。
func Names() []string {
	out := make([]string, 0, len(catalog))
	for name := range catalog {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
