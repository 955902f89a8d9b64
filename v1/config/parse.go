package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultDevicePort = 9999

// ParseAddress 解析排插地址简写（形如 "192.168.1.20:2"）。
// 冒号后为从 1 开始的插座编号，返回值换算为从 0 开始的序号。
// 参数：
// - s: 地址文本
// 返回：
// - string: 主机
// - int: 插座序号（从 0 开始）
// - error: 解析失败原因
func ParseAddress(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return "", 0, fmt.Errorf("invalid address: %q", s)
	}
	host := strings.TrimSpace(s[:i])
	n, err := strconv.Atoi(strings.TrimSpace(s[i+1:]))
	if err != nil {
		return "", 0, fmt.Errorf("invalid address outlet: %q", s[i+1:])
	}
	if n < 1 {
		return "", 0, fmt.Errorf("invalid address outlet: %d (numbering starts at 1)", n)
	}
	return host, n - 1, nil
}

type ByteSize int64

// Int64 返回字节数的 int64 表达。
func (b ByteSize) Int64() int64 { return int64(b) }

// UnmarshalYAML 支持从 YAML 中解析 ByteSize（如 64KB、2MB、1024B）。
// 参数：
// - value: YAML 节点
// 返回：
// - error: 解析失败原因
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*b = 0
		return nil
	}
	v := strings.TrimSpace(value.Value)
	if v == "" {
		*b = 0
		return nil
	}
	n, err := parseByteSize(v)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// parseByteSize 解析形如 "64KB"/"1.5MB" 的字节数文本。
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "KB"):
		mult = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "MB"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "GB"):
		mult = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return int64(f * float64(mult)), nil
}

// DefaultConfig 返回一份可用的默认配置（用于未提供配置文件或作为缺省值合并）。
func DefaultConfig() Config {
	return Config{
		Client: ClientConfig{
			Timeout:          2 * time.Second,
			MaxResponseBytes: ByteSize(64 * 1024),
		},
		Monitor: MonitorConfig{
			Interval: 30 * time.Second,
		},
		Bridge: BridgeConfig{
			Listen:          "127.0.0.1:8099",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "console",
			FilePath: "logs/plugx.log",
			MaxSize:  ByteSize(10 * 1024 * 1024),
			MaxAge:   7,
			Compress: true,
		},
	}
}
