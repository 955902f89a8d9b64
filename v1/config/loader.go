package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load 从 YAML 文件读取并解析配置，并做基础校验与默认值补齐。
// 参数：
// - path: 配置文件路径
// 返回：
// - Config: 合并默认值后的配置
// - error: 读取/解析/校验失败原因
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(raw)
}

// Parse 解析 YAML 文本，补齐设备默认值并校验。
func Parse(raw []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal yaml: %w", err)
	}
	for i := range cfg.Devices {
		if err := normalizeDevice(&cfg.Devices[i]); err != nil {
			return Config{}, fmt.Errorf("devices[%d]: %w", i, err)
		}
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalizeDevice 展开 address 简写并补齐端口与型号。
func normalizeDevice(d *DeviceConfig) error {
	d.Name = strings.TrimSpace(d.Name)
	d.Host = strings.TrimSpace(d.Host)
	d.DeviceID = strings.TrimSpace(d.DeviceID)
	if d.Address != "" {
		host, idx, err := ParseAddress(d.Address)
		if err != nil {
			return err
		}
		if d.Host != "" && d.Host != host {
			return fmt.Errorf("host %q conflicts with address %q", d.Host, d.Address)
		}
		d.Host = host
		if d.Outlet == nil {
			d.Outlet = &idx
		}
		if d.Model == "" {
			d.Model = ModelStrip
		}
	}
	if d.Port == 0 {
		d.Port = DefaultDevicePort
	}
	if d.Model == "" {
		if d.Outlet != nil {
			d.Model = ModelStrip
		} else {
			d.Model = ModelPlug
		}
	}
	return nil
}

// Validate 校验配置字段合法性（超时、日志输出、设备列表等）。
// 参数：
// - cfg: 待校验配置
// 返回：
// - error: 校验失败原因
func Validate(cfg Config) error {
	if cfg.Client.Timeout <= 0 {
		return fmt.Errorf("invalid client.timeout: %s", cfg.Client.Timeout)
	}
	if cfg.Client.MaxResponseBytes <= 0 {
		return fmt.Errorf("invalid client.max_response_bytes: %d", cfg.Client.MaxResponseBytes)
	}
	if cfg.Monitor.Interval <= 0 {
		return fmt.Errorf("invalid monitor.interval: %s", cfg.Monitor.Interval)
	}
	if strings.TrimSpace(cfg.Bridge.Listen) == "" {
		return fmt.Errorf("bridge.listen is required")
	}
	switch strings.ToLower(cfg.Logging.Output) {
	case "", "console":
	case "file":
		if cfg.Logging.FilePath == "" {
			return fmt.Errorf("logging.file_path is required when output=file")
		}
	default:
		return fmt.Errorf("invalid logging.output: %q", cfg.Logging.Output)
	}
	seen := make(map[string]struct{}, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if err := ValidateDevice(d); err != nil {
			return fmt.Errorf("devices[%d] invalid: %w", i, err)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("devices[%d] invalid: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// ValidateDevice 校验单个设备条目。
func ValidateDevice(d DeviceConfig) error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Host == "" {
		return fmt.Errorf("host is required")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("invalid port: %d", d.Port)
	}
	switch d.Model {
	case ModelPlug:
		if d.Outlet != nil || d.DeviceID != "" {
			return fmt.Errorf("plug %q must not set outlet or device_id", d.Name)
		}
	case ModelStrip:
		if d.Outlet == nil {
			return fmt.Errorf("strip %q requires outlet or address", d.Name)
		}
		if *d.Outlet < 0 {
			return fmt.Errorf("invalid outlet: %d", *d.Outlet)
		}
	default:
		return fmt.Errorf("unknown model: %q", d.Model)
	}
	return nil
}
