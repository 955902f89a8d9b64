package config

import "time"

type Config struct {
	Client  ClientConfig   `yaml:"client"`
	Monitor MonitorConfig  `yaml:"monitor"`
	Bridge  BridgeConfig   `yaml:"bridge"`
	Logging LoggingConfig  `yaml:"logging"`
	Devices []DeviceConfig `yaml:"devices"`
}

type ClientConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxResponseBytes ByteSize      `yaml:"max_response_bytes"`
	Debug            bool          `yaml:"debug"`
}

type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type BridgeConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level    string   `yaml:"level"`
	Format   string   `yaml:"format"`
	Output   string   `yaml:"output"`
	FilePath string   `yaml:"file_path"`
	MaxSize  ByteSize `yaml:"max_size"`
	MaxAge   int      `yaml:"max_age"`
	Compress bool     `yaml:"compress"`
}

type Model string

const (
	ModelPlug  Model = "plug"
	ModelStrip Model = "strip"
)

// DeviceConfig 描述一个受控插座。
// 单插座设备只需 host；排插需要 outlet（从 0 开始）或 address（"host:N"，N 从 1 开始），
// device_id 缺省时在初始化阶段通过 info 命令从父设备读取。
type DeviceConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Model    Model  `yaml:"model"`
	Address  string `yaml:"address"`
	DeviceID string `yaml:"device_id"`
	Outlet   *int   `yaml:"outlet"`
	Emeter   bool   `yaml:"emeter"`
}
