package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Callback    CallbackConfig    `yaml:"callback"`
	Awareness   AwarenessConfig   `yaml:"awareness"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type PersistenceConfig struct {
	// DSN selects the log store; empty keeps every room in memory only.
	DSN                 string `yaml:"dsn"`
	CompactionThreshold int    `yaml:"compaction_threshold"`
}

type ConnectionConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	SendBuffer   int           `yaml:"send_buffer"`
}

type CallbackConfig struct {
	URL     string        `yaml:"url"`
	Wait    time.Duration `yaml:"debounce_wait"`
	MaxWait time.Duration `yaml:"debounce_max_wait"`
	Timeout time.Duration `yaml:"timeout"`
	Retries uint64        `yaml:"retries"`
}

type AwarenessConfig struct {
	OutdatedTimeout time.Duration `yaml:"outdated_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
