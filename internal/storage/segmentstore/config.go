package segmentstore

import (
	"fmt"
)

// Config 本地段存储配置
type Config struct {
	Path          string `mapstructure:"path" json:"path"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms" json:"busy_timeout_ms"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Path:          "data/pending_segments.db",
		BusyTimeoutMs: 5000,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("segment store path is required")
	}
	if c.BusyTimeoutMs < 0 {
		return fmt.Errorf("segment store busy timeout must be >= 0")
	}
	return nil
}

// DSN 返回 sqlite 连接串
func (c *Config) DSN() string {
	return fmt.Sprintf("%s?_busy_timeout=%d", c.Path, c.BusyTimeoutMs)
}
