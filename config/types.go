package config

import "time"

// Config dashscope-server / dashscope-adk 的配置，对应 config.yaml。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DashScope DashScopeConfig `mapstructure:"dashscope"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig 转发服务监听配置。
type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	// MetricsPath prometheus 端点，"-" 表示不注册。
	MetricsPath string `mapstructure:"metrics_path"`
	// AllowUnknownModels 为 true 时不校验模型是否在内置列表中。
	AllowUnknownModels bool `mapstructure:"allow_unknown_models"`
}

// DashScopeConfig 上游 DashScope 配置。
type DashScopeConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// APIKey 非空时优先于 AuthSource。
	APIKey      string `mapstructure:"api_key"`
	WorkspaceID string `mapstructure:"workspace_id"`
	// AuthSource env|file|auto。
	AuthSource string `mapstructure:"auth_source"`
	APIKeyFile string `mapstructure:"api_key_file"`
	Model      string `mapstructure:"model"`
	// Thinking 思考开关：on/off，空值表示不发送 enable_thinking。
	Thinking    string        `mapstructure:"thinking"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}
