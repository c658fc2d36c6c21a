package config

import "github.com/LubyRuffy/dashscopego"

const (
	DefaultListen      = "127.0.0.1:8080"
	DefaultBasePath    = "/v1"
	DefaultMetricsPath = "/metrics"
	DefaultAuthSource  = "auto"
	DefaultIdleTimeout = dashscopego.DefaultIdleTimeout
)

func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:      DefaultListen,
			BasePath:    DefaultBasePath,
			MetricsPath: DefaultMetricsPath,
		},
		DashScope: DashScopeConfig{
			BaseURL:     dashscopego.DefaultBaseURL,
			AuthSource:  DefaultAuthSource,
			Model:       dashscopego.DefaultChatModel,
			IdleTimeout: DefaultIdleTimeout,
		},
	}
}
