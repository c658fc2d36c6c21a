package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 DASHSCOPEGO_SERVER_LISTEN。
const EnvPrefix = "DASHSCOPEGO"

// InitViper 创建配置好的 *viper.Viper。
// configFile 为空时在当前目录与 ~/.dashscopego 下查找 config.yaml，找不到时只使用默认值。
//
// 优先级（从高到低）：
//  1. 命令行参数（通过 BindRegisteredFlags 绑定后）
//  2. 环境变量 DASHSCOPEGO_*
//  3. config.yaml
//  4. NewDefaultConfig 中的默认值
func InitViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setViperDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.dashscopego")
	}

	if err := v.ReadInConfig(); err != nil {
		// 未显式指定配置文件时，找不到文件不算错误
		if configFile != "" || !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// Load 把 viper 中的值解码为 Config。
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// setViperDefaults 以 NewDefaultConfig 为唯一来源注册默认值。
// AutomaticEnv 只对注册过的 key 生效，因此每个 key 都要在这里出现。
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.metrics_path", d.Server.MetricsPath)
	v.SetDefault("server.allow_unknown_models", d.Server.AllowUnknownModels)

	v.SetDefault("dashscope.base_url", d.DashScope.BaseURL)
	v.SetDefault("dashscope.api_key", d.DashScope.APIKey)
	v.SetDefault("dashscope.workspace_id", d.DashScope.WorkspaceID)
	v.SetDefault("dashscope.auth_source", d.DashScope.AuthSource)
	v.SetDefault("dashscope.api_key_file", d.DashScope.APIKeyFile)
	v.SetDefault("dashscope.model", d.DashScope.Model)
	v.SetDefault("dashscope.thinking", d.DashScope.Thinking)
	v.SetDefault("dashscope.idle_timeout", d.DashScope.IdleTimeout)

	v.SetDefault("log.debug", d.Log.Debug)
}
