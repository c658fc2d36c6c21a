package config

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flag 命令行参数定义，多个命令共用同一份定义，避免名称与默认值漂移。
type Flag struct {
	Name        string
	Shorthand   string
	ViperKey    string
	Description string
}

type FlagSet map[string]Flag

const (
	FlagListen      = "listen"
	FlagBasePath    = "base-path"
	FlagBaseURL     = "base-url"
	FlagAuthSource  = "auth-source"
	FlagModel       = "model"
	FlagIdleTimeout = "idle-timeout"
	FlagThinking    = "thinking"
	FlagDebug       = "debug"
)

// Flags 所有命令可用的参数。
var Flags = FlagSet{
	FlagListen:      {Name: "listen", Shorthand: "l", ViperKey: "server.listen", Description: "listen address"},
	FlagBasePath:    {Name: "base-path", ViperKey: "server.base_path", Description: "base path prefix"},
	FlagBaseURL:     {Name: "base-url", ViperKey: "dashscope.base_url", Description: "dashscope base url"},
	FlagAuthSource:  {Name: "auth-source", ViperKey: "dashscope.auth_source", Description: "auth source: env|file|auto"},
	FlagModel:       {Name: "model", Shorthand: "m", ViperKey: "dashscope.model", Description: "model id"},
	FlagIdleTimeout: {Name: "idle-timeout", ViperKey: "dashscope.idle_timeout", Description: "max gap between two stream events, 0 disables"},
	FlagThinking:    {Name: "thinking", ViperKey: "dashscope.thinking", Description: "enable_thinking: on|off, empty leaves it unset"},
	FlagDebug:       {Name: "debug", ViperKey: "log.debug", Description: "enable debug logging"},
}

func AddStringFlag(cmd *cobra.Command, fs FlagSet, key string, target *string) {
	def, ok := fs[key]
	if !ok {
		return
	}
	defaultVal := defaults().GetString(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().StringVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().StringVar(target, def.Name, defaultVal, def.Description)
	}
}

func AddDurationFlag(cmd *cobra.Command, fs FlagSet, key string, target *time.Duration) {
	def, ok := fs[key]
	if !ok {
		return
	}
	defaultVal := defaults().GetDuration(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().DurationVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().DurationVar(target, def.Name, defaultVal, def.Description)
	}
}

func AddBoolFlag(cmd *cobra.Command, fs FlagSet, key string, target *bool) {
	def, ok := fs[key]
	if !ok {
		return
	}
	defaultVal := defaults().GetBool(def.ViperKey)
	if def.Shorthand != "" {
		cmd.Flags().BoolVarP(target, def.Name, def.Shorthand, defaultVal, def.Description)
	} else {
		cmd.Flags().BoolVar(target, def.Name, defaultVal, def.Description)
	}
}

// BindRegisteredFlags 把已注册的参数绑定到 viper，在 PreRunE 中 InitViper 之后调用。
// 只有显式设置过的参数才会覆盖环境变量与配置文件。
func BindRegisteredFlags(v *viper.Viper, cmd *cobra.Command, fs FlagSet, keys []string) {
	for _, key := range keys {
		def, ok := fs[key]
		if !ok {
			continue
		}
		f := cmd.Flags().Lookup(def.Name)
		if f == nil {
			continue
		}
		_ = v.BindPFlag(def.ViperKey, f)
	}
}

func defaults() *viper.Viper {
	v := viper.New()
	setViperDefaults(v)
	return v
}
