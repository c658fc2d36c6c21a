package config

import (
	"strings"

	"github.com/LubyRuffy/dashscopego/auth"
)

// AuthProvider 按配置选择鉴权来源：api_key > api_key_file > auth_source。
func (c DashScopeConfig) AuthProvider() (auth.Provider, error) {
	if strings.TrimSpace(c.APIKey) != "" {
		return auth.NewStaticProvider(c.APIKey, c.WorkspaceID), nil
	}
	if strings.TrimSpace(c.APIKeyFile) != "" {
		return auth.NewFileProvider(c.APIKeyFile), nil
	}
	return auth.NewProvider(c.AuthSource)
}
