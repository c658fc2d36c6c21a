package auth

import (
	"context"
	"fmt"
	"strings"
)

// NewProvider 根据来源创建 Provider。
// source 允许：env/file/auto；空值按 auto 处理（先文件后环境变量）。
func NewProvider(source string) (Provider, error) {
	s := strings.ToLower(strings.TrimSpace(source))
	if s == "" {
		s = string(SourceAuto)
	}
	switch Source(s) {
	case SourceEnv:
		return &envProvider{}, nil
	case SourceFile:
		return &fileProvider{}, nil
	case SourceAuto:
		return &autoProvider{providers: []Provider{&fileProvider{}, &envProvider{}}}, nil
	default:
		return nil, fmt.Errorf("unsupported auth source: %s", source)
	}
}

// NewFileProvider 从指定路径读取 api key，path 为空时使用 DefaultAPIKeyPath。
func NewFileProvider(path string) Provider {
	return &fileProvider{path: strings.TrimSpace(path)}
}

// NewStaticProvider 直接使用配置中的 api key。
func NewStaticProvider(apiKey, workspaceID string) Provider {
	return &staticProvider{apiKey: strings.TrimSpace(apiKey), workspaceID: strings.TrimSpace(workspaceID)}
}

type staticProvider struct {
	apiKey      string
	workspaceID string
}

func (p *staticProvider) Auth(ctx context.Context) (string, string, error) {
	if p.apiKey == "" {
		return "", "", fmt.Errorf("api key is empty")
	}
	return p.apiKey, p.workspaceID, nil
}

type autoProvider struct {
	providers []Provider
}

func (p *autoProvider) Auth(ctx context.Context) (string, string, error) {
	var lastErr error
	for _, provider := range p.providers {
		apiKey, workspaceID, err := provider.Auth(ctx)
		if err == nil && strings.TrimSpace(apiKey) != "" {
			return apiKey, workspaceID, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", "", lastErr
	}
	return "", "", fmt.Errorf("no auth available")
}
