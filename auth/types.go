package auth

import "context"

// Provider 用于从不同来源读取 DashScope api key / workspace id。
type Provider interface {
	Auth(ctx context.Context) (apiKey, workspaceID string, err error)
}

type Source string

const (
	SourceEnv  Source = "env"
	SourceFile Source = "file"
	SourceAuto Source = "auto"
)
