package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	EnvAPIKey      = "DASHSCOPE_API_KEY"
	EnvWorkspaceID = "DASHSCOPE_WORKSPACE_ID"
)

type envProvider struct{}

func (p *envProvider) Auth(ctx context.Context) (string, string, error) {
	apiKey := strings.TrimSpace(os.Getenv(EnvAPIKey))
	if apiKey == "" {
		return "", "", fmt.Errorf("%s is not set", EnvAPIKey)
	}
	return apiKey, strings.TrimSpace(os.Getenv(EnvWorkspaceID)), nil
}
