package auth

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadAPIKeyFromPath 读取 api key 文件：第一个非空且不以 # 开头的行即为 key。
func ReadAPIKeyFromPath(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read api key file: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	return "", fmt.Errorf("api key file %s is empty", path)
}

// DefaultAPIKeyPath 返回 ~/.dashscope/api_key，与官方 SDK 的保存位置一致。
func DefaultAPIKeyPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".dashscope", "api_key"), nil
}

// fileProvider 从文件读取 api key，workspace id 仍取自环境变量。
type fileProvider struct {
	path string
}

func (p *fileProvider) Auth(ctx context.Context) (string, string, error) {
	path := p.path
	if path == "" {
		var err error
		path, err = DefaultAPIKeyPath()
		if err != nil {
			return "", "", err
		}
	}
	apiKey, err := ReadAPIKeyFromPath(path)
	if err != nil {
		return "", "", err
	}
	return apiKey, strings.TrimSpace(os.Getenv(EnvWorkspaceID)), nil
}
