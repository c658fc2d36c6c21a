package dashscopehttp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LubyRuffy/dashscopego"
	"github.com/LubyRuffy/dashscopego/backend"
)

func Handlers(cfg Config) (modelsHandler http.HandlerFunc, chatHandler http.HandlerFunc, err error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	compat, err := newCompatHandler(compatConfig{
		Now:                time.Now,
		WriteJSON:          writeJSON,
		WriteError:         writeError,
		NewClient:          newClientFactory(resolved),
		AllowUnknownModels: resolved.AllowUnknownModels,
		Logger:             resolved.Logger,
		Metrics:            resolved.Metrics,
	})
	if err != nil {
		return nil, nil, err
	}

	return compat.handleModels, compat.handleChatCompletions, nil
}

func newClientFactory(resolved resolvedConfig) func(ctx context.Context) (chatClient, error) {
	return func(ctx context.Context) (chatClient, error) {
		apiKey, workspaceID, err := resolved.AuthProvider(ctx)
		if err != nil {
			return nil, &httpError{
				Status:  http.StatusServiceUnavailable,
				Message: "auth not available",
				Err:     err,
			}
		}

		client, err := backend.NewClient(backend.Config{
			BaseURL:     resolved.BaseURL,
			APIKey:      apiKey,
			WorkspaceID: workspaceID,
			HTTPClient:  resolved.HTTPClient,
			IdleTimeout: resolved.IdleTimeout,
			Logger:      resolved.Logger,
		})
		if err != nil {
			return nil, &httpError{
				Status:  http.StatusServiceUnavailable,
				Message: "failed to create dashscope client",
				Err:     err,
			}
		}
		return client, nil
	}
}

type resolvedConfig struct {
	BasePath           string
	BaseURL            string
	HTTPClient         *http.Client
	AuthProvider       AuthProvider
	IdleTimeout        time.Duration
	AllowUnknownModels bool
	Logger             *zap.Logger
	Metrics            *Metrics
}

func resolveConfig(cfg Config) (resolvedConfig, error) {
	if cfg.AuthProvider == nil {
		return resolvedConfig{}, fmt.Errorf("AuthProvider is required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = dashscopego.DefaultBaseURL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	return resolvedConfig{
		BasePath:           normalizeBasePath(cfg.BasePath),
		BaseURL:            baseURL,
		HTTPClient:         client,
		AuthProvider:       cfg.AuthProvider,
		IdleTimeout:        cfg.IdleTimeout,
		AllowUnknownModels: cfg.AllowUnknownModels,
		Logger:             logger,
		Metrics:            metrics,
	}, nil
}
