package dashscopehttp

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
)

func RegisterGinRoutes(r gin.IRouter, cfg Config) error {
	if r == nil {
		return fmt.Errorf("router is nil")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	modelsHandler, chatHandler, err := Handlers(cfg)
	if err != nil {
		return err
	}

	basePath := normalizeBasePath(cfg.BasePath)
	r.GET(joinPath(basePath, "/models"), gin.WrapF(modelsHandler))
	r.POST(joinPath(basePath, "/chat/completions"), gin.WrapF(chatHandler))

	metricsPath := strings.TrimSpace(cfg.MetricsPath)
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if metricsPath != "-" {
		r.GET(metricsPath, gin.WrapH(cfg.Metrics.Handler()))
	}
	return nil
}
