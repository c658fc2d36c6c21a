package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LubyRuffy/dashscopego/config"
	"github.com/LubyRuffy/dashscopego/dashscopehttp"
	"github.com/LubyRuffy/dashscopego/logger"
)

const shutdownTimeout = 10 * time.Second

type serverCommander struct {
	configFile  string
	listen      string
	basePath    string
	baseURL     string
	authSource  string
	idleTimeout time.Duration
	debug       bool

	cfg    *config.Config
	logger *zap.Logger
}

var serverFlags = []string{
	config.FlagListen,
	config.FlagBasePath,
	config.FlagBaseURL,
	config.FlagAuthSource,
	config.FlagIdleTimeout,
	config.FlagDebug,
}

func newServerCmd() *cobra.Command {
	cmder := &serverCommander{}

	cmd := &cobra.Command{
		Use:   "dashscope-server",
		Short: "Relay DashScope chat completions with merged tool call chunks",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.InitViper(cmder.configFile)
			if err != nil {
				return err
			}
			config.BindRegisteredFlags(v, cmd, config.Flags, serverFlags)
			cmder.cfg, err = config.Load(v)
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context())
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&cmder.configFile, "config", "c", "", "config file (default: ./config.yaml or ~/.dashscopego/config.yaml)")
	config.AddStringFlag(cmd, config.Flags, config.FlagListen, &cmder.listen)
	config.AddStringFlag(cmd, config.Flags, config.FlagBasePath, &cmder.basePath)
	config.AddStringFlag(cmd, config.Flags, config.FlagBaseURL, &cmder.baseURL)
	config.AddStringFlag(cmd, config.Flags, config.FlagAuthSource, &cmder.authSource)
	config.AddDurationFlag(cmd, config.Flags, config.FlagIdleTimeout, &cmder.idleTimeout)
	config.AddBoolFlag(cmd, config.Flags, config.FlagDebug, &cmder.debug)

	return cmd
}

func (c *serverCommander) run(ctx context.Context) error {
	c.logger = logger.NewLogger(c.cfg.Log.Debug)
	defer func() { _ = c.logger.Sync() }()

	provider, err := c.cfg.DashScope.AuthProvider()
	if err != nil {
		return fmt.Errorf("invalid auth config: %w", err)
	}

	if !c.cfg.Log.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	err = dashscopehttp.RegisterGinRoutes(r, dashscopehttp.Config{
		BasePath:           c.cfg.Server.BasePath,
		BaseURL:            c.cfg.DashScope.BaseURL,
		AuthProvider:       provider.Auth,
		IdleTimeout:        c.cfg.DashScope.IdleTimeout,
		AllowUnknownModels: c.cfg.Server.AllowUnknownModels,
		Logger:             c.logger,
		MetricsPath:        c.cfg.Server.MetricsPath,
	})
	if err != nil {
		return fmt.Errorf("register routes failed: %w", err)
	}

	srv := &http.Server{
		Addr:              c.cfg.Server.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", c.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.cfg.Server.Listen, err)
	}

	local := addrForLocalClient(ln.Addr().String())
	c.logger.Info("dashscope server listening",
		zap.String("listen", ln.Addr().String()),
		zap.String("base_path", c.cfg.Server.BasePath),
		zap.String("upstream", c.cfg.DashScope.BaseURL),
	)
	c.logger.Info(fmt.Sprintf("try: curl http://%s%s/models", local, c.cfg.Server.BasePath))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	c.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// addrForLocalClient 把监听地址转换为本机客户端可以访问的地址。
func addrForLocalClient(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func main() {
	if err := newServerCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
