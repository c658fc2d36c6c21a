package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cloudwego/eino/adk"
	"github.com/cloudwego/eino/schema"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LubyRuffy/dashscopego"
	"github.com/LubyRuffy/dashscopego/backend"
	"github.com/LubyRuffy/dashscopego/config"
	"github.com/LubyRuffy/dashscopego/logger"
)

const (
	defaultAgentName        = "dashscope-assistant"
	defaultAgentDescription = "A chat assistant backed by DashScope"
)

type adkCommander struct {
	configFile  string
	model       string
	baseURL     string
	authSource  string
	thinking    string
	input       string
	instruction string
	stream      bool
	debug       bool

	cfg *config.Config
}

var adkFlags = []string{
	config.FlagModel,
	config.FlagBaseURL,
	config.FlagAuthSource,
	config.FlagThinking,
	config.FlagDebug,
}

func newADKCmd() *cobra.Command {
	cmder := &adkCommander{}

	cmd := &cobra.Command{
		Use:   "dashscope-adk",
		Short: "Run a single-turn eino agent against DashScope",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.InitViper(cmder.configFile)
			if err != nil {
				return err
			}
			config.BindRegisteredFlags(v, cmd, config.Flags, adkFlags)
			cmder.cfg, err = config.Load(v)
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context(), cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&cmder.configFile, "config", "c", "", "config file (default: ./config.yaml or ~/.dashscopego/config.yaml)")
	cmd.Flags().StringVarP(&cmder.input, "input", "i", "你好，介绍一下你自己", "user input")
	cmd.Flags().StringVar(&cmder.instruction, "instruction", "", "system instruction for the agent")
	cmd.Flags().BoolVar(&cmder.stream, "stream", true, "stream the answer")
	config.AddStringFlag(cmd, config.Flags, config.FlagModel, &cmder.model)
	config.AddStringFlag(cmd, config.Flags, config.FlagBaseURL, &cmder.baseURL)
	config.AddStringFlag(cmd, config.Flags, config.FlagAuthSource, &cmder.authSource)
	config.AddStringFlag(cmd, config.Flags, config.FlagThinking, &cmder.thinking)
	config.AddBoolFlag(cmd, config.Flags, config.FlagDebug, &cmder.debug)

	return cmd
}

func (c *adkCommander) run(ctx context.Context, out io.Writer) error {
	log := logger.NewLogger(c.cfg.Log.Debug)
	defer func() { _ = log.Sync() }()

	provider, err := c.cfg.DashScope.AuthProvider()
	if err != nil {
		return fmt.Errorf("invalid auth config: %w", err)
	}
	apiKey, workspaceID, err := provider.Auth(ctx)
	if err != nil {
		return fmt.Errorf("auth failed: %w", err)
	}

	m, err := backend.NewChatModel(chatModelConfig(c.cfg.DashScope, apiKey, workspaceID, log))
	if err != nil {
		return fmt.Errorf("create model failed: %w", err)
	}

	agent, err := adk.NewChatModelAgent(ctx, &adk.ChatModelAgentConfig{
		Name:        defaultAgentName,
		Description: defaultAgentDescription,
		Instruction: c.instruction,
		Model:       m,
	})
	if err != nil {
		return fmt.Errorf("create agent failed: %w", err)
	}

	runner := adk.NewRunner(ctx, adk.RunnerConfig{
		Agent:           agent,
		EnableStreaming: c.stream,
	})

	log.Debug("running agent", zap.String("model", c.cfg.DashScope.Model), zap.Bool("stream", c.stream))
	iter := runner.Run(ctx, []adk.Message{schema.UserMessage(c.input)})
	for {
		ev, ok := iter.Next()
		if !ok {
			break
		}
		if ev.Err != nil {
			return fmt.Errorf("run failed: %w", ev.Err)
		}
		if ev.Output == nil || ev.Output.MessageOutput == nil {
			continue
		}
		if err := printMessage(out, ev.Output.MessageOutput); err != nil {
			return err
		}
	}
	fmt.Fprintln(out)
	return nil
}

func chatModelConfig(cfg config.DashScopeConfig, apiKey, workspaceID string, log *zap.Logger) backend.ChatModelConfig {
	return backend.ChatModelConfig{
		Model:          dashscopego.NormalizeModelID(cfg.Model),
		BaseURL:        cfg.BaseURL,
		APIKey:         apiKey,
		WorkspaceID:    workspaceID,
		IdleTimeout:    cfg.IdleTimeout,
		EnableThinking: backend.NormalizeThinking(cfg.Thinking),
		Logger:         log,
	}
}

func printMessage(out io.Writer, mo *adk.MessageVariant) error {
	if !mo.IsStreaming {
		if mo.Message != nil && mo.Message.Content != "" {
			fmt.Fprint(out, mo.Message.Content)
		}
		return nil
	}
	if mo.MessageStream == nil {
		return nil
	}
	defer mo.MessageStream.Close()
	for {
		msg, err := mo.MessageStream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream failed: %w", err)
		}
		if msg != nil && msg.Content != "" {
			fmt.Fprint(out, msg.Content)
		}
	}
}

func main() {
	if err := newADKCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
