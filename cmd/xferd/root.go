package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ning0612/xferd/internal/config"
	"github.com/Ning0612/xferd/internal/domain"
	"github.com/Ning0612/xferd/internal/logger"
	"github.com/Ning0612/xferd/internal/service"
)

const shutdownTimeout = 10 * time.Second

// cli carries the global flags shared by every subcommand
type cli struct {
	configPath string
	dataDir    string
	verbose    bool
	quiet      bool

	out io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{out: os.Stdout}

	root := &cobra.Command{
		Use:           "xferd",
		Short:         "Multi-protocol file transfer with resumable sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.out = cmd.OutOrStdout()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default: config.yaml in ., ./configs or ~/.config/xferd)")
	root.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "override the session data directory")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVarP(&c.quiet, "quiet", "q", false, "do not print transfer progress")

	root.AddCommand(
		newLsCmd(c),
		newPutCmd(c),
		newGetCmd(c),
		newRmCmd(c),
		newMkdirCmd(c),
		newMvCmd(c),
		newChmodCmd(c),
		newSessionsCmd(c),
		newResumeCmd(c),
		newPruneCmd(c),
	)
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if errors.Is(err, domain.ErrConfigNotFound) && c.configPath == "" {
		cfg, err = config.LoadDefaults()
	}
	if err != nil {
		return nil, err
	}
	if c.dataDir != "" {
		cfg.DataDir = config.ExpandPath(c.dataDir)
	}
	return cfg, nil
}

// run sets up logging and the engine for one command. The context passed
// to fn is cancelled on SIGINT or SIGTERM, which cancels running transfers.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, e *service.Engine) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	logCfg := cfg.LoggerConfig()
	if c.verbose {
		logCfg.Level = logger.LevelDebug
	}
	if err := logger.Init(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := service.NewEngine(cfg, service.Options{Command: cmd.Name(), Logger: logger.Get()})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			logger.Get().Warn("Engine did not shut down cleanly", "error", err)
		}
	}()

	if err := engine.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, engine)
}
