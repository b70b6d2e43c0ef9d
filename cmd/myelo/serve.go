package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/myelo/internal/bridge"
	"github.com/zulandar/myelo/internal/bridge/discord"
	"github.com/zulandar/myelo/internal/bridge/slack"
	"github.com/zulandar/myelo/internal/config"
	"github.com/zulandar/myelo/internal/retention"
	"github.com/zulandar/myelo/internal/web"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web server and enabled chat bridges",
		Long: `Starts the web boundary and, when enabled in config, the Slack and
Discord bridges and the idle-session retention sweeper. All of them share
one session controller.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "myelo.yaml", "path to myelo config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(cmd.Context())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.ErrOrStderr(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	auth, err := web.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}
	for _, dir := range []string{cfg.Server.ResultDir, cfg.Server.GraphDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}
	bridges := make([]*bridge.Bridge, 0, len(adapters))
	for _, ad := range adapters {
		b, err := bridge.New(bridge.Opts{Adapter: ad, Controller: a.controller, Logger: logger})
		if err != nil {
			return err
		}
		bridges = append(bridges, b)
	}
	var sweeper *retention.Sweeper
	if cfg.Retention.Enabled {
		sweeper, err = retention.New(retention.Opts{
			Store:    a.store,
			Eraser:   a.controller,
			Schedule: cfg.Retention.Schedule,
			MaxIdle:  cfg.Retention.MaxIdleDuration(),
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		logger.Info("retention enabled",
			zap.String("schedule", cfg.Retention.Schedule), zap.Duration("max_idle", cfg.Retention.MaxIdleDuration()))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return web.Start(ctx, web.StartOpts{
			Controller: a.controller,
			Auth:       auth,
			Renderer:   web.NewRenderer(),
			Port:       cfg.Server.Port,
			ResultDir:  cfg.Server.ResultDir,
			GraphDir:   cfg.Server.GraphDir,
			Logger:     logger,
			Out:        cmd.OutOrStdout(),
		})
	})
	g.Go(func() error { return a.prompt.Watch(ctx) })
	for _, b := range bridges {
		g.Go(func() error { return b.Run(ctx) })
	}
	if sweeper != nil {
		g.Go(func() error { return sweeper.Run(ctx) })
	}

	return g.Wait()
}

// buildAdapters creates a chat adapter for every enabled bridge.
func buildAdapters(cfg *config.Config) ([]bridge.Adapter, error) {
	var out []bridge.Adapter
	if s := cfg.Bridges.Slack; s.Enabled {
		ad, err := slack.New(slack.AdapterOpts{
			AppToken:  s.AppToken,
			BotToken:  s.BotToken,
			ChannelID: s.ChannelID,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, ad)
	}
	if d := cfg.Bridges.Discord; d.Enabled {
		ad, err := discord.New(discord.AdapterOpts{
			BotToken:  d.BotToken,
			ChannelID: d.ChannelID,
			GuildID:   d.GuildID,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, ad)
	}
	return out, nil
}
