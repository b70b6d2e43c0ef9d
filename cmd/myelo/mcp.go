package main

import (
	"github.com/spf13/cobra"

	"github.com/zulandar/myelo/internal/mcpserver"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the research tools over MCP stdio",
		Long:  "Runs a Model Context Protocol server on stdin/stdout exposing the same tools the agent uses. Logs go to stderr.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			a := &app{cfg: cfg}
			defer a.Close()
			if err := buildTools(ctx, a); err != nil {
				return err
			}
			srv, err := mcpserver.New(mcpserver.Opts{Registry: a.registry, Version: Version, Logger: logger})
			if err != nil {
				return err
			}
			return srv.ServeStdio(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "myelo.yaml", "path to myelo config file")
	return cmd
}
