package main

import (
	"fmt"

	"github.com/nvandessel/simregress/internal/mcp"
	"github.com/spf13/cobra"
)

func newMCPServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-server",
		Short: "Serve simregress tools over MCP (stdio)",
		Long: `Start a Model Context Protocol server on stdin/stdout so an agent can run
the regression suite and inspect recorded runs.

Tools: simregress_run, simregress_list, simregress_history, simregress_config
Resources: simregress://runs/latest, simregress://runs/{id}

Every tool call is appended to .simregress/audit.jsonl.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			server, err := mcp.NewServer(&mcp.Config{
				Name:     "simregress",
				Version:  version,
				Root:     root,
				Settings: cfg,
				Logger:   newLogger(cmd, cfg),
			})
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}
			return server.Run(cmd.Context())
		},
	}
}
