package cmd

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/pitchdesk/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an assistant inspect review cases, queue generation and review,
and read drafts. Configure it with:

  {
    "mcpServers": {
      "pitchdesk": { "command": "pitchdesk", "args": ["mcp"] }
    }
  }

Available tools: pitchdesk_list_tasks, pitchdesk_get_case,
pitchdesk_generate, pitchdesk_review, pitchdesk_list_articles`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
		defer stop()

		// Stdout carries the protocol; logs go to stderr.
		a, err := newApp(ctx, newLogger(os.Stderr))
		if err != nil {
			return err
		}
		defer func() { _ = a.Store.Close() }()

		srv := mcp.NewServer(a.Queue, a.Gated, a.Engine, a.Store, buildVersion)
		return srv.ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
