package cmd

import (
	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/conductor/internal/mcp"
)

var mcpServerURL string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the orchestration API as MCP tools over stdio",
	Long: `Starts an MCP server on stdin/stdout. Each tool call is forwarded to a
running conductor server (mcp.server_url), authenticating with
server.api_key when one is configured.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpServerURL, "server-url", "", "conductor API base URL (overrides mcp.server_url)")
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	serverURL := cfg.MCP.ServerURL
	if mcpServerURL != "" {
		serverURL = mcpServerURL
	}
	return mcp.NewServer(serverURL, cfg.Server.APIKey).Run(cmd.Context())
}
