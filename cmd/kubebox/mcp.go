package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/kubebox/internal/client"
	"github.com/michaelbrown/kubebox/internal/tools"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve sandbox tools over MCP stdio",
	Long: `Run an MCP tool server on stdin/stdout. Agents get create_sandbox,
run_command, sandbox_status and delete_sandbox tools backed by a running
kubebox server. One MCP session maps to one sandbox.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		c, err := client.New(serverURL(cfg))
		if err != nil {
			return err
		}
		return tools.ServeStdio(c, version)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
