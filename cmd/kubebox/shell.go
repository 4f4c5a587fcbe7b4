package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/kubebox/internal/client"
)

var (
	imageFlag      string
	keepFlag       bool
	adminTokenFlag string
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open an interactive kubectl shell in a fresh sandbox",
	Long: `Create a sandbox on a running kubebox server and read kubectl commands
from the terminal. The sandbox is deleted on exit unless --keep is given.

Examples:
  kubebox shell
  kubebox shell --server http://kubebox.internal:8080 --image kindest/node:v1.31.0`,
	RunE: runShell,
}

var listCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the sandboxes a running server tracks",
	RunE:  runList,
}

func init() {
	shellCmd.Flags().StringVar(&imageFlag, "image", "", "Node image (must be allowed by the server)")
	shellCmd.Flags().BoolVar(&keepFlag, "keep", false, "Keep the sandbox when the shell exits")
	listCmd.Flags().StringVar(&adminTokenFlag, "token", "", "Admin token (overrides config)")
	rootCmd.AddCommand(shellCmd, listCmd)
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	c, err := client.New(serverURL(cfg))
	if err != nil {
		return err
	}

	fmt.Printf("kubebox - creating sandbox (this can take a minute)...\n")
	sb, err := c.Create(context.Background(), imageFlag)
	if err != nil {
		return err
	}
	fmt.Printf("Sandbox: %s | Expires in: %s\n", sb.SandboxID, time.Duration(sb.ExpiresIn)*time.Second)
	fmt.Printf("Type kubectl commands, /help for commands, /quit to exit\n\n")

	if !keepFlag {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := c.Delete(ctx); err != nil && !client.IsNotFound(err) {
				fmt.Fprintf(os.Stderr, "deleting sandbox: %v\n", err)
				return
			}
			fmt.Println("Sandbox deleted.")
		}()
	}

	// Set up readline for input with history
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mkubectl>\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), "kubebox_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the running command, not the shell.
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if reqCancel != nil {
				reqCancel()
			}
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println()
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := handleShellCommand(c, input); quit {
				return nil
			}
			continue
		}

		reqCtx, cancel := context.WithCancel(context.Background())
		reqCancel = cancel
		out, err := c.Exec(reqCtx, input)
		interrupted := reqCtx.Err() != nil
		cancel()
		reqCancel = nil

		switch {
		case err == nil:
			fmt.Print(out)
			if out != "" && !strings.HasSuffix(out, "\n") {
				fmt.Println()
			}
		case interrupted:
			fmt.Println("(interrupted)")
		case client.IsNotFound(err):
			fmt.Println("\033[31mThe sandbox has expired.\033[0m")
			return nil
		default:
			fmt.Printf("\033[31merror: %s\033[0m\n", err)
		}
	}
}

// handleShellCommand runs a slash command and reports whether to quit.
func handleShellCommand(c *client.Client, input string) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		return true
	case "/status":
		sb, err := c.Status(context.Background())
		if err != nil {
			fmt.Printf("error: %v\n\n", err)
			return false
		}
		fmt.Printf("Sandbox %s, expires in %s\n\n", sb.SandboxID, time.Duration(sb.ExpiresIn)*time.Second)
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help     - Show this help")
		fmt.Println("  /status   - Show the sandbox and its remaining lifetime")
		fmt.Println("  /quit     - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token := cfg.Server.AdminToken
	if adminTokenFlag != "" {
		token = adminTokenFlag
	}

	c, err := client.New(serverURL(cfg), client.WithAdminToken(token))
	if err != nil {
		return err
	}
	list, err := c.List(context.Background())
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 401 {
			return fmt.Errorf("server requires an admin token (--token)")
		}
		return err
	}

	if len(list) == 0 {
		fmt.Println("No sandboxes.")
		return nil
	}
	fmt.Printf("%-16s %-12s %-12s %s\n", "ID", "CREATED", "EXPIRES", "CONSOLES")
	fmt.Println(strings.Repeat("─", 55))
	for _, sb := range list {
		fmt.Printf("%-16s %-12s %-12s %d\n",
			sb.SandboxID, timeAgo(sb.CreatedAt), "in "+time.Until(sb.ExpiresAt).Round(time.Minute).String(), sb.Consoles)
	}
	return nil
}
