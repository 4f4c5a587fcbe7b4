package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/kubebox/internal/storage"
	"github.com/michaelbrown/kubebox/internal/storage/sqlite"
)

var (
	historySandbox string
	historyKind    string
	historyLimit   int
	historyFormat  string
	historyOutput  string
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"events"},
	Short:   "Show sandbox lifecycle events",
	Long: `Show lifecycle events recorded by the server: creations, reuses,
deletions and failures, newest first.

Examples:
  kubebox history
  kubebox history --sandbox sb-abc1234567
  kubebox history --kind delete_failed --format json -o failures.json`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historySandbox, "sandbox", "", "Only events for this sandbox")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "Only events of this kind (created, reused, create_failed, deleted, delete_failed, stale, adopted)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Max events to show")
	historyCmd.Flags().StringVar(&historyFormat, "format", "table", "Output format: table, md or json")
	historyCmd.Flags().StringVarP(&historyOutput, "output", "o", "", "Output file (default: stdout)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	events, err := store.ListEvents(context.Background(), storage.EventListOptions{
		SandboxID: historySandbox,
		Kind:      storage.EventKind(historyKind),
		Limit:     historyLimit,
	})
	if err != nil {
		return err
	}

	var out string
	switch historyFormat {
	case "json":
		data, err := storage.ExportJSON(events)
		if err != nil {
			return err
		}
		out = string(data) + "\n"
	case "md", "markdown":
		out = storage.ExportMarkdown(events)
	case "table":
		out = formatEvents(events)
	default:
		return fmt.Errorf("unknown format %q (use table, md or json)", historyFormat)
	}

	if historyOutput != "" {
		if err := os.WriteFile(historyOutput, []byte(out), 0o644); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}
		fmt.Printf("Exported %d events to %s\n", len(events), historyOutput)
		return nil
	}
	fmt.Print(out)
	return nil
}

func formatEvents(events []storage.Event) string {
	if len(events) == 0 {
		return "No events found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-16s %-14s %-16s %s\n", "TIME", "SANDBOX", "KIND", "CLIENT", "DETAIL")
	b.WriteString(strings.Repeat("─", 90) + "\n")
	for _, e := range events {
		detail := e.Detail
		if len(detail) > 40 {
			detail = detail[:40] + ".."
		}
		fmt.Fprintf(&b, "%-20s %-16s %-14s %-16s %s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.SandboxID, e.Kind, e.ClientKey, detail)
	}
	return b.String()
}
