package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/kubebox/internal/sandbox"
	"github.com/michaelbrown/kubebox/internal/storage"
	"github.com/michaelbrown/kubebox/internal/storage/sqlite"
)

var (
	gcAllFlag    bool
	gcDryRunFlag bool
)

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "List sandbox clusters known to the driver",
	Long: `List the kind clusters that carry the sandbox prefix, with their age
according to the local history database.`,
	RunE: runClusters,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete sandbox clusters that outlived their lifetime",
	Long: `Delete sandbox clusters whose recorded creation is older than the
configured lifetime. Clusters with no recorded creation are orphans and are
only deleted with --all. Run this when the server is not running.

Examples:
  kubebox gc --dry-run
  kubebox gc --all`,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().BoolVar(&gcAllFlag, "all", false, "Also delete clusters with no recorded creation")
	gcCmd.Flags().BoolVar(&gcDryRunFlag, "dry-run", false, "Only print what would be deleted")
	rootCmd.AddCommand(clustersCmd, gcCmd)
}

// clusterAge pairs a driver cluster with its recorded creation time.
type clusterAge struct {
	Name      string
	CreatedAt time.Time // zero when unknown
}

// sandboxClusters lists driver clusters carrying the sandbox prefix and looks
// up when each was created.
func sandboxClusters(ctx context.Context, names []string, store storage.Store) ([]clusterAge, error) {
	var out []clusterAge
	for _, name := range names {
		if !sandbox.ValidID(name) {
			continue
		}
		c := clusterAge{Name: name}
		events, err := store.ListEvents(ctx, storage.EventListOptions{SandboxID: name, Kind: storage.EventCreated, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			events, err = store.ListEvents(ctx, storage.EventListOptions{SandboxID: name, Kind: storage.EventAdopted, Limit: 1})
			if err != nil {
				return nil, err
			}
		}
		if len(events) > 0 {
			c.CreatedAt = events[0].CreatedAt
		}
		out = append(out, c)
	}
	return out, nil
}

func runClusters(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	names, err := newDriver(cfg).List(ctx)
	if err != nil {
		return err
	}
	clusters, err := sandboxClusters(ctx, names, store)
	if err != nil {
		return err
	}

	if len(clusters) == 0 {
		fmt.Println("No sandbox clusters found.")
		return nil
	}

	fmt.Printf("%-16s %-12s %s\n", "ID", "AGE", "EXPIRES")
	fmt.Println(strings.Repeat("─", 45))
	for _, c := range clusters {
		age, expires := "unknown", "orphan"
		if !c.CreatedAt.IsZero() {
			age = timeAgo(c.CreatedAt)
			remaining := time.Until(c.CreatedAt.Add(cfg.Sandbox.Lifetime))
			if remaining <= 0 {
				expires = "overdue"
			} else {
				expires = "in " + remaining.Round(time.Second).String()
			}
		}
		fmt.Printf("%-16s %-12s %s\n", c.Name, age, expires)
	}
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	d := newDriver(cfg)
	names, err := d.List(ctx)
	if err != nil {
		return err
	}
	clusters, err := sandboxClusters(ctx, names, store)
	if err != nil {
		return err
	}

	manager := newManager(cfg, d, logger, sandbox.WithEvents(store))
	deleted, failed := 0, 0
	for _, c := range clusters {
		reason := sandbox.ReasonExpired
		switch {
		case c.CreatedAt.IsZero():
			if !gcAllFlag {
				continue
			}
			reason = sandbox.ReasonOrphan
		case time.Since(c.CreatedAt) < cfg.Sandbox.Lifetime:
			continue
		}

		if gcDryRunFlag {
			fmt.Printf("would delete %s (%s)\n", c.Name, reason)
			continue
		}
		if err := manager.Destroy(ctx, c.Name, reason); err != nil {
			logger.Error("delete failed", slog.String("sandbox", c.Name), slog.String("error", err.Error()))
			failed++
			continue
		}
		fmt.Printf("deleted %s (%s)\n", c.Name, reason)
		deleted++
	}

	if !gcDryRunFlag {
		fmt.Printf("%d deleted, %d failed\n", deleted, failed)
	}
	if failed > 0 {
		return fmt.Errorf("%d clusters could not be deleted", failed)
	}
	return nil
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
