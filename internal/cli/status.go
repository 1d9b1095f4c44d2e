package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockindexer/internal/control"
	"github.com/vietddude/blockindexer/internal/core/progress"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored progress of every deployment",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	store, err := control.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open progress store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	records, err := progress.NewManager(store.Repo, progress.WithTimeout(cfg.Store.Timeout)).List(ctx)
	if err != nil {
		slog.Error("Failed to list progress", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "DEPLOYMENT\tBLOCK\tHASH\tHEALTH\tUPDATED")

	for _, rec := range records {
		block, hash := "-", "-"
		if rec.Ptr != nil {
			block = fmt.Sprintf("%d", rec.Ptr.Number)
			hash = rec.Ptr.Hash.Hex()
		}
		updated := "-"
		if !rec.UpdatedAt.IsZero() {
			updated = rec.UpdatedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.DeploymentID, block, hash, rec.Health, updated)
	}
	_ = w.Flush()
}
