package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockindexer/internal/control"
	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/core/progress"
)

var (
	resetTo     string
	resetDelete bool
)

var resetCmd = &cobra.Command{
	Use:   "reset [deployment]",
	Short: "Rewind a deployment's stored pointer or delete its record",
	Long: `Rewind sets the stored pointer to --to (NUMBER:HASH) without running revert
steps; omit --to to start the deployment over from its start block. Health is
reset to unknown. --delete removes the record of an unassigned deployment.
Stop the deployment before resetting it.`,
	Args: cobra.ExactArgs(1),
	Run:  runReset,
}

func init() {
	resetCmd.Flags().StringVar(&resetTo, "to", "", "block to rewind to, as NUMBER:HASH")
	resetCmd.Flags().BoolVar(&resetDelete, "delete", false, "delete the record instead of rewinding")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) {
	id := args[0]
	target, err := parsePtr(resetTo)
	if err != nil {
		fmt.Printf("Invalid --to: %v\n", err)
		os.Exit(1)
	}

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

	manager := progress.NewManager(store.Repo, progress.WithTimeout(cfg.Store.Timeout))
	if resetDelete {
		if err := manager.Delete(ctx, id); err != nil {
			slog.Error("Failed to delete progress", "deployment", id, "error", err)
			os.Exit(1)
		}
		fmt.Printf("Deleted progress of %s\n", id)
		return
	}

	if err := rewind(ctx, manager, id, target); err != nil {
		slog.Error("Failed to reset progress", "deployment", id, "error", err)
		os.Exit(1)
	}
	fmt.Printf("Reset %s to %s\n", id, describe(target))
}

// rewind moves the stored pointer to target with unknown health.
func rewind(ctx context.Context, manager progress.Manager, id string, target *domain.BlockPtr) error {
	rec, err := manager.Read(ctx, id)
	if err != nil {
		return err
	}
	return manager.Write(ctx, id, rec.Ptr, target, domain.HealthUnknown)
}

func describe(ptr *domain.BlockPtr) string {
	if ptr == nil {
		return "the start block"
	}
	return ptr.String()
}
