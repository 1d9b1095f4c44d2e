package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/vietddude/blockindexer/internal/control"
	"github.com/vietddude/blockindexer/internal/core/config"
	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/chain/fixture"
)

var (
	replayStop       string
	replayDeployment string
	replayKinds      []string
	replayTimeout    time.Duration
)

var replayCmd = &cobra.Command{
	Use:   "replay [fixture.yaml]",
	Short: "Run a deployment over a YAML block fixture and print its steps",
	Args:  cobra.ExactArgs(1),
	Run:   runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayStop, "stop", "", "stop block as NUMBER:HASH (default: fixture stop block)")
	replayCmd.Flags().StringVar(&replayDeployment, "deployment", "", "deployment id (default: fixture name)")
	replayCmd.Flags().StringSliceVar(&replayKinds, "kinds", nil, "trigger kinds to keep (block, call, log)")
	replayCmd.Flags().DurationVar(&replayTimeout, "timeout", 30*time.Second, "give up after this long")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) {
	initLogging("")

	cfg, err := replayConfig(args[0])
	if err != nil {
		slog.Error("Failed to prepare replay", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), replayTimeout)
	defer cancel()

	trace, err := replay(ctx, cfg)
	fmt.Print(trace)
	if err != nil {
		slog.Error("Replay failed", "error", err)
		os.Exit(1)
	}
}

func replayConfig(path string) (*config.AppConfig, error) {
	f, err := fixture.Load(path)
	if err != nil {
		return nil, err
	}

	stop := f.StopBlock
	if replayStop != "" {
		if stop, err = parsePtr(replayStop); err != nil {
			return nil, fmt.Errorf("invalid --stop: %w", err)
		}
	}
	id := replayDeployment
	if id == "" {
		id = f.Name
	}
	if id == "" {
		id = "replay"
	}

	dep := config.DeploymentConfig{ID: id, Sink: config.SinkRecording}
	dep.Filter.Kinds = replayKinds
	if stop != nil {
		dep.StopBlock = &config.StopBlockConfig{Number: stop.Number, Hash: stop.Hash.Hex()}
	}
	horizon := uint64(len(f.Blocks))
	cfg := &config.AppConfig{
		Chain: config.ChainConfig{
			Name:            "replay",
			Type:            config.SourceFixture,
			FixturePath:     path,
			FinalityHorizon: &horizon,
		},
		Store:       config.StoreConfig{Backend: config.BackendMemory, Timeout: time.Second},
		Reorg:       config.ReorgConfig{MaxDepth: len(f.Blocks)},
		Deployments: []config.DeploymentConfig{dep},
	}
	return cfg, config.Validate(cfg)
}

// replay runs the single configured deployment to its stop block and returns
// the recorded trace.
func replay(ctx context.Context, cfg *config.AppConfig) (string, error) {
	app, err := control.New(ctx, cfg, control.Options{})
	if err != nil {
		return "", err
	}
	if err := app.Start(ctx); err != nil {
		_ = app.Close()
		return "", err
	}
	waitErr := app.Wait(ctx)
	stopErr := app.Stop(context.Background())

	trace := app.Recorder(cfg.Deployments[0].ID).Trace()
	if waitErr != nil {
		return trace, waitErr
	}
	return trace, stopErr
}

// parsePtr reads NUMBER:HASH. An empty string is a nil pointer.
func parsePtr(s string) (*domain.BlockPtr, error) {
	if s == "" {
		return nil, nil
	}
	num, hash, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("expected NUMBER:HASH, got %q", s)
	}
	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid block number %q: %w", num, err)
	}
	if !strings.HasPrefix(hash, "0x") || len(hash) < 3 || len(hash) > 2+2*common.HashLength {
		return nil, fmt.Errorf("invalid block hash %q", hash)
	}
	ptr := domain.NewBlockPtr(n, hash)
	return &ptr, nil
}
