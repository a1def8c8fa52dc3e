package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/iceweasel13/monplace/internal/config"
	"github.com/iceweasel13/monplace/internal/ingest"
	"github.com/iceweasel13/monplace/internal/ledger"
	"github.com/iceweasel13/monplace/internal/mirror"
	"github.com/iceweasel13/monplace/internal/observability"
)

func NewListenerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "listener",
		Short: "Follow contract events into the mirror",
		Long: `Start the ingestion pipeline.

The listener subscribes to PixelPainted logs (falling back to polling on
HTTP endpoints), applies them to the mirror and publishes every change on
the feed. Progress is checkpointed so restarts backfill only what was missed.

Example:
  MONPLACE_RPC_URL=wss://rpc.example MONPLACE_CONTRACT=0x... monplace listener`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListener(cmd.Context(), rootOpts.Config)
		},
	}
}

func runListener(parent context.Context, cfg config.Config) error {
	if err := config.Validate(cfg, config.RoleListener); err != nil {
		return err
	}
	logger := observability.InitLogger("monplace-listener")
	observability.RegisterMetrics()

	ctx, cancel := signalContext(parent)
	defer cancel()

	store, err := openStore(ctx, cfg.Mirror, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing mirror")
		}
	}()
	feed, closeFeed, err := openFeed(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeFeed()

	return runIngestion(ctx, cfg, store, feed, logger)
}

// runIngestion follows the ledger until ctx is done.
func runIngestion(ctx context.Context, cfg config.Config, store mirror.Store, feed ingest.Publisher, logger zerolog.Logger) error {
	contract, err := contractAddress(cfg.Ledger.Contract)
	if err != nil {
		return err
	}
	client, _, err := dialLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var checkpoint ingest.Checkpoint = &ingest.MemoryCheckpoint{}
	if cfg.Ingest.CheckpointPath != "" {
		cp, err := ingest.OpenBoltCheckpoint(cfg.Ingest.CheckpointPath)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		checkpoint = cp
	}
	defer func() {
		if err := checkpoint.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing checkpoint")
		}
	}()

	source := ledger.NewClient(client, contract, logger)
	applier := ingest.NewApplier(store, feed, cfg.Ingest.RetryMaxWait.Duration, logger)
	pipeline := ingest.NewPipeline(source, applier, checkpoint, ingest.Options{
		PollInterval:  cfg.Ingest.PollInterval.Duration,
		ProbeInterval: cfg.Ingest.ProbeInterval.Duration,
		StallBlocks:   cfg.Ingest.StallBlocks,
		StartBlock:    cfg.Ingest.StartBlock,
	}, logger)

	logger.Info().Str("contract", contract.Hex()).Msg("ingestion starting")
	return pipeline.Run(ctx)
}
