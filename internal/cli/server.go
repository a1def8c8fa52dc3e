package cli

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/iceweasel13/monplace/internal/admission"
	"github.com/iceweasel13/monplace/internal/auth"
	"github.com/iceweasel13/monplace/internal/config"
	"github.com/iceweasel13/monplace/internal/discovery"
	"github.com/iceweasel13/monplace/internal/mirror"
	"github.com/iceweasel13/monplace/internal/observability"
	"github.com/iceweasel13/monplace/internal/server"
)

// ServerOptions holds flags for the server command.
type ServerOptions struct {
	*RootOptions
	// Ingest runs the listener inside the server process. Required with the
	// memory driver, where no other process can reach the mirror.
	Ingest bool
}

func NewServerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve paint admission, the grid and the change feed",
		Long: `Start the monplace HTTP server.

Example:
  monplace server --config monplace.toml
  MONPLACE_STORE=memory REDIS_ADDR= monplace server --ingest`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Ingest, "ingest", false, "also follow the ledger in this process")
	return cmd
}

func runServer(parent context.Context, opts *ServerOptions) error {
	cfg := opts.Config
	if err := config.Validate(cfg, config.RoleServer); err != nil {
		return err
	}
	if opts.Ingest {
		if err := config.Validate(cfg, config.RoleListener); err != nil {
			return err
		}
	}
	logger := observability.InitLogger("monplace-server")
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

	gate := admission.NewGate(store, feed, cfg.Cooldown.Duration, admission.WithLogger(logger))
	srv := server.New(gate, store, feed, auth.SessionVerifier{},
		server.WithAllowedOrigins(cfg.Server.CorsOrigins),
		server.WithLogger(logger),
	)

	var wg sync.WaitGroup
	defer wg.Wait()

	reaper := &mirror.Reaper{
		Store:     store,
		Publisher: feed,
		TTL:       cfg.Mirror.OptimisticTTL.Duration,
		Interval:  cfg.Mirror.ReapInterval.Duration,
		Logger:    logger,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	if opts.Ingest {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runIngestion(ctx, cfg, store, feed, logger); err != nil {
				logger.Error().Err(err).Msg("embedded ingestion stopped")
				cancel()
			}
		}()
	}

	if cfg.Server.Advertise {
		if stop := advertise(cfg.Server.Addr, logger); stop != nil {
			defer stop()
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Dur("cooldown", cfg.Cooldown.Duration).Str("store", cfg.Mirror.Driver).Msg("monplace server starting")
	err = serveHTTP(ctx, httpSrv, logger)
	cancel()
	return err
}

func advertise(addr string, logger zerolog.Logger) func() {
	port, err := portOf(addr)
	if err != nil {
		logger.Warn().Err(err).Msg("mDNS advertisement skipped")
		return nil
	}
	stop, err := discovery.Advertise(port, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("mDNS advertisement failed")
		return nil
	}
	return stop
}
