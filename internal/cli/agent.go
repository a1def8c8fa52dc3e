package cli

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/iceweasel13/monplace/internal/agent"
	"github.com/iceweasel13/monplace/internal/config"
	"github.com/iceweasel13/monplace/internal/discovery"
	"github.com/iceweasel13/monplace/internal/ledger"
	"github.com/iceweasel13/monplace/internal/observability"
)

func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the local UI bridge",
		Long: `Start the agent.

The agent mirrors the server grid for a browser UI on its own /ws endpoint,
submits paints to the server and the contract, and rolls the display back
when a paint fails. With no server_url it looks for a server over mDNS.

Example:
  MONPLACE_PRIVATE_KEY=... monplace agent --config agent.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), rootOpts.Config)
		},
	}
}

func parseKey(raw string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func runAgent(parent context.Context, cfg config.Config) error {
	if err := config.Validate(cfg, config.RoleAgent); err != nil {
		return err
	}
	logger := observability.InitLogger("monplace-agent")

	ctx, cancel := signalContext(parent)
	defer cancel()

	key, err := parseKey(cfg.Agent.PrivateKey)
	if err != nil {
		return err
	}
	contract, err := contractAddress(cfg.Ledger.Contract)
	if err != nil {
		return err
	}

	serverURL := cfg.Agent.ServerURL
	if serverURL == "" {
		logger.Info().Dur("wait", cfg.Agent.DiscoveryWait.Duration).Msg("no server_url, browsing mDNS")
		serverURL, err = discovery.Browse(ctx, cfg.Agent.DiscoveryWait.Duration, logger)
		if err != nil {
			return err
		}
	}

	client, chainID, err := dialLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	a, err := agent.New(agent.Options{
		ServerURL:   serverURL,
		Key:         key,
		Ledger:      ledger.NewSubmitter(client, contract, key, chainID),
		ConfirmWait: cfg.Agent.ConfirmWait.Duration,
		SessionTTL:  cfg.Agent.SessionTTL.Duration,
		UIDir:       cfg.Agent.UIDir,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()

	httpSrv := &http.Server{
		Addr:              cfg.Agent.Addr,
		Handler:           a.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info().Str("actor", a.Actor()).Str("server", serverURL).Msg("monplace agent starting")
	err = serveHTTP(ctx, httpSrv, logger)
	cancel()
	<-done
	return err
}
