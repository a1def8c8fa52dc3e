package cli

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iceweasel13/monplace/internal/broadcast"
	"github.com/iceweasel13/monplace/internal/config"
	"github.com/iceweasel13/monplace/internal/ledger"
	"github.com/iceweasel13/monplace/internal/mirror"
)

const shutdownGrace = 10 * time.Second

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func openStore(ctx context.Context, cfg config.MirrorConfig, logger zerolog.Logger) (mirror.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := mirror.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to PostgreSQL")
		return s, nil
	case config.DriverSQLite:
		s, err := mirror.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite mirror")
		return s, nil
	case config.DriverMemory:
		logger.Warn().Msg("using in-memory mirror, state is lost on exit")
		return mirror.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown mirror driver %q", cfg.Driver)
}

// openFeed connects the Redis change feed, or starts an in-process hub when
// no Redis address is configured. close releases the feed.
func openFeed(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (broadcast.Feed, func(), error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		hub := broadcast.NewChangeHub()
		go hub.Run(ctx)
		logger.Info().Msg("using in-process change feed")
		return hub, func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("could not connect to Redis at %s: %w", cfg.Addr, err)
	}
	logger.Info().Str("addr", cfg.Addr).Msg("connected to Redis")
	return broadcast.NewRedisFeed(rdb, cfg.Channel, logger), func() { _ = rdb.Close() }, nil
}

func contractAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid contract address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func dialLedger(ctx context.Context, cfg config.LedgerConfig, logger zerolog.Logger) (*ethclient.Client, *big.Int, error) {
	client, err := ledger.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, err
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("read chain id: %w", err)
		}
	}
	logger.Info().Str("rpc", cfg.RPCURL).Str("chain_id", chainID.String()).Msg("connected to ledger")
	return client, chainID, nil
}

// serveHTTP runs srv until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func portOf(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen addr %q: %w", addr, err)
	}
	return strconv.Atoi(port)
}
