package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/iceweasel13/monplace/internal/grid"
)

// ErrPushUnsupported is returned by SubscribePaints when the RPC transport
// cannot deliver notifications (plain HTTP endpoints).
var ErrPushUnsupported = errors.New("ledger: push subscriptions unsupported by transport")

// Subscription is a live stream of paint events. Err is closed or yields an
// error when the stream ends.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// Backend is the part of ethclient.Client the ledger needs.
type Backend interface {
	ethereum.BlockNumberReader
	ethereum.LogFilterer
}

// Client reads paint events from the contract.
type Client struct {
	backend  Backend
	contract common.Address
	logger   zerolog.Logger
}

func NewClient(backend Backend, contract common.Address, logger zerolog.Logger) *Client {
	return &Client{backend: backend, contract: contract, logger: logger}
}

// Dial connects to rawURL. Websocket and IPC endpoints support push.
func Dial(ctx context.Context, rawURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}
	return c, nil
}

func (c *Client) query(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{PaintTopic()}},
	}
}

// Head returns the latest block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

// FetchPaints returns the paint events in blocks [from, to] in ledger order.
// Logs that fail to decode are logged and skipped.
func (c *Client) FetchPaints(ctx context.Context, from, to uint64) ([]grid.PaintEvent, error) {
	logs, err := c.backend.FilterLogs(ctx, c.query(new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)))
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}
	out := make([]grid.PaintEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := DecodePaintLog(lg)
		if err != nil {
			c.logger.Error().Err(err).Uint64("block", lg.BlockNumber).Str("tx", lg.TxHash.Hex()).
				Msg("data integrity anomaly: undecodable paint log")
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// SubscribePaints streams new paint events into sink until unsubscribed.
func (c *Client) SubscribePaints(ctx context.Context, sink chan<- grid.PaintEvent) (Subscription, error) {
	logs := make(chan types.Log, 128)
	sub, err := c.backend.SubscribeFilterLogs(ctx, c.query(nil, nil), logs)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return nil, ErrPushUnsupported
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case lg := <-logs:
				ev, err := DecodePaintLog(lg)
				if err != nil {
					c.logger.Error().Err(err).Uint64("block", lg.BlockNumber).Str("tx", lg.TxHash.Hex()).
						Msg("data integrity anomaly: undecodable paint log")
					continue
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}
