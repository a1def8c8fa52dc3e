package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrReverted means the transaction was mined but the contract rejected it.
	ErrReverted = errors.New("ledger: transaction reverted")
	ErrSubmit   = errors.New("ledger: submission failed")
)

// TxBackend is the part of ethclient.Client needed to send and track transactions.
type TxBackend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Submitter sends paint transactions from one key.
type Submitter struct {
	backend  TxBackend
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	poll     time.Duration
}

func NewSubmitter(backend TxBackend, contract common.Address, key *ecdsa.PrivateKey, chainID *big.Int) *Submitter {
	return &Submitter{
		backend:  backend,
		contract: bind.NewBoundContract(contract, parsedABI, backend, backend, backend),
		key:      key,
		chainID:  chainID,
		poll:     time.Second,
	}
}

// Paint sends paint(x, y, colorIndex) and returns the transaction hash.
func (s *Submitter) Paint(ctx context.Context, x, y, colorIndex int) (common.Hash, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: transactor: %v", ErrSubmit, err)
	}
	opts.Context = ctx
	tx, err := s.contract.Transact(opts, MethodPaint, big.NewInt(int64(x)), big.NewInt(int64(y)), uint8(colorIndex))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	return tx.Hash(), nil
}

// Await blocks until the transaction is mined. It returns ErrReverted when the
// receipt reports failure.
func (s *Submitter) Await(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s in block %v", ErrReverted, hash.Hex(), receipt.BlockNumber)
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			// Transient RPC errors are retried until ctx ends.
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
