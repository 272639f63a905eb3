package gateway

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// transferTopic is topic0 of the ERC-20 Transfer(address,address,uint256) event.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ChainReader is the ledger transport the watcher polls. *ethclient.Client
// satisfies it; tests inject a fake.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// TransferWatcher polls the chain for ERC-20 transfers of one token to one
// account and invokes a callback per matching transfer, in log order. It
// holds no subscription: each tick checks the head and scans only the range
// above its cursor, so RPC flakiness costs at most one poll interval.
type TransferWatcher struct {
	chain    ChainReader
	token    common.Address
	account  common.Address
	interval time.Duration
	onMatch  func(from common.Address, amount *big.Int)

	// cursor is the highest block already scanned. Only the poll goroutine
	// touches it, and it only moves forward.
	cursor uint64

	stopOnce sync.Once
	stop     chan struct{}
}

// StartTransferWatcher begins polling for transfers of token to account in
// blocks strictly after fromBlock. Transport errors are swallowed and
// retried on the next tick.
func StartTransferWatcher(
	chain ChainReader,
	token, account common.Address,
	fromBlock uint64,
	interval time.Duration,
	onMatch func(from common.Address, amount *big.Int),
) *TransferWatcher {
	w := &TransferWatcher{
		chain:    chain,
		token:    token,
		account:  account,
		interval: interval,
		onMatch:  onMatch,
		cursor:   fromBlock,
		stop:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// Stop halts polling. It is idempotent. No new tick starts after Stop
// returns; a tick already in flight may still complete and deliver.
func (w *TransferWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *TransferWatcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			// A close of stop racing the ticker must win.
			select {
			case <-w.stop:
				return
			default:
			}
			w.tick()
		}
	}
}

func (w *TransferWatcher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()

	head, err := w.chain.BlockNumber(ctx)
	if err != nil {
		slog.Debug("transfer watcher: head query failed", "account", w.account.Hex(), "error", err)
		return
	}
	if head <= w.cursor {
		return
	}

	logs, err := w.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.cursor + 1),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{w.token},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(w.account.Bytes())},
		},
	})
	if err != nil {
		slog.Debug("transfer watcher: log query failed", "account", w.account.Hex(), "error", err)
		return
	}

	// The scanned range is consumed whether or not it held matches, so a
	// re-poll never redelivers.
	w.cursor = head

	for _, lg := range logs {
		if len(lg.Topics) < 3 || len(lg.Data) == 0 {
			continue
		}
		from := common.BytesToAddress(lg.Topics[1].Bytes())
		amount := new(big.Int).SetBytes(lg.Data)
		w.onMatch(from, amount)
	}
}
