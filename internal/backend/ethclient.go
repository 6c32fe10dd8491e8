package backend

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/Klingon-tech/escrowd/pkg/helpers"
)

// LogFilterer is the part of ethclient.Client used for log queries.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthClientBackend implements LogSource on top of go-ethereum's client,
// which also speaks websocket and IPC endpoints.
type EthClientBackend struct {
	client LogFilterer
	closer func()
}

// DialEthClient connects to an EVM node.
func DialEthClient(ctx context.Context, url string) (*EthClientBackend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return &EthClientBackend{client: client, closer: client.Close}, nil
}

// NewEthClientBackend wraps an existing filterer.
func NewEthClientBackend(client LogFilterer) *EthClientBackend {
	return &EthClientBackend{client: client}
}

// Type returns TypeEthClient.
func (e *EthClientBackend) Type() Type {
	return TypeEthClient
}

// Close closes the underlying connection.
func (e *EthClientBackend) Close() error {
	if e.closer != nil {
		e.closer()
	}
	return nil
}

// BlockNumber returns the head block number.
func (e *EthClientBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return e.client.BlockNumber(ctx)
}

// GetLogs runs a FilterLogs query.
func (e *EthClientBackend) GetLogs(ctx context.Context, filter LogFilter) ([]Log, error) {
	topics := make([][]common.Hash, len(filter.Topics))
	for i, t := range filter.Topics {
		topics[i] = []common.Hash{t}
	}
	q := ethereum.FilterQuery{
		Addresses: []common.Address{filter.Address},
		Topics:    topics,
		FromBlock: blockArg(filter.FromBlock),
		ToBlock:   blockArg(filter.ToBlock),
	}

	raw, err := e.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, err
	}

	logs := make([]Log, 0, len(raw))
	for i := range raw {
		l := &raw[i]
		block := hexutil.Uint64(l.BlockNumber)
		txHash := l.TxHash
		index := hexutil.Uint(l.Index)
		logs = append(logs, Log{
			Address:     l.Address,
			Topics:      l.Topics,
			Data:        l.Data,
			BlockNumber: &block,
			TxHash:      &txHash,
			LogIndex:    &index,
		})
	}
	return logs, nil
}

// blockArg converts a block tag or hex number to the client's form.
func blockArg(tag string) *big.Int {
	switch tag {
	case "", BlockLatest:
		return big.NewInt(int64(rpc.LatestBlockNumber))
	default:
		return new(big.Int).SetUint64(helpers.HexToUint64(tag))
	}
}

var _ LogSource = (*EthClientBackend)(nil)
