package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// Gas limits used when estimation fails.
const (
	DefaultGasLimit      = uint64(21000)
	DefaultERC20GasLimit = uint64(65000)
)

const erc20TransferABI = `[{"type":"function","name":"transfer","stateMutability":"nonpayable",
"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
"outputs":[{"name":"","type":"bool"}]}]`

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		panic(fmt.Sprintf("ledger: bad erc20 abi: %v", err))
	}
	return parsed
}()

// EVMClient is the subset of ethclient.Client the EVM ledger needs.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EVMConfig configures an EVM ledger.
type EVMConfig struct {
	// ChainID is used for signing; 0 asks the node.
	ChainID uint64
	// WaitReceipt blocks each transfer until it is mined.
	WaitReceipt    bool
	ReceiptTimeout time.Duration
}

// EVMLedger sends native value or ERC-20 transfers from a single key.
// An empty Request.Ledger sends native value; otherwise Ledger is the
// token contract address.
type EVMLedger struct {
	client EVMClient
	key    *ecdsa.PrivateKey
	from   common.Address
	signer types.Signer
	cfg    EVMConfig
	log    *logging.Logger

	// serializes nonce allocation
	mu sync.Mutex
}

// DialEVMLedger connects to an EVM node and builds a ledger around key.
func DialEVMLedger(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, cfg EVMConfig) (*EVMLedger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}
	l, err := NewEVMLedger(ctx, client, key, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

// NewEVMLedger builds a ledger on an existing client.
func NewEVMLedger(ctx context.Context, client EVMClient, key *ecdsa.PrivateKey, cfg EVMConfig) (*EVMLedger, error) {
	if key == nil {
		return nil, fmt.Errorf("private key required")
	}
	chainID := new(big.Int).SetUint64(cfg.ChainID)
	if cfg.ChainID == 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chain id: %w", err)
		}
		chainID = id
		cfg.ChainID = id.Uint64()
	}
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}

	return &EVMLedger{
		client: client,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		signer: types.LatestSignerForChainID(chainID),
		cfg:    cfg,
		log:    logging.GetDefault().Component("ledger-evm"),
	}, nil
}

// Address returns the sending account.
func (l *EVMLedger) Address() common.Address {
	return l.from
}

// ChainID returns the chain the ledger signs for.
func (l *EVMLedger) ChainID() uint64 {
	return l.cfg.ChainID
}

// Validate checks that the recipient and, for tokens, the ledger are hex
// addresses.
func (l *EVMLedger) Validate(req Request) error {
	if !common.IsHexAddress(req.To) {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, req.To)
	}
	if !req.Native() && !common.IsHexAddress(req.Ledger) {
		return fmt.Errorf("%w: %q", ErrInvalidLedger, req.Ledger)
	}
	return nil
}

// Transfer signs and broadcasts a transfer.
func (l *EVMLedger) Transfer(ctx context.Context, req Request) (*Receipt, error) {
	if err := l.Validate(req); err != nil {
		return nil, err
	}
	to := common.HexToAddress(req.To)
	amount := new(big.Int).SetUint64(req.Amount)

	msg := ethereum.CallMsg{From: l.from}
	fallbackGas := DefaultGasLimit
	if req.Native() {
		msg.To = &to
		msg.Value = amount
	} else {
		token := common.HexToAddress(req.Ledger)
		data, err := erc20ABI.Pack("transfer", to, amount)
		if err != nil {
			return nil, fmt.Errorf("failed to encode transfer: %w", err)
		}
		msg.To = &token
		msg.Value = big.NewInt(0)
		msg.Data = data
		fallbackGas = DefaultERC20GasLimit
	}

	tx, err := l.send(ctx, msg, fallbackGas)
	if err != nil {
		return nil, err
	}

	l.log.Info("Transfer broadcast",
		"escrow", req.Reference,
		"tx", tx.Hash().Hex(),
		"to", to.Hex(),
		"amount", req.Amount,
		"native", req.Native(),
	)

	if l.cfg.WaitReceipt {
		if err := l.waitMined(ctx, tx); err != nil {
			return nil, err
		}
	}

	return &Receipt{TxHash: tx.Hash().Hex(), Time: time.Now()}, nil
}

func (l *EVMLedger) send(ctx context.Context, msg ethereum.CallMsg, fallbackGas uint64) (*types.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	gasLimit, err := l.client.EstimateGas(ctx, msg)
	if err != nil {
		gasLimit = fallbackGas
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       msg.To,
		Value:    msg.Value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     msg.Data,
	})
	signed, err := types.SignTx(tx, l.signer, l.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to broadcast: %w", err)
	}
	return signed, nil
}

func (l *EVMLedger) waitMined(ctx context.Context, tx *types.Transaction) error {
	backend, ok := l.client.(bind.DeployBackend)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReceiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(ctx, backend, tx)
	if err != nil {
		return fmt.Errorf("failed waiting for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return fmt.Errorf("%w: %s", ErrTxReverted, tx.Hash().Hex())
	}
	return nil
}

var (
	_ Ledger    = (*EVMLedger)(nil)
	_ Validator = (*EVMLedger)(nil)
)
