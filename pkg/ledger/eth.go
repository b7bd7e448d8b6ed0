package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// ChainBackend is the subset of *ethclient.Client the gateway needs.
type ChainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EthConfig configures an EthGateway.
type EthConfig struct {
	Contracts     Addresses
	PrivateKey    *ecdsa.PrivateKey
	ChainID       *big.Int // fetched from the node when nil
	Confirmations uint64   // blocks on top of the inclusion block; 0 means inclusion only
	PollInterval  time.Duration
	GasMarginPct  uint64 // added on top of the node's estimate
	Logger        *slog.Logger
}

// EthGateway talks to the deployed contract suite over JSON-RPC.
type EthGateway struct {
	backend ChainBackend
	cfg     EthConfig
	from    common.Address
	signer  types.Signer
	logger  *slog.Logger

	sendMu    sync.Mutex
	nextNonce uint64
	haveNonce bool
}

var _ Gateway = (*EthGateway)(nil)

func NewEthGateway(ctx context.Context, backend ChainBackend, cfg EthConfig) (*EthGateway, error) {
	if cfg.PrivateKey == nil {
		return nil, errors.New("ledger: signing key is required")
	}
	if cfg.ChainID == nil {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("ledger: fetch chain id: %w", err)
		}
		cfg.ChainID = id
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.GasMarginPct == 0 {
		cfg.GasMarginPct = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EthGateway{
		backend: backend,
		cfg:     cfg,
		from:    crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey),
		signer:  types.LatestSignerForChainID(cfg.ChainID),
		logger:  logger.With("component", "ledger"),
	}, nil
}

func (g *EthGateway) Address() common.Address { return g.from }

func (g *EthGateway) PublishFee(ctx context.Context) (*big.Int, error) {
	out, err := g.call(ctx, ContractPublish, "publishFee")
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

func (g *EthGateway) Function(ctx context.Context, name string) (*FunctionRecord, error) {
	out, err := g.call(ctx, ContractRegistry, "functionInfo", name)
	if err != nil {
		return nil, err
	}
	if exists, _ := out[3].(bool); !exists {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	return &FunctionRecord{
		Name:      name,
		Owner:     out[0].(common.Address),
		Price:     out[1].(*big.Int),
		Available: out[2].(bool),
	}, nil
}

func (g *EthGateway) RequestPublish(ctx context.Context, proof, name string, opts ...TxOption) (*TxResult, error) {
	o := applyTxOptions(opts)
	if o.value == nil {
		fee, err := g.PublishFee(ctx)
		if err != nil {
			return nil, err
		}
		o.value = fee
	}
	return g.transact(ctx, ContractPublish, o.value, "requestPublish", proof, name)
}

func (g *EthGateway) RequestInvoke(ctx context.Context, name, params string, opts ...TxOption) (*TxResult, error) {
	o := applyTxOptions(opts)
	if o.value == nil {
		rec, err := g.Function(ctx, name)
		switch {
		case errors.Is(err, ErrFunctionNotFound):
			// Let the contract produce the canonical revert.
			o.value = new(big.Int)
		case err != nil:
			return nil, err
		default:
			o.value = rec.Price
		}
	}
	return g.transact(ctx, ContractInvoke, o.value, "requestInvoke", name, params)
}

func (g *EthGateway) RequestRemove(ctx context.Context, name string, opts ...TxOption) (*TxResult, error) {
	o := applyTxOptions(opts)
	return g.transact(ctx, ContractRemove, o.value, "requestRemove", name)
}

func (g *EthGateway) AcknowledgeUpload(ctx context.Context, op common.Hash) (*TxResult, error) {
	return g.transact(ctx, ContractPublish, nil, "acknowledgeUpload", op)
}

func (g *EthGateway) SettlePublish(ctx context.Context, name string, owner common.Address, price *big.Int, op common.Hash) (*TxResult, error) {
	return g.transact(ctx, ContractPublish, nil, "settlePublish", name, owner, price, op)
}

func (g *EthGateway) RefundPublish(ctx context.Context, name string, op common.Hash) (*TxResult, error) {
	return g.transact(ctx, ContractPublish, nil, "refundPublish", name, op)
}

func (g *EthGateway) SettleInvoke(ctx context.Context, result string, price, fee *big.Int, owner common.Address, op common.Hash) (*TxResult, error) {
	return g.transact(ctx, ContractInvoke, nil, "settleInvoke", result, price, fee, owner, op)
}

func (g *EthGateway) FailInvoke(ctx context.Context, name string, op common.Hash) (*TxResult, error) {
	return g.transact(ctx, ContractInvoke, nil, "failInvoke", name, op)
}

func (g *EthGateway) SettleRemove(ctx context.Context, op common.Hash, name string) (*TxResult, error) {
	return g.transact(ctx, ContractRemove, nil, "settleRemove", op, name)
}

func (g *EthGateway) FailRemove(ctx context.Context, op common.Hash) (*TxResult, error) {
	return g.transact(ctx, ContractRemove, nil, "failRemove", op)
}

func (g *EthGateway) call(ctx context.Context, c Contract, method string, args ...interface{}) ([]interface{}, error) {
	parsed := contractABIs[c]
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	to := g.cfg.Contracts.of(c)
	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{From: g.from, To: &to, Data: data}, nil)
	if err != nil {
		if rev, ok := revertFromError(method, err); ok {
			return nil, rev
		}
		return nil, fmt.Errorf("ledger: call %s: %w", method, err)
	}
	res, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return res, nil
}

// transact signs and submits one call, then waits for it to reach the
// configured confirmation depth.
func (g *EthGateway) transact(ctx context.Context, c Contract, value *big.Int, method string, args ...interface{}) (*TxResult, error) {
	if value == nil {
		value = new(big.Int)
	}
	data, err := contractABIs[c].Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	to := g.cfg.Contracts.of(c)
	msg := ethereum.CallMsg{From: g.from, To: &to, Value: value, Data: data}

	// 1. Estimate; a revert surfaces here before anything is signed.
	gas, err := g.backend.EstimateGas(ctx, msg)
	if err != nil {
		if rev, ok := revertFromError(method, err); ok {
			return nil, rev
		}
		return nil, fmt.Errorf("ledger: estimate %s: %w", method, err)
	}
	gas += gas * g.cfg.GasMarginPct / 100

	// 2. Sign and send
	tx, err := g.send(ctx, to, value, gas, data)
	if err != nil {
		return nil, fmt.Errorf("ledger: send %s: %w", method, err)
	}
	g.logger.DebugContext(ctx, "transaction sent", "method", method, "tx", tx.Hash().Hex())

	// 3. Wait for finality
	receipt, err := g.waitConfirmed(ctx, tx.Hash())
	if err != nil {
		return nil, fmt.Errorf("ledger: wait %s: %w", method, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		// Replay at the inclusion block to recover the reason.
		_, callErr := g.backend.CallContract(ctx, msg, receipt.BlockNumber)
		if rev, ok := revertFromError(method, callErr); ok {
			return nil, rev
		}
		return nil, &RevertError{Method: method, Err: ErrReverted}
	}

	return &TxResult{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

func (g *EthGateway) send(ctx context.Context, to common.Address, value *big.Int, gas uint64, data []byte) (*types.Transaction, error) {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	nonce, err := g.backend.PendingNonceAt(ctx, g.from)
	if err != nil {
		return nil, err
	}
	if g.haveNonce && g.nextNonce > nonce {
		nonce = g.nextNonce
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, g.signer, g.cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	g.nextNonce = nonce + 1
	g.haveNonce = true
	return signed, nil
}

func (g *EthGateway) waitConfirmed(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		if receipt == nil {
			r, err := g.backend.TransactionReceipt(ctx, h)
			switch {
			case err == nil:
				receipt = r
			case !errors.Is(err, ethereum.NotFound):
				return nil, err
			}
		}
		if receipt != nil {
			if g.cfg.Confirmations == 0 {
				return receipt, nil
			}
			head, err := g.backend.BlockNumber(ctx)
			if err != nil {
				return nil, err
			}
			if head >= receipt.BlockNumber.Uint64()+g.cfg.Confirmations {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Watch streams decoded events. A dropped subscription is re-established and
// the gap is backfilled with FilterLogs from the last delivered block, or from
// the head at watch time when nothing was delivered yet.
func (g *EthGateway) Watch(ctx context.Context, name EventName, fn func(Event)) (func(), error) {
	id, err := EventID(name)
	if err != nil {
		return nil, err
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{g.cfg.Contracts.of(eventContracts[name])},
		Topics:    [][]common.Hash{{id}},
	}

	head, err := g.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: watch %s: %w", name, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	logs := make(chan types.Log, 64)
	sub, err := g.backend.SubscribeFilterLogs(watchCtx, query, logs)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ledger: subscribe %s: %w", name, err)
	}

	go g.pump(watchCtx, name, query, head, sub, logs, fn)
	return cancel, nil
}

func (g *EthGateway) pump(ctx context.Context, name EventName, query ethereum.FilterQuery, from uint64, sub ethereum.Subscription, logs chan types.Log, fn func(Event)) {
	defer func() { sub.Unsubscribe() }()
	var lastBlock uint64
	var lastIndex uint
	seen := false
	deliver := func(lg types.Log) {
		if lg.Removed {
			return
		}
		// Backfill and resubscription can repeat delivered logs.
		if seen && (lg.BlockNumber < lastBlock || (lg.BlockNumber == lastBlock && lg.Index <= lastIndex)) {
			return
		}
		lastBlock, lastIndex, seen = lg.BlockNumber, lg.Index, true
		ev, err := DecodeLog(name, lg)
		if err != nil {
			g.logger.ErrorContext(ctx, "dropping undecodable log", "event", name, "tx", lg.TxHash.Hex(), "error", err)
			return
		}
		fn(ev)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			g.logger.WarnContext(ctx, "event subscription dropped", "event", name, "error", err)
			sub.Unsubscribe()
			next, ok := g.resubscribe(ctx, query, logs)
			if !ok {
				return
			}
			sub = next
			start := from
			if seen {
				start = lastBlock
			}
			g.backfill(ctx, name, query, start, deliver)
		case lg := <-logs:
			deliver(lg)
		}
	}
}

// backfill replays logs from block from up to the head. eth_subscribe does
// not reliably honour a historical FromBlock.
func (g *EthGateway) backfill(ctx context.Context, name EventName, query ethereum.FilterQuery, from uint64, deliver func(types.Log)) {
	query.FromBlock = new(big.Int).SetUint64(from)
	missed, err := g.backend.FilterLogs(ctx, query)
	if err != nil {
		g.logger.WarnContext(ctx, "event backfill failed", "event", name, "from_block", from, "error", err)
		return
	}
	for _, lg := range missed {
		deliver(lg)
	}
}

func (g *EthGateway) resubscribe(ctx context.Context, query ethereum.FilterQuery, logs chan types.Log) (ethereum.Subscription, bool) {
	delay := g.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
		sub, err := g.backend.SubscribeFilterLogs(ctx, query, logs)
		if err == nil {
			return sub, true
		}
		g.logger.WarnContext(ctx, "resubscribe failed", "error", err)
		if delay < time.Minute {
			delay *= 2
		}
	}
}

// revertFromError recognises an execution revert in an RPC error.
func revertFromError(method string, err error) (*RevertError, bool) {
	if err == nil {
		return nil, false
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return NewRevertError(method, reason), true
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimPrefix(msg[i:], "execution reverted")
		reason = strings.TrimLeft(reason, ": ")
		return NewRevertError(method, reason), true
	}
	return nil, false
}
