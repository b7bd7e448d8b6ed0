// Package ledger is the typed facade over the Etherless contract suite.
//
// The suite has three workflow contracts (Publish, Invoke, Remove) and a shared
// Registry holding escrow and function records. Request entrypoints are open to
// any caller and may carry escrow. Settlement entrypoints are restricted to the
// authority address. Every entrypoint returns once its transaction is final or
// reverted, and every event is delivered as a typed, versioned Event.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind tags an operation with the workflow that created it.
type Kind int

const (
	KindPublish Kind = iota + 1
	KindInvoke
	KindRemove
)

func (k Kind) String() string {
	switch k {
	case KindPublish:
		return "publish"
	case KindInvoke:
		return "invoke"
	case KindRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "publish":
		return KindPublish, true
	case "invoke":
		return KindInvoke, true
	case "remove":
		return KindRemove, true
	}
	return 0, false
}

// TxResult describes a transaction that reached the configured finality.
type TxResult struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// FunctionRecord is the on-chain view of a published function.
type FunctionRecord struct {
	Name      string
	Owner     common.Address
	Price     *big.Int
	Available bool
}

type txOptions struct {
	value *big.Int
}

// TxOption adjusts a request transaction.
type TxOption func(*txOptions)

// WithValue attaches an explicit escrow instead of the amount the contract
// currently asks for.
func WithValue(v *big.Int) TxOption {
	return func(o *txOptions) { o.value = new(big.Int).Set(v) }
}

func applyTxOptions(opts []TxOption) txOptions {
	var o txOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Watcher streams events of one name to fn, in emission order, until the
// returned cancel func is called or ctx is done. cancel is idempotent and may
// be called from inside fn.
type Watcher interface {
	Watch(ctx context.Context, name EventName, fn func(Event)) (cancel func(), err error)
}

// Requester is the surface used by the party initiating an operation.
type Requester interface {
	Address() common.Address
	PublishFee(ctx context.Context) (*big.Int, error)
	Function(ctx context.Context, name string) (*FunctionRecord, error)
	RequestPublish(ctx context.Context, proof, name string, opts ...TxOption) (*TxResult, error)
	RequestInvoke(ctx context.Context, name, params string, opts ...TxOption) (*TxResult, error)
	RequestRemove(ctx context.Context, name string, opts ...TxOption) (*TxResult, error)
}

// Authority is the settlement surface. Each call must reference a live
// operation hash or it reverts with ErrOperationNotFound.
type Authority interface {
	Address() common.Address
	AcknowledgeUpload(ctx context.Context, op common.Hash) (*TxResult, error)
	SettlePublish(ctx context.Context, name string, owner common.Address, price *big.Int, op common.Hash) (*TxResult, error)
	RefundPublish(ctx context.Context, name string, op common.Hash) (*TxResult, error)
	SettleInvoke(ctx context.Context, result string, price, fee *big.Int, owner common.Address, op common.Hash) (*TxResult, error)
	FailInvoke(ctx context.Context, name string, op common.Hash) (*TxResult, error)
	SettleRemove(ctx context.Context, op common.Hash, name string) (*TxResult, error)
	FailRemove(ctx context.Context, op common.Hash) (*TxResult, error)
}

// Gateway is the full facade.
type Gateway interface {
	Requester
	Authority
	Watcher
}
