package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

// OperationStatus mirrors the contract-side lifecycle of an operation.
type OperationStatus int

const (
	OperationPending OperationStatus = iota + 1
	OperationSettled
	OperationCancelled
)

// Operation is a live request held by the Memory ledger.
type Operation struct {
	Hash      common.Hash
	Kind      Kind
	Requester common.Address
	Escrow    *big.Int
	Name      string
	Status    OperationStatus
}

// Call records an entrypoint invocation that reached the Memory ledger.
type Call struct {
	Method string
	Caller common.Address
	OpHash common.Hash
	Name   string
	Err    error
}

// Memory simulates the contract suite in process. It applies the same
// validation, escrow and event rules as the deployed contracts and is used by
// tests and by the server's dev mode. Callers act through a Session.
type Memory struct {
	mu         sync.Mutex
	authority  common.Address
	publishFee *big.Int
	functions  map[string]*FunctionRecord
	ops        map[common.Hash]*Operation
	closed     map[common.Hash]OperationStatus
	balances   map[common.Address]*big.Int
	nonce      uint64
	block      uint64
	calls      []Call
	faults     map[string][]error

	watchers  map[EventName]map[uint64]*memWatcher
	nextWatch uint64
}

// NewMemory returns an empty ledger whose settlement entrypoints accept only
// authority.
func NewMemory(authority common.Address, publishFee *big.Int) *Memory {
	return &Memory{
		authority:  authority,
		publishFee: new(big.Int).Set(publishFee),
		functions:  make(map[string]*FunctionRecord),
		ops:        make(map[common.Hash]*Operation),
		closed:     make(map[common.Hash]OperationStatus),
		balances:   make(map[common.Address]*big.Int),
		faults:     make(map[string][]error),
		watchers:   make(map[EventName]map[uint64]*memWatcher),
	}
}

// Session binds the ledger to a caller address. It implements Gateway.
func (m *Memory) Session(caller common.Address) *Session {
	return &Session{m: m, caller: caller}
}

// InjectFault makes the next call to method fail with err before any state
// change. Repeated injections queue up.
func (m *Memory) InjectFault(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[method] = append(m.faults[method], err)
}

// SetFunction seeds a function record directly.
func (m *Memory) SetFunction(rec FunctionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rec
	cp.Price = new(big.Int).Set(rec.Price)
	m.functions[rec.Name] = &cp
}

// Balance is the total credited to addr by settlements and refunds.
func (m *Memory) Balance(addr common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Operation returns a copy of a live operation.
func (m *Memory) Operation(h common.Hash) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[h]
	if !ok {
		return Operation{}, false
	}
	cp := *op
	cp.Escrow = new(big.Int).Set(op.Escrow)
	return cp, true
}

// OperationStatusOf reports the lifecycle state of h, or 0 if never seen.
func (m *Memory) OperationStatusOf(h common.Hash) OperationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[h]; ok {
		return OperationPending
	}
	return m.closed[h]
}

// Calls returns every recorded entrypoint call, successful or not.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo filters Calls by method.
func (m *Memory) CallsTo(method string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (m *Memory) record(c Call) {
	m.calls = append(m.calls, c)
}

func (m *Memory) takeFault(method string) error {
	q := m.faults[method]
	if len(q) == 0 {
		return nil
	}
	m.faults[method] = q[1:]
	return q[0]
}

func (m *Memory) credit(addr common.Address, amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	b, ok := m.balances[addr]
	if !ok {
		b = new(big.Int)
		m.balances[addr] = b
	}
	b.Add(b, amount)
}

func (m *Memory) mine() *TxResult {
	m.block++
	return &TxResult{
		TxHash:      crypto.Keccak256Hash([]byte(fmt.Sprintf("tx:%d", m.block))),
		BlockNumber: m.block,
		GasUsed:     21000,
	}
}

// opIdentity is hashed in canonical JSON form to derive operation hashes.
type opIdentity struct {
	Kind      string `json:"kind"`
	Requester string `json:"requester"`
	Name      string `json:"name"`
	Nonce     uint64 `json:"nonce"`
}

func (m *Memory) newOperation(kind Kind, requester common.Address, name string, escrow *big.Int) (*Operation, error) {
	m.nonce++
	raw, err := json.Marshal(opIdentity{Kind: kind.String(), Requester: requester.Hex(), Name: name, Nonce: m.nonce})
	if err != nil {
		return nil, err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize operation identity: %w", err)
	}
	op := &Operation{
		Hash:      crypto.Keccak256Hash(canonical),
		Kind:      kind,
		Requester: requester,
		Escrow:    new(big.Int).Set(escrow),
		Name:      name,
		Status:    OperationPending,
	}
	m.ops[op.Hash] = op
	return op, nil
}

func (m *Memory) closeOperation(op *Operation, status OperationStatus) {
	delete(m.ops, op.Hash)
	m.closed[op.Hash] = status
}

// liveOp fetches a live operation of the given kind for an authority call.
func (m *Memory) liveOp(method string, caller common.Address, h common.Hash, kind Kind) (*Operation, error) {
	if caller != m.authority {
		return nil, NewRevertError(method, "Unauthorized")
	}
	op, ok := m.ops[h]
	if !ok || op.Kind != kind {
		return nil, NewRevertError(method, "OperationNotFound")
	}
	return op, nil
}

// begin takes the lock and applies any injected fault. On success the caller
// owns the lock and must call end.
func (m *Memory) begin(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.takeFault(method); err != nil {
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) end(c Call, res *TxResult, events ...Payload) (*TxResult, error) {
	m.record(c)
	if c.Err != nil {
		m.mu.Unlock()
		return nil, c.Err
	}
	for _, p := range events {
		ev := newEvent(p)
		ev.TxHash = res.TxHash
		ev.BlockNumber = res.BlockNumber
		m.emitLocked(ev)
	}
	m.mu.Unlock()
	return res, nil
}

func (m *Memory) requestPublish(ctx context.Context, caller common.Address, proof, name string, o txOptions) (*TxResult, error) {
	const method = "requestPublish"
	if err := m.begin(ctx, method); err != nil {
		return nil, err
	}
	c := Call{Method: method, Caller: caller, Name: name}

	value := o.value
	if value == nil {
		value = m.publishFee
	}
	if value.Cmp(m.publishFee) < 0 {
		c.Err = NewRevertError(method, "InsufficientEscrow")
		return m.end(c, nil)
	}
	if f, ok := m.functions[name]; ok && f.Owner != caller {
		c.Err = NewRevertError(method, "OwnershipConflict")
		return m.end(c, nil)
	}
	op, err := m.newOperation(KindPublish, caller, name, value)
	if err != nil {
		c.Err = err
		return m.end(c, nil)
	}
	c.OpHash = op.Hash
	return m.end(c, m.mine(), OperationHashed{Proof: proof, OpHash: op.Hash, Requester: caller, Name: name})
}

func (m *Memory) requestInvoke(ctx context.Context, caller common.Address, name, params string, o txOptions) (*TxResult, error) {
	const method = "requestInvoke"
	if err := m.begin(ctx, method); err != nil {
		return nil, err
	}
	c := Call{Method: method, Caller: caller, Name: name}

	f, ok := m.functions[name]
	if !ok || !f.Available {
		c.Err = NewRevertError(method, "FunctionUnavailable")
		return m.end(c, nil)
	}
	value := o.value
	if value == nil {
		value = f.Price
	}
	if value.Cmp(f.Price) < 0 {
		c.Err = NewRevertError(method, "InsufficientEscrow")
		return m.end(c, nil)
	}
	op, err := m.newOperation(KindInvoke, caller, name, value)
	if err != nil {
		c.Err = err
		return m.end(c, nil)
	}
	c.OpHash = op.Hash
	return m.end(c, m.mine(), InvokeRequested{OpHash: op.Hash, Name: name, Params: params, Requester: caller})
}

func (m *Memory) requestRemove(ctx context.Context, caller common.Address, name string, o txOptions) (*TxResult, error) {
	const method = "requestRemove"
	if err := m.begin(ctx, method); err != nil {
		return nil, err
	}
	c := Call{Method: method, Caller: caller, Name: name}

	f, ok := m.functions[name]
	if !ok || f.Owner != caller {
		c.Err = NewRevertError(method, "NotOwnerOrMissing")
		return m.end(c, nil)
	}
	escrow := new(big.Int)
	if o.value != nil {
		escrow.Set(o.value)
	}
	op, err := m.newOperation(KindRemove, caller, name, escrow)
	if err != nil {
		c.Err = err
		return m.end(c, nil)
	}
	c.OpHash = op.Hash
	return m.end(c, m.mine(), DeleteRequested{OpHash: op.Hash, Name: name, Requester: caller})
}

func (m *Memory) acknowledgeUpload(ctx context.Context, caller common.Address, h common.Hash) (*TxResult, error) {
	const method = "acknowledgeUpload"
	if err := m.begin(ctx, method); err != nil {
		return nil, err
	}
	c := Call{Method: method, Caller: caller, OpHash: h}
	if _, err := m.liveOp(method, caller, h, KindPublish); err != nil {
		c.Err = err
		return m.end(c, nil)
	}
	return m.end(c, m.mine(), UploadAuthorized{OpHash: h})
}

func (m *Memory) settlePublish(ctx context.Context, caller common.Address, name string, owner common.Address, price *big.Int, h common.Hash) (*TxResult, error) {
	const method = "settlePublish"
	if err := m.begin(ctx, method); err != nil {
		return nil, err
	}
	c := Call{Method: method, Caller: caller, OpHash: h, Name: name}
	op, err := m.liveOp(method, caller, h, KindPublish)
	if err != nil {
		c.Err = err
		return m.end(c, nil)
	}
	if f, ok := m.functions[name]; ok && f.Owner != owner {
		c.Err = NewRevertError(method, "OwnershipConflict")
		return m.end(c, nil)
	}
	m.functions[name] = &FunctionRecord{Name: name, Owner: owner, Price: new(big.Int).Set(price), Available: true}
	m.credit(m.authority, op.Escrow)
	m.closeOperation(op, OperationSettled)
	return m.end(c, m.mine())
}

func (m *Memory) refundPublish(ctx context.Context, caller common.Address, name string, h common.Hash) (*TxResult, error) {
	const method = "refundPublish"
	if err := m.begin(ctx, method); err != nil {
		return nil, err
	}
	c := Call{Method: method, Caller: caller, OpHash: h, Name: name}
	op, err := m.liveOp(method, caller, h, KindPublish)
	if err != nil {
		c.Err = err
		return m.end(c, nil)
	}
	m.credit(op.Requester, op.Escrow)
	m.closeOperation(op, OperationCancelled)
	return m.end(c, m.mine())
}

func (m *Memory) settleInvoke(ctx context.Context, caller common.Address, result string, price, fee *big.Int, owner common.Address, h common.Hash) (*TxResult, error) {
	const method = "settleInvoke"
	if err := m.begin(ctx, method); err != nil {
		return nil, err
	}
	c := Call{Method: method, Caller: caller, OpHash: h}
	op, err := m.liveOp(method, caller, h, KindInvoke)
	if err != nil {
		c.Err = err
		return m.end(c, nil)
	}
	c.Name = op.Name

	// The fee goes to the owner first, then the execution cost to the
	// authority, and whatever escrow is left back to the requester.
	remaining := new(big.Int).Set(op.Escrow)
	feePaid := minBig(fee, remaining)
	remaining.Sub(remaining, feePaid)
	pricePaid := minBig(price, remaining)
	remaining.Sub(remaining, pricePaid)

	m.credit(owner, feePaid)
	m.credit(m.authority, pricePaid)
	m.credit(op.Requester, remaining)
	m.closeOperation(op, OperationSettled)
	return m.end(c, m.mine(), InvokeResulted{OpHash: h, Result: result})
}

func (m *Memory) failInvoke(ctx context.Context, caller common.Address, name string, h common.Hash) (*TxResult, error) {
	const method = "failInvoke"
	if err := m.begin(ctx, method); err != nil {
		return nil, err
	}
	c := Call{Method: method, Caller: caller, OpHash: h, Name: name}
	op, err := m.liveOp(method, caller, h, KindInvoke)
	if err != nil {
		c.Err = err
		return m.end(c, nil)
	}
	if f, ok := m.functions[name]; ok {
		f.Available = false
	}
	m.credit(op.Requester, op.Escrow)
	m.closeOperation(op, OperationCancelled)
	return m.end(c, m.mine(), InvokeFailed{OpHash: h, Reason: InvokeFailureReason})
}

func (m *Memory) settleRemove(ctx context.Context, caller common.Address, h common.Hash, name string) (*TxResult, error) {
	const method = "settleRemove"
	if err := m.begin(ctx, method); err != nil {
		return nil, err
	}
	c := Call{Method: method, Caller: caller, OpHash: h, Name: name}
	op, err := m.liveOp(method, caller, h, KindRemove)
	if err != nil {
		c.Err = err
		return m.end(c, nil)
	}
	delete(m.functions, name)
	m.credit(m.authority, op.Escrow)
	m.closeOperation(op, OperationSettled)
	return m.end(c, m.mine(), DeleteConfirmed{OpHash: h})
}

func (m *Memory) failRemove(ctx context.Context, caller common.Address, h common.Hash) (*TxResult, error) {
	const method = "failRemove"
	if err := m.begin(ctx, method); err != nil {
		return nil, err
	}
	c := Call{Method: method, Caller: caller, OpHash: h}
	op, err := m.liveOp(method, caller, h, KindRemove)
	if err != nil {
		c.Err = err
		return m.end(c, nil)
	}
	c.Name = op.Name
	m.credit(op.Requester, op.Escrow)
	m.closeOperation(op, OperationCancelled)
	return m.end(c, m.mine(), DeleteDenied{OpHash: h})
}

func (m *Memory) function(ctx context.Context, name string) (*FunctionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.functions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	cp := *f
	cp.Price = new(big.Int).Set(f.Price)
	return &cp, nil
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
