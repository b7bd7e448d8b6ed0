package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// memWatcher delivers queued events to fn on its own goroutine so emitters
// never block on slow consumers and delivery order matches emission order.
type memWatcher struct {
	fn    func(Event)
	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func (w *memWatcher) push(ev Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *memWatcher) run() {
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
		}
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()

			select {
			case <-w.stop:
				return
			default:
			}
			w.fn(ev)
		}
	}
}

func (w *memWatcher) halt() {
	w.once.Do(func() { close(w.stop) })
}

func (m *Memory) emitLocked(ev Event) {
	for _, w := range m.watchers[ev.Name] {
		w.push(ev)
	}
}

func (m *Memory) watch(ctx context.Context, name EventName, fn func(Event)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &memWatcher{fn: fn, wake: make(chan struct{}, 1), stop: make(chan struct{})}

	m.mu.Lock()
	m.nextWatch++
	id := m.nextWatch
	if m.watchers[name] == nil {
		m.watchers[name] = make(map[uint64]*memWatcher)
	}
	m.watchers[name][id] = w
	m.mu.Unlock()

	go w.run()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			w.halt()
			m.mu.Lock()
			delete(m.watchers[name], id)
			m.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return func() {
		stop()
		cancel()
	}, nil
}

// WatcherCount reports live watches for name. Tests use it to check that
// subscriptions clean up after themselves.
func (m *Memory) WatcherCount(name EventName) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers[name])
}

// Session is a caller-bound view of a Memory ledger.
type Session struct {
	m      *Memory
	caller common.Address
}

var _ Gateway = (*Session)(nil)

func (s *Session) Address() common.Address { return s.caller }

func (s *Session) PublishFee(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return new(big.Int).Set(s.m.publishFee), nil
}

func (s *Session) Function(ctx context.Context, name string) (*FunctionRecord, error) {
	return s.m.function(ctx, name)
}

func (s *Session) RequestPublish(ctx context.Context, proof, name string, opts ...TxOption) (*TxResult, error) {
	return s.m.requestPublish(ctx, s.caller, proof, name, applyTxOptions(opts))
}

func (s *Session) RequestInvoke(ctx context.Context, name, params string, opts ...TxOption) (*TxResult, error) {
	return s.m.requestInvoke(ctx, s.caller, name, params, applyTxOptions(opts))
}

func (s *Session) RequestRemove(ctx context.Context, name string, opts ...TxOption) (*TxResult, error) {
	return s.m.requestRemove(ctx, s.caller, name, applyTxOptions(opts))
}

func (s *Session) AcknowledgeUpload(ctx context.Context, op common.Hash) (*TxResult, error) {
	return s.m.acknowledgeUpload(ctx, s.caller, op)
}

func (s *Session) SettlePublish(ctx context.Context, name string, owner common.Address, price *big.Int, op common.Hash) (*TxResult, error) {
	return s.m.settlePublish(ctx, s.caller, name, owner, price, op)
}

func (s *Session) RefundPublish(ctx context.Context, name string, op common.Hash) (*TxResult, error) {
	return s.m.refundPublish(ctx, s.caller, name, op)
}

func (s *Session) SettleInvoke(ctx context.Context, result string, price, fee *big.Int, owner common.Address, op common.Hash) (*TxResult, error) {
	return s.m.settleInvoke(ctx, s.caller, result, price, fee, owner, op)
}

func (s *Session) FailInvoke(ctx context.Context, name string, op common.Hash) (*TxResult, error) {
	return s.m.failInvoke(ctx, s.caller, name, op)
}

func (s *Session) SettleRemove(ctx context.Context, op common.Hash, name string) (*TxResult, error) {
	return s.m.settleRemove(ctx, s.caller, op, name)
}

func (s *Session) FailRemove(ctx context.Context, op common.Hash) (*TxResult, error) {
	return s.m.failRemove(ctx, s.caller, op)
}

func (s *Session) Watch(ctx context.Context, name EventName, fn func(Event)) (func(), error) {
	return s.m.watch(ctx, name, fn)
}
