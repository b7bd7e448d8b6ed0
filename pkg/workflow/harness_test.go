package workflow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/BloomsoftTeam/etherless/pkg/artifacts"
	"github.com/BloomsoftTeam/etherless/pkg/backend"
	"github.com/BloomsoftTeam/etherless/pkg/journal"
	"github.com/BloomsoftTeam/etherless/pkg/ledger"
	"github.com/BloomsoftTeam/etherless/pkg/pricing"
	"github.com/BloomsoftTeam/etherless/pkg/registry"
	"github.com/BloomsoftTeam/etherless/pkg/retry"
)

var (
	authorityAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	devAddr       = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	userAddr      = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

const testPublishFee = 1000

// fakeBackend records calls and returns canned executions. Blobs are keyed
// by digest like the real artifact store.
type fakeBackend struct {
	mu        sync.Mutex
	digests   map[string]string
	blobs     map[string]bool
	deleted   []string
	output    string
	duration  time.Duration
	invokeErr error
	deployErr error
	deleteErr error
	invokes   int
	deletes   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		digests:  make(map[string]string),
		blobs:    make(map[string]bool),
		output:   "3",
		duration: 2 * time.Second,
	}
}

func (b *fakeBackend) Deploy(_ context.Context, d backend.Deployment) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deployErr != nil {
		return "", b.deployErr
	}
	digest := artifacts.Digest(d.Archive)
	b.digests[d.Name] = digest
	b.blobs[digest] = true
	return digest, nil
}

func (b *fakeBackend) Invoke(_ context.Context, c backend.Call) (backend.Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invokes++
	if b.invokeErr != nil {
		return backend.Execution{}, b.invokeErr
	}
	if b.digests[c.Name] != c.Digest || !b.blobs[c.Digest] {
		return backend.Execution{}, backend.ErrNotDeployed
	}
	d := b.duration
	if d > c.Timeout {
		d = c.Timeout
	}
	return backend.Execution{Output: b.output, Duration: d}, nil
}

func (b *fakeBackend) Delete(_ context.Context, name, digest string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes++
	if b.deleteErr != nil {
		return b.deleteErr
	}
	if !b.blobs[digest] {
		return backend.ErrNotDeployed
	}
	delete(b.blobs, digest)
	if b.digests[name] == digest {
		delete(b.digests, name)
	}
	b.deleted = append(b.deleted, digest)
	return nil
}

func (b *fakeBackend) deletedDigests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deleted...)
}

func (b *fakeBackend) counts() (invokes, deletes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invokes, b.deletes
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

// statusError mimics what the HTTP uploader returns for a non-2xx response.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string   { return fmt.Sprintf("upload: status %d: %v", e.code, e.err) }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }

// directUploader hands uploads straight to a Server.
type directUploader struct{ srv *Server }

func (u directUploader) Upload(ctx context.Context, up Upload) error {
	if err := u.srv.HandleUpload(ctx, up); err != nil {
		return &statusError{code: HTTPStatus(err), err: err}
	}
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	chain    *ledger.Memory
	backend  *fakeBackend
	registry *registry.MemoryStore
	journal  *journal.MemoryJournal
	pending  *MemoryPendingTable
	server   *Server

	cancel context.CancelFunc
	runErr chan error
}

func newHarness(t *testing.T, opts ...func(*ServerConfig)) *harness {
	t.Helper()
	h := &harness{
		chain:    ledger.NewMemory(authorityAddr, big.NewInt(testPublishFee)),
		backend:  newFakeBackend(),
		registry: registry.NewMemoryStore(),
		journal:  journal.NewMemoryJournal(),
		pending:  NewMemoryPendingTable(),
		runErr:   make(chan error, 1),
	}
	cfg := ServerConfig{
		Ledger:           h.chain.Session(authorityAddr),
		Backend:          h.backend,
		Registry:         h.registry,
		Journal:          h.journal,
		Pending:          h.pending,
		SettlementPolicy: retry.BackoffPolicy{PolicyID: "test", BaseMs: 1, MaxMs: 2, MaxAttempts: 3},
		Logger:           discardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	h.server = srv
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.runErr <- h.server.Run(ctx) }()
	select {
	case <-h.server.Ready():
	case err := <-h.runErr:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never became ready")
	}
}

// stop cancels Run and returns its result.
func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	return h.wait(t)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func (h *harness) client(t *testing.T, who common.Address, watchdog time.Duration) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		Ledger:   h.chain.Session(who),
		Uploader: directUploader{srv: h.server},
		Watchdog: watchdog,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	return c
}

// seed installs a deployed function owned by devAddr with a ten second
// timeout and a developer fee of 100 wei. It returns the invoke price.
func (h *harness) seed(t *testing.T, name string) *big.Int {
	t.Helper()
	archive := []byte("archive:" + name)
	digest, err := h.backend.Deploy(context.Background(), backend.Deployment{Name: name, Entry: "main.wasm", Archive: archive})
	require.NoError(t, err)

	devFee := big.NewInt(100)
	price := pricing.DefaultSchedule().InvokePrice(10*time.Second, devFee)
	require.NoError(t, h.registry.Put(context.Background(), &registry.Function{
		Name:           name,
		Owner:          devAddr,
		Entry:          "main.wasm",
		Price:          price,
		DevFee:         devFee,
		Timeout:        10 * time.Second,
		ArtifactDigest: digest,
		Available:      true,
	}))
	h.chain.SetFunction(ledger.FunctionRecord{Name: name, Owner: devAddr, Price: price, Available: true})
	return price
}

func (h *harness) journalStatus(t *testing.T, op common.Hash) journal.Status {
	t.Helper()
	e, err := h.journal.Get(context.Background(), op)
	require.NoError(t, err)
	return e.Status
}

func (h *harness) lastOp(t *testing.T, method string) common.Hash {
	t.Helper()
	calls := h.chain.CallsTo(method)
	require.NotEmpty(t, calls, "no %s call recorded", method)
	return calls[len(calls)-1].OpHash
}

func manifestJSON(name string, timeout int, fee string) []byte {
	return []byte(fmt.Sprintf(`{"name":%q,"entry":"main.wasm","timeout":%d,"fee":%q,"version":"1.0.0"}`, name, timeout, fee))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

var errBoom = errors.New("boom")
