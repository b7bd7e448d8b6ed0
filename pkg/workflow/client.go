package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/BloomsoftTeam/etherless/pkg/correlator"
	"github.com/BloomsoftTeam/etherless/pkg/ledger"
	"github.com/BloomsoftTeam/etherless/pkg/observability"
	"github.com/BloomsoftTeam/etherless/pkg/prooftoken"
)

// DefaultWatchdog bounds a whole client workflow.
const DefaultWatchdog = 5 * time.Minute

// ClientLedger is what the initiating side needs from the ledger.
type ClientLedger interface {
	ledger.Requester
	ledger.Watcher
}

// Upload is the off-chain half of a publish. Secret is the bearer credential.
type Upload struct {
	Name     string
	Secret   string
	Archive  []byte
	Manifest []byte
}

// Uploader sends an Upload to the server. Errors that carry an HTTP status
// expose it through a StatusCode() int method.
type Uploader interface {
	Upload(ctx context.Context, u Upload) error
}

// ClientConfig configures a Client. Ledger is required; Uploader is only
// needed for Publish.
type ClientConfig struct {
	Ledger    ClientLedger
	Uploader  Uploader
	Issuer    *prooftoken.Issuer
	Watchdog  time.Duration
	Logger    *slog.Logger
	Telemetry *observability.Provider
}

// Client drives publish, invoke and remove from the requester's side.
type Client struct {
	ledger    ClientLedger
	uploader  Uploader
	issuer    *prooftoken.Issuer
	watchdog  time.Duration
	logger    *slog.Logger
	telemetry *observability.Provider
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("workflow: client needs a ledger")
	}
	c := &Client{
		ledger:    cfg.Ledger,
		uploader:  cfg.Uploader,
		issuer:    cfg.Issuer,
		watchdog:  cfg.Watchdog,
		logger:    cfg.Logger,
		telemetry: cfg.Telemetry,
	}
	if c.issuer == nil {
		c.issuer = prooftoken.NewIssuer()
	}
	if c.watchdog <= 0 {
		c.watchdog = DefaultWatchdog
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "workflow.client")
	return c, nil
}

// Receipt describes a finished client workflow.
type Receipt struct {
	Kind   ledger.Kind
	Name   string
	OpHash common.Hash
	TxHash common.Hash
	Result string
	State  State

	mu      sync.Mutex
	reached map[State]bool
}

func newReceipt(kind ledger.Kind, name string) *Receipt {
	r := &Receipt{Kind: kind, Name: name, reached: map[State]bool{}}
	r.reach(StateIdle)
	return r
}

func (r *Receipt) reach(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reached[s] = true
	r.State = s
}

// Trail lists the states the workflow passed through. The order is the kind's
// canonical state order, not the order events happened to be observed in.
func (r *Receipt) Trail() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, s := range tableFor(r.Kind).trail {
		if r.reached[s] {
			out = append(out, s)
		}
	}
	return out
}

// PublishRequest is the client input for Publish.
type PublishRequest struct {
	Name     string
	Archive  []byte
	Manifest []byte
	// Escrow overrides the publish fee read from the ledger.
	Escrow *big.Int
}

// Publish commits a proof on the ledger, waits for the server to authorize
// the upload, and uploads the archive with the secret.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (*Receipt, error) {
	if c.uploader == nil {
		return nil, errors.New("workflow: publish needs an uploader")
	}
	r := newReceipt(ledger.KindPublish, req.Name)

	token, err := c.issuer.NewToken()
	if err != nil {
		return r, err
	}
	r.reach(StateTokenIssued)

	submit := func(ctx context.Context) (*ledger.TxResult, error) {
		return c.ledger.RequestPublish(ctx, token.Proof, req.Name, txOpts(req.Escrow)...)
	}
	after := func(ctx context.Context, _ ledger.Event) error {
		err := c.uploader.Upload(ctx, Upload{Name: req.Name, Secret: token.Secret, Archive: req.Archive, Manifest: req.Manifest})
		if err != nil {
			r.reach(StateRefunded)
			return newError(uploadClass(err), ledger.KindPublish, r.OpHash, err)
		}
		r.reach(StateArtifactUploaded)
		r.reach(StateSettled)
		return nil
	}
	return r, c.drive(ctx, r, token.Proof, submit, after)
}

// InvokeRequest is the client input for Invoke.
type InvokeRequest struct {
	Name   string
	Params string
	Escrow *big.Int
}

// Invoke pays for one execution and waits for its result.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*Receipt, error) {
	r := newReceipt(ledger.KindInvoke, req.Name)
	submit := func(ctx context.Context) (*ledger.TxResult, error) {
		return c.ledger.RequestInvoke(ctx, req.Name, req.Params, txOpts(req.Escrow)...)
	}
	key := requestKey(req.Name, c.ledger.Address().Hex())
	return r, c.drive(ctx, r, key, submit, nil)
}

// Remove asks the server to delete a function the caller owns.
func (c *Client) Remove(ctx context.Context, name string) (*Receipt, error) {
	r := newReceipt(ledger.KindRemove, name)
	submit := func(ctx context.Context) (*ledger.TxResult, error) {
		return c.ledger.RequestRemove(ctx, name)
	}
	key := requestKey(name, c.ledger.Address().Hex())
	return r, c.drive(ctx, r, key, submit, nil)
}

// Info reads the on-chain record of name.
func (c *Client) Info(ctx context.Context, name string) (*ledger.FunctionRecord, error) {
	return c.ledger.Function(ctx, name)
}

// drive is the generic two-phase workflow. Terminal listeners are registered
// before submission and bound once the request event yields the op hash, so
// neither phase can miss its event.
func (c *Client) drive(ctx context.Context, r *Receipt, key string, submit func(context.Context) (*ledger.TxResult, error), after func(context.Context, ledger.Event) error) (err error) {
	t := tableFor(r.Kind)
	ctx, cancel := context.WithTimeout(ctx, c.watchdog)
	defer cancel()
	ctx, finish := c.telemetry.TrackOperation(ctx, "workflow."+t.kind.String(),
		attribute.String("function", r.Name))
	defer func() { finish(err) }()

	terminal, err := correlator.Defer(ctx, c.ledger, correlator.ByOperation, t.terminal...)
	if err != nil {
		return err
	}
	defer terminal.Terminate()

	var request *correlator.Handle
	if t.byTx {
		request, err = c.submitByTx(ctx, r, t, key, submit)
	} else {
		request, err = correlator.SubscribeThenSubmit(ctx, c.ledger, key, t.requestKey, func(ctx context.Context) error {
			res, err := submit(ctx)
			if err != nil {
				return err
			}
			r.TxHash = res.TxHash
			return nil
		}, t.request)
	}
	if err != nil {
		if ledger.IsRevert(err) {
			c.logger.InfoContext(ctx, "request rejected", "kind", t.kind.String(), "name", r.Name, "error", err)
			return newError(ClassAuthorization, t.kind, common.Hash{}, err)
		}
		return fmt.Errorf("workflow: submit %s: %w", t.kind, err)
	}
	r.reach(StateOperationSubmitted)

	ev, err := request.Wait(ctx)
	if err != nil {
		return newError(ClassCorrelation, t.kind, common.Hash{}, err)
	}
	r.OpHash = ev.Operation()
	r.reach(StateOperationHashKnown)
	c.logger.DebugContext(ctx, "operation hash known", "kind", t.kind.String(), "op_hash", r.OpHash.Hex())

	if err := terminal.Bind(r.OpHash.Hex()); err != nil {
		return err
	}
	final, err := terminal.Wait(ctx)
	if err != nil {
		return newError(ClassCorrelation, t.kind, r.OpHash, err)
	}
	state, outcomeErr := t.outcome(final)
	r.reach(state)
	if p, ok := final.Payload.(ledger.InvokeResulted); ok {
		r.Result = p.Result
	}
	if outcomeErr != nil {
		return newError(ClassBackendExecution, t.kind, r.OpHash, outcomeErr)
	}
	if after != nil {
		return after(ctx, final)
	}
	return nil
}

// submitByTx listens for the caller's request events, submits, and binds the
// listener to the submitting transaction. Identical concurrent requests from
// one address therefore never share a request event.
func (c *Client) submitByTx(ctx context.Context, r *Receipt, t *kindTable, key string, submit func(context.Context) (*ledger.TxResult, error)) (*correlator.Handle, error) {
	extract := func(ev ledger.Event) string {
		if t.requestKey(ev) != key {
			return ""
		}
		return ev.TxHash.Hex()
	}
	h, err := correlator.Defer(ctx, c.ledger, extract, t.request)
	if err != nil {
		return nil, err
	}
	res, err := submit(ctx)
	if err != nil {
		h.Terminate()
		return nil, err
	}
	r.TxHash = res.TxHash
	if err := h.Bind(res.TxHash.Hex()); err != nil {
		h.Terminate()
		return nil, err
	}
	return h, nil
}

func txOpts(escrow *big.Int) []ledger.TxOption {
	if escrow == nil {
		return nil
	}
	return []ledger.TxOption{ledger.WithValue(escrow)}
}

// uploadClass classifies an upload failure by the status the server sent.
func uploadClass(err error) Class {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) && sc.StatusCode() == http.StatusForbidden {
		return ClassCorrelation
	}
	return ClassBackendExecution
}
