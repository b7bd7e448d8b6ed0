package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/BloomsoftTeam/etherless/pkg/backend"
	"github.com/BloomsoftTeam/etherless/pkg/journal"
	"github.com/BloomsoftTeam/etherless/pkg/ledger"
	"github.com/BloomsoftTeam/etherless/pkg/manifest"
	"github.com/BloomsoftTeam/etherless/pkg/observability"
	"github.com/BloomsoftTeam/etherless/pkg/pricing"
	"github.com/BloomsoftTeam/etherless/pkg/prooftoken"
	"github.com/BloomsoftTeam/etherless/pkg/registry"
	"github.com/BloomsoftTeam/etherless/pkg/retry"
)

const (
	DefaultPendingTTL     = 10 * time.Minute
	DefaultSweepInterval  = 30 * time.Second
	DefaultReconcileGrace = 15 * time.Minute
)

// ServerLedger is what the settling side needs from the ledger.
type ServerLedger interface {
	ledger.Authority
	ledger.Watcher
}

// ServerConfig wires a Server. Ledger and Backend are required; the stores
// default to in-memory implementations.
type ServerConfig struct {
	Ledger           ServerLedger
	Backend          backend.Backend
	Registry         registry.Store
	Journal          journal.Journal
	Pending          PendingTable
	Schedule         pricing.FeeSchedule
	PendingTTL       time.Duration
	SweepInterval    time.Duration
	ReconcileGrace   time.Duration
	SettlementPolicy retry.BackoffPolicy
	Logger           *slog.Logger
	Telemetry        *observability.Provider
}

// Server watches request events, performs the off-chain work and settles
// every operation on the ledger.
type Server struct {
	ledger    ServerLedger
	backend   backend.Backend
	registry  registry.Store
	journal   journal.Journal
	pending   PendingTable
	schedule  pricing.FeeSchedule
	settler   *Settler
	logger    *slog.Logger
	telemetry *observability.Provider

	pendingTTL     time.Duration
	sweepInterval  time.Duration
	reconcileGrace time.Duration
	now            func() time.Time

	ready chan struct{}
	fatal chan error
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("workflow: server needs a ledger")
	}
	if cfg.Backend == nil {
		return nil, errors.New("workflow: server needs a backend")
	}
	s := &Server{
		ledger:         cfg.Ledger,
		backend:        cfg.Backend,
		registry:       cfg.Registry,
		journal:        cfg.Journal,
		pending:        cfg.Pending,
		schedule:       cfg.Schedule,
		logger:         cfg.Logger,
		telemetry:      cfg.Telemetry,
		pendingTTL:     cfg.PendingTTL,
		sweepInterval:  cfg.SweepInterval,
		reconcileGrace: cfg.ReconcileGrace,
		now:            time.Now,
		ready:          make(chan struct{}),
		fatal:          make(chan error, 1),
	}
	if s.registry == nil {
		s.registry = registry.NewMemoryStore()
	}
	if s.journal == nil {
		s.journal = journal.NewMemoryJournal()
	}
	if s.pending == nil {
		s.pending = NewMemoryPendingTable()
	}
	if s.schedule.WeiPerSecond == nil {
		s.schedule = pricing.DefaultSchedule()
	}
	if s.pendingTTL <= 0 {
		s.pendingTTL = DefaultPendingTTL
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = DefaultSweepInterval
	}
	if s.reconcileGrace <= 0 {
		s.reconcileGrace = DefaultReconcileGrace
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "workflow.server")

	policy := cfg.SettlementPolicy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultSettlementPolicy
	}
	s.settler = newSettler(policy, s.logger, s.telemetry)
	return s, nil
}

// Ready is closed once Run has registered its ledger watches.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Run serves until ctx is done or a settlement fails. A settlement failure is
// returned; a clean shutdown returns nil. Run is called once per Server.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	events := make(chan ledger.Event)

	for _, name := range []ledger.EventName{ledger.EventOperationHash, ledger.EventInvokeRequest, ledger.EventDeleteRequest} {
		cancel, err := s.ledger.Watch(gctx, name, func(ev ledger.Event) {
			select {
			case events <- ev:
			case <-gctx.Done():
			}
		})
		if err != nil {
			return fmt.Errorf("workflow: watch %s: %w", name, err)
		}
		defer cancel()
	}
	close(s.ready)
	s.logger.InfoContext(ctx, "server watching ledger")

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-events:
				g.Go(func() error { return s.dispatch(gctx, ev) })
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.Sweep(gctx); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.fatal:
			return err
		}
	})
	return g.Wait()
}

// dispatch routes one request event. Only settlement failures escape.
func (s *Server) dispatch(ctx context.Context, ev ledger.Event) (err error) {
	ctx, finish := s.telemetry.TrackOperation(ctx, "serve."+string(ev.Name))
	defer func() { finish(err) }()

	switch p := ev.Payload.(type) {
	case ledger.OperationHashed:
		err = s.handlePublishRequest(ctx, p)
	case ledger.InvokeRequested:
		err = s.handleInvokeRequest(ctx, p)
	case ledger.DeleteRequested:
		err = s.handleRemoveRequest(ctx, p)
	default:
		s.logger.WarnContext(ctx, "ignoring unexpected event", "event", string(ev.Name))
		return nil
	}
	if err == nil {
		return nil
	}
	if IsClass(err, ClassSettlement) {
		return s.settlementFailed(ctx, ev.Operation(), err)
	}
	s.logger.WarnContext(ctx, "operation did not complete", "event", string(ev.Name),
		"op_hash", ev.Operation().Hex(), "class", string(ClassOf(err)), "error", err)
	return nil
}

func (s *Server) handlePublishRequest(ctx context.Context, p ledger.OperationHashed) error {
	entry := PendingPublish{
		Proof:     p.Proof,
		Requester: p.Requester,
		OpHash:    p.OpHash,
		Name:      p.Name,
		ExpiresAt: s.now().Add(s.pendingTTL),
	}
	s.open(ctx, ledger.KindPublish, p.OpHash, p.Name, p.Requester)
	if err := s.pending.Put(ctx, entry); err != nil {
		return s.refundPublish(ctx, entry, fmt.Errorf("record pending publish: %w", err))
	}
	_, err := s.settler.Settle(ctx, ledger.KindPublish, "acknowledge_upload", p.OpHash, func(ctx context.Context) (*ledger.TxResult, error) {
		return s.ledger.AcknowledgeUpload(ctx, p.OpHash)
	})
	if err == nil {
		s.logger.InfoContext(ctx, "upload authorized", "name", p.Name, "op_hash", p.OpHash.Hex())
	}
	return err
}

func (s *Server) handleInvokeRequest(ctx context.Context, p ledger.InvokeRequested) error {
	s.open(ctx, ledger.KindInvoke, p.OpHash, p.Name, p.Requester)

	fn, err := s.registry.Get(ctx, p.Name)
	if err != nil {
		return s.failInvoke(ctx, p, newError(ClassBackendExecution, ledger.KindInvoke, p.OpHash, err))
	}
	if !fn.Available {
		return s.failInvoke(ctx, p, newError(ClassBackendExecution, ledger.KindInvoke, p.OpHash, ledger.ErrFunctionUnavailable))
	}

	exec, err := s.backend.Invoke(ctx, backend.Call{
		Name:    fn.Name,
		Digest:  fn.ArtifactDigest,
		Entry:   fn.Entry,
		Params:  p.Params,
		Timeout: fn.Timeout,
	})
	if err != nil {
		return s.failInvoke(ctx, p, newError(ClassBackendExecution, ledger.KindInvoke, p.OpHash, err))
	}
	if fn.Timeout > 0 && exec.Duration >= fn.Timeout {
		if err := s.registry.MarkUnavailable(ctx, fn.Name); err != nil {
			s.logger.ErrorContext(ctx, "mark unavailable failed", "name", fn.Name, "error", err)
		}
		return s.failInvoke(ctx, p, newError(ClassTimeout, ledger.KindInvoke, p.OpHash,
			fmt.Errorf("ran for %s, timeout is %s", exec.Duration, fn.Timeout)))
	}

	price, fee := s.schedule.Settlement(exec.Duration, fn.DevFee)
	_, err = s.settler.Settle(ctx, ledger.KindInvoke, "settle_invoke", p.OpHash, func(ctx context.Context) (*ledger.TxResult, error) {
		return s.ledger.SettleInvoke(ctx, exec.Output, price, fee, fn.Owner, p.OpHash)
	})
	if err != nil {
		return err
	}
	s.close(ctx, p.OpHash, journal.StatusSettled)
	s.logger.InfoContext(ctx, "invoke settled", "name", fn.Name, "op_hash", p.OpHash.Hex(),
		"duration", exec.Duration, "price", price.String(), "fee", fee.String())
	return nil
}

// failInvoke refunds the invoker and surfaces cause once the refund landed.
func (s *Server) failInvoke(ctx context.Context, p ledger.InvokeRequested, cause error) error {
	_, err := s.settler.Settle(ctx, ledger.KindInvoke, "fail_invoke", p.OpHash, func(ctx context.Context) (*ledger.TxResult, error) {
		return s.ledger.FailInvoke(ctx, p.Name, p.OpHash)
	})
	if err != nil {
		return err
	}
	s.close(ctx, p.OpHash, journal.StatusFailed)
	return cause
}

func (s *Server) handleRemoveRequest(ctx context.Context, p ledger.DeleteRequested) error {
	s.open(ctx, ledger.KindRemove, p.OpHash, p.Name, p.Requester)

	fn, err := s.registry.Get(ctx, p.Name)
	if err == nil {
		err = s.deleteArtifact(ctx, fn.Name, fn.ArtifactDigest)
	}
	if err != nil {
		_, serr := s.settler.Settle(ctx, ledger.KindRemove, "fail_remove", p.OpHash, func(ctx context.Context) (*ledger.TxResult, error) {
			return s.ledger.FailRemove(ctx, p.OpHash)
		})
		if serr != nil {
			return serr
		}
		s.close(ctx, p.OpHash, journal.StatusFailed)
		return newError(ClassBackendExecution, ledger.KindRemove, p.OpHash, err)
	}

	if err := s.registry.Delete(ctx, fn.Name); err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.logger.ErrorContext(ctx, "registry delete failed", "name", fn.Name, "error", err)
	}
	_, err = s.settler.Settle(ctx, ledger.KindRemove, "settle_remove", p.OpHash, func(ctx context.Context) (*ledger.TxResult, error) {
		return s.ledger.SettleRemove(ctx, p.OpHash, fn.Name)
	})
	if err != nil {
		return err
	}
	s.close(ctx, p.OpHash, journal.StatusSettled)
	s.logger.InfoContext(ctx, "remove settled", "name", fn.Name, "op_hash", p.OpHash.Hex())
	return nil
}

// deleteArtifact removes the code behind name unless another function was
// published with the same archive.
func (s *Server) deleteArtifact(ctx context.Context, name, digest string) error {
	fns, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	for _, f := range fns {
		if f.Name != name && f.ArtifactDigest == digest {
			s.logger.InfoContext(ctx, "artifact still referenced", "name", name, "digest", digest, "by", f.Name)
			return nil
		}
	}
	return s.backend.Delete(ctx, name, digest)
}

// HandleUpload completes a publish. The pending entry for the secret's proof
// is consumed on every path, so an operation is never processed twice.
func (s *Server) HandleUpload(ctx context.Context, u Upload) (err error) {
	ctx, finish := s.telemetry.TrackOperation(ctx, "serve.upload", attribute.String("function", u.Name))
	defer func() {
		if IsClass(err, ClassSettlement) {
			s.reportFatal(err)
		}
		finish(err)
	}()

	proof := prooftoken.Proof(u.Secret)
	entry, ok, err := s.pending.Take(ctx, proof)
	if err != nil {
		return err
	}
	if !ok {
		return newError(ClassCorrelation, ledger.KindPublish, common.Hash{}, ErrUnknownProof)
	}

	name := norm.NFC.String(u.Name)
	if name != entry.Name {
		return s.refundPublish(ctx, entry, newError(ClassCorrelation, ledger.KindPublish, entry.OpHash, ErrNameMismatch))
	}
	m, err := manifest.Parse(u.Manifest)
	if err != nil {
		return s.refundPublish(ctx, entry, newError(ClassBackendExecution, ledger.KindPublish, entry.OpHash,
			fmt.Errorf("%w: %w", ErrInvalidArtifact, err)))
	}
	if m.Name != entry.Name {
		return s.refundPublish(ctx, entry, newError(ClassCorrelation, ledger.KindPublish, entry.OpHash, ErrNameMismatch))
	}

	digest, err := s.backend.Deploy(ctx, backend.Deployment{Name: m.Name, Entry: m.Entry, Archive: u.Archive})
	if err != nil {
		if errors.Is(err, backend.ErrEntryMissing) {
			err = fmt.Errorf("%w: %w", ErrInvalidArtifact, err)
		}
		return s.refundPublish(ctx, entry, newError(ClassBackendExecution, ledger.KindPublish, entry.OpHash, err))
	}

	prev, err := s.registry.Get(ctx, m.Name)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return s.refundPublish(ctx, entry, newError(ClassBackendExecution, ledger.KindPublish, entry.OpHash, err))
	}

	price := s.schedule.InvokePrice(m.TimeoutDuration(), m.DevFee())
	fn := &registry.Function{
		Name:           m.Name,
		Owner:          entry.Requester,
		Description:    m.Description,
		Usage:          m.Usage,
		Params:         m.Params,
		Entry:          m.Entry,
		Price:          price,
		DevFee:         m.DevFee(),
		Timeout:        m.TimeoutDuration(),
		ArtifactDigest: digest,
		Version:        m.Version,
		Available:      true,
	}
	if err := s.registry.Put(ctx, fn); err != nil {
		return s.refundPublish(ctx, entry, newError(ClassBackendExecution, ledger.KindPublish, entry.OpHash, err))
	}

	_, err = s.settler.Settle(ctx, ledger.KindPublish, "settle_publish", entry.OpHash, func(ctx context.Context) (*ledger.TxResult, error) {
		return s.ledger.SettlePublish(ctx, m.Name, entry.Requester, price, entry.OpHash)
	})
	if err != nil {
		return s.settlementFailed(ctx, entry.OpHash, err)
	}
	s.close(ctx, entry.OpHash, journal.StatusSettled)
	s.logger.InfoContext(ctx, "publish settled", "name", m.Name, "op_hash", entry.OpHash.Hex(),
		"digest", digest, "price", price.String())

	if prev != nil && prev.ArtifactDigest != "" && prev.ArtifactDigest != digest {
		if err := s.deleteArtifact(ctx, prev.Name, prev.ArtifactDigest); err != nil {
			s.logger.WarnContext(ctx, "replaced artifact not deleted", "name", prev.Name,
				"digest", prev.ArtifactDigest, "error", err)
		}
	}
	return nil
}

// refundPublish returns the escrow and then surfaces cause.
func (s *Server) refundPublish(ctx context.Context, entry PendingPublish, cause error) error {
	_, err := s.settler.Settle(ctx, ledger.KindPublish, "refund_publish", entry.OpHash, func(ctx context.Context) (*ledger.TxResult, error) {
		return s.ledger.RefundPublish(ctx, entry.Name, entry.OpHash)
	})
	if err != nil {
		return s.settlementFailed(ctx, entry.OpHash, err)
	}
	s.close(ctx, entry.OpHash, journal.StatusRefunded)
	s.logger.InfoContext(ctx, "publish refunded", "name", entry.Name, "op_hash", entry.OpHash.Hex(), "cause", cause)
	return cause
}

// Sweep refunds every publish whose upload never arrived.
func (s *Server) Sweep(ctx context.Context) error {
	expired, err := s.pending.Sweep(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "pending sweep failed", "error", err)
		return nil
	}
	for _, entry := range expired {
		err := s.refundPublish(ctx, entry, ErrExpired)
		if errors.Is(err, ledger.ErrOperationNotFound) {
			// Closed elsewhere, e.g. by Reconcile on another replica.
			s.logger.WarnContext(ctx, "expired publish already closed", "op_hash", entry.OpHash.Hex())
			s.close(ctx, entry.OpHash, journal.StatusRefunded)
			continue
		}
		if IsClass(err, ClassSettlement) {
			return err
		}
	}
	return nil
}

// ReconcileReport summarizes one Reconcile pass.
type ReconcileReport struct {
	Examined      int
	Closed        int
	AlreadyClosed int
}

// Reconcile closes operations the journal still has open after the grace
// period: publishes are refunded, invokes and removes are failed.
func (s *Server) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	stale, err := s.journal.ListStale(ctx, s.now().Add(-s.reconcileGrace))
	if err != nil {
		return report, fmt.Errorf("workflow: list stale operations: %w", err)
	}
	for _, e := range stale {
		report.Examined++
		var (
			step   string
			status journal.Status
			call   func(context.Context) (*ledger.TxResult, error)
		)
		switch e.Kind {
		case ledger.KindPublish:
			step, status = "refund_publish", journal.StatusRefunded
			call = func(ctx context.Context) (*ledger.TxResult, error) { return s.ledger.RefundPublish(ctx, e.Name, e.OpHash) }
		case ledger.KindInvoke:
			step, status = "fail_invoke", journal.StatusFailed
			call = func(ctx context.Context) (*ledger.TxResult, error) { return s.ledger.FailInvoke(ctx, e.Name, e.OpHash) }
		case ledger.KindRemove:
			step, status = "fail_remove", journal.StatusFailed
			call = func(ctx context.Context) (*ledger.TxResult, error) { return s.ledger.FailRemove(ctx, e.OpHash) }
		default:
			continue
		}

		_, err := s.settler.Settle(ctx, e.Kind, step, e.OpHash, call)
		switch {
		case err == nil:
			report.Closed++
		case errors.Is(err, ledger.ErrOperationNotFound):
			// Settled before the journal caught up.
			report.AlreadyClosed++
			status = journal.StatusSettled
		default:
			return report, s.settlementFailed(ctx, e.OpHash, err)
		}
		s.close(ctx, e.OpHash, status)
		s.logger.InfoContext(ctx, "operation reconciled", "kind", e.Kind.String(), "name", e.Name,
			"op_hash", e.OpHash.Hex(), "status", string(status))
	}
	return report, nil
}

func (s *Server) open(ctx context.Context, kind ledger.Kind, op common.Hash, name string, requester common.Address) {
	err := s.journal.Open(ctx, journal.Entry{
		OpHash:    op,
		Kind:      kind,
		Name:      name,
		Requester: requester,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "journal open failed", "op_hash", op.Hex(), "error", err)
	}
}

func (s *Server) close(ctx context.Context, op common.Hash, status journal.Status) {
	if err := s.journal.Close(ctx, op, status); err != nil {
		s.logger.ErrorContext(ctx, "journal close failed", "op_hash", op.Hex(), "status", string(status), "error", err)
	}
}

// settlementFailed journals a settlement failure and returns it unchanged.
func (s *Server) settlementFailed(ctx context.Context, op common.Hash, err error) error {
	if jerr := s.journal.RecordAttempt(ctx, op, err.Error()); jerr != nil {
		s.logger.ErrorContext(ctx, "journal attempt not recorded", "op_hash", op.Hex(), "error", jerr)
	}
	return err
}

// reportFatal hands a settlement failure from the upload path to Run.
func (s *Server) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}
