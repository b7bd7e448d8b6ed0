package workflow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/BloomsoftTeam/etherless/pkg/ledger"
	"github.com/BloomsoftTeam/etherless/pkg/observability"
	"github.com/BloomsoftTeam/etherless/pkg/retry"
)

// Settler lands authority transactions with bounded retry. A call that
// reverts with ErrOperationNotFound after an earlier attempt failed in
// transit is taken as already landed.
type Settler struct {
	policy    retry.BackoffPolicy
	sleep     retry.Sleeper
	logger    *slog.Logger
	telemetry *observability.Provider
}

func newSettler(policy retry.BackoffPolicy, logger *slog.Logger, telemetry *observability.Provider) *Settler {
	return &Settler{policy: policy, logger: logger, telemetry: telemetry}
}

// Settle runs call until it lands. step names the entrypoint for logs and
// backoff scoping. The returned error is always a ClassSettlement *Error.
func (s *Settler) Settle(ctx context.Context, kind ledger.Kind, step string, op common.Hash, call func(context.Context) (*ledger.TxResult, error)) (*ledger.TxResult, error) {
	// A caller going away must not strand escrow.
	ctx = context.WithoutCancel(ctx)
	ctx, finish := s.telemetry.TrackOperation(ctx, "settle."+step,
		attribute.String("kind", kind.String()))

	params := retry.BackoffParams{PolicyID: s.policy.PolicyID, Scope: step, Key: op.Hex()}
	var res *ledger.TxResult
	fn := func(ctx context.Context, attempt int) error {
		r, err := call(ctx)
		switch {
		case err == nil:
			res = r
			return nil
		case attempt > 0 && errors.Is(err, ledger.ErrOperationNotFound):
			s.logger.InfoContext(ctx, "settlement already landed", "step", step, "op_hash", op.Hex(), "attempt", attempt)
			return nil
		case ledger.IsRevert(err):
			return retry.Permanent(err)
		}
		s.logger.WarnContext(ctx, "settlement attempt failed", "step", step, "op_hash", op.Hex(), "attempt", attempt, "error", err)
		return err
	}

	var err error
	if s.sleep != nil {
		err = retry.DoWithSleeper(ctx, s.policy, params, s.sleep, fn)
	} else {
		err = retry.Do(ctx, s.policy, params, fn)
	}
	finish(err)
	if err != nil {
		s.logger.ErrorContext(ctx, "settlement failed", "step", step, "op_hash", op.Hex(), "error", err)
		return nil, newError(ClassSettlement, kind, op, err)
	}
	return res, nil
}
