package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BloomsoftTeam/etherless/pkg/ledger"
	"github.com/BloomsoftTeam/etherless/pkg/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestSettler() *Settler {
	s := newSettler(retry.BackoffPolicy{PolicyID: "test", BaseMs: 1, MaxMs: 1, MaxAttempts: 3}, discardLogger(), nil)
	s.sleep = noSleep
	return s
}

var testOp = common.HexToHash("0x01")

func TestSettler_RetriesTransientFailures(t *testing.T) {
	s := newTestSettler()
	calls := 0
	res, err := s.Settle(context.Background(), ledger.KindInvoke, "settle_invoke", testOp, func(context.Context) (*ledger.TxResult, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return &ledger.TxResult{BlockNumber: 7}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(7), res.BlockNumber)
}

func TestSettler_OperationNotFoundAfterRetryIsLanded(t *testing.T) {
	s := newTestSettler()
	calls := 0
	res, err := s.Settle(context.Background(), ledger.KindInvoke, "settle_invoke", testOp, func(context.Context) (*ledger.TxResult, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("i/o timeout")
		}
		return nil, ledger.NewRevertError("settleInvoke", "OperationNotFound")
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 2, calls)
}

func TestSettler_OperationNotFoundOnFirstAttemptFails(t *testing.T) {
	s := newTestSettler()
	calls := 0
	_, err := s.Settle(context.Background(), ledger.KindPublish, "settle_publish", testOp, func(context.Context) (*ledger.TxResult, error) {
		calls++
		return nil, ledger.NewRevertError("settlePublish", "OperationNotFound")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsClass(err, ClassSettlement))
	assert.ErrorIs(t, err, ledger.ErrOperationNotFound)

	var we *Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, testOp, we.OpHash)
	assert.Equal(t, ledger.KindPublish, we.Kind)
}

func TestSettler_Exhausted(t *testing.T) {
	s := newTestSettler()
	calls := 0
	_, err := s.Settle(context.Background(), ledger.KindRemove, "fail_remove", testOp, func(context.Context) (*ledger.TxResult, error) {
		calls++
		return nil, errors.New("node unavailable")
	})
	assert.Equal(t, 3, calls)
	assert.True(t, IsClass(err, ClassSettlement))
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 500, HTTPStatus(err))
}

func TestSettler_IgnoresCallerCancellation(t *testing.T) {
	s := newTestSettler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Settle(ctx, ledger.KindInvoke, "fail_invoke", testOp, func(ctx context.Context) (*ledger.TxResult, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &ledger.TxResult{}, nil
	})
	require.NoError(t, err)
}
