package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identifies one attempt of one retried effect. The jitter is a
// pure function of these fields, so two processes retrying the same
// settlement back off identically.
type BackoffParams struct {
	PolicyID     string
	Scope        string // e.g. "settle_invoke"
	Key          string // e.g. operation hash
	AttemptIndex int
}

type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultSettlementPolicy is used for ledger settlement calls.
var DefaultSettlementPolicy = BackoffPolicy{
	PolicyID:    "settlement",
	BaseMs:      500,
	MaxMs:       15000,
	MaxJitterMs: 250,
	MaxAttempts: 5,
}

// ComputeBackoff returns the delay for a specific attempt using deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	// 1. Exponential Backoff
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}

	// 2. Deterministic Jitter
	jitter := ComputeDeterministicJitter(params, policy)

	return time.Duration(baseDelay+jitter) * time.Millisecond
}

func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%s:%s:%d",
		params.PolicyID,
		params.Scope,
		params.Key,
		params.AttemptIndex,
	)

	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])

	return int64(jitterBasis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive here
}
