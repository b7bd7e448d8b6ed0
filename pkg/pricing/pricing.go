// Package pricing turns measured execution time into a charge in wei.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// FeeSchedule prices execution time. All arithmetic is integer; the result is
// floored to whole wei.
type FeeSchedule struct {
	// WeiPerSecond is the base rate for one second of billed execution.
	WeiPerSecond *big.Int
	// Overhead is added to every measured duration before billing.
	Overhead time.Duration
	// MarkupPercent is applied on top of the base rate.
	MarkupPercent int64
}

// DefaultSchedule matches the platform's historical rate: a 128 MB function
// at 0.0000002083 per GB-second, converted at 0.01 ether per unit, plus 10%.
func DefaultSchedule() FeeSchedule {
	return FeeSchedule{
		WeiPerSecond:  big.NewInt(260_375_000),
		Overhead:      5 * time.Second,
		MarkupPercent: 10,
	}
}

// ExecutionCost is the charge for running d, excluding any developer fee.
func (s FeeSchedule) ExecutionCost(d time.Duration) *big.Int {
	if d < 0 {
		d = 0
	}
	billedMs := big.NewInt((d + s.Overhead).Milliseconds())

	cost := new(big.Int).Mul(billedMs, s.WeiPerSecond)
	cost.Mul(cost, big.NewInt(100+s.MarkupPercent))
	return cost.Quo(cost, big.NewInt(1000*100))
}

// Ceiling is the most a single invocation can cost before the developer fee:
// the execution cost of running until timeout.
func (s FeeSchedule) Ceiling(timeout time.Duration) *big.Int {
	return s.ExecutionCost(timeout)
}

// InvokePrice is the escrow an invoker must attach: the ceiling plus the
// developer fee.
func (s FeeSchedule) InvokePrice(timeout time.Duration, devFee *big.Int) *big.Int {
	price := s.Ceiling(timeout)
	if devFee != nil {
		price.Add(price, devFee)
	}
	return price
}

// Settlement splits the charge for a completed run into the execution price
// and the developer fee. The fee never takes part in the timeout decision; it
// is only added here, after the execution cost is known.
func (s FeeSchedule) Settlement(d time.Duration, devFee *big.Int) (price, fee *big.Int) {
	fee = new(big.Int)
	if devFee != nil {
		fee.Set(devFee)
	}
	return s.ExecutionCost(d), fee
}

// ErrInvalidAmount is returned by ParseWei.
var ErrInvalidAmount = errors.New("pricing: invalid wei amount")

// ParseWei parses a non-negative decimal integer amount of wei.
func ParseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}
