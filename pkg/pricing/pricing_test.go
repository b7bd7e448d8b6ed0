package pricing

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionCost(t *testing.T) {
	s := DefaultSchedule()

	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		// (0+5)s * 260375000 * 1.1
		{"zero duration still bills overhead", 0, "1432062500"},
		{"one second", time.Second, "1718475000"},
		{"thirty seconds", 30 * time.Second, "10024437500"},
		{"sub-second precision", 1500 * time.Millisecond, "1861681250"},
		{"negative clamps to zero", -time.Second, "1432062500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.ExecutionCost(tt.d).String())
		})
	}
}

func TestInvokePriceAndSettlement(t *testing.T) {
	s := DefaultSchedule()
	fee := big.NewInt(1000)

	ceiling := s.InvokePrice(30*time.Second, fee)
	assert.Equal(t, "10024438500", ceiling.String())

	price, gotFee := s.Settlement(10*time.Second, fee)
	assert.Equal(t, fee, gotFee)
	assert.True(t, new(big.Int).Add(price, gotFee).Cmp(ceiling) < 0)

	// The fee is copied, not aliased.
	gotFee.SetInt64(0)
	assert.Equal(t, int64(1000), fee.Int64())
}

func TestParseWei(t *testing.T) {
	v, err := ParseWei("1000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", v.String())

	v, err = ParseWei("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Int64())

	_, err = ParseWei("-1")
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = ParseWei("1.5")
	require.ErrorIs(t, err, ErrInvalidAmount)
}
