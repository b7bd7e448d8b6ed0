package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	m, err := Parse([]byte(`{"name":"addFn","entry":"main.wasm","timeout":30,"fee":"1000","version":"1.2.0","usage":"addFn 1 2"}`))
	require.NoError(t, err)
	assert.Equal(t, "addFn", m.Name)
	assert.Equal(t, 30*time.Second, m.TimeoutDuration())
	assert.Equal(t, int64(1000), m.DevFee().Int64())
	require.NotNil(t, m.SemVer())
	assert.Equal(t, uint64(1), m.SemVer().Major())
}

func TestParse_Defaults(t *testing.T) {
	m, err := Parse([]byte(`{"name":"f","entry":"f.wasm","timeout":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.DevFee().Int64())
	assert.Nil(t, m.SemVer())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"missing entry", `{"name":"f","timeout":1}`},
		{"timeout too large", `{"name":"f","entry":"e","timeout":901}`},
		{"timeout zero", `{"name":"f","entry":"e","timeout":0}`},
		{"fractional timeout", `{"name":"f","entry":"e","timeout":1.5}`},
		{"bad name", `{"name":"1f","entry":"e","timeout":1}`},
		{"negative fee", `{"name":"f","entry":"e","timeout":1,"fee":"-3"}`},
		{"unknown field", `{"name":"f","entry":"e","timeout":1,"memory":128}`},
		{"bad version", `{"name":"f","entry":"e","timeout":1,"version":"one"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}
