package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.Equal(t, "etherless-server", c.ServiceName)
	require.Equal(t, "localhost:4317", c.OTLPEndpoint)
	require.False(t, c.Enabled)
}

func TestNewDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "settle.invoke", attribute.String("kind", "invoke"))
	require.NotNil(t, ctx)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "settle.invoke")
	finish(errors.New("reverted"))
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	ctx, finish := p.TrackOperation(context.Background(), "workflow.publish")
	require.NotNil(t, ctx)
	finish(errors.New("boom"))
	require.NoError(t, p.Shutdown(context.Background()))
}
