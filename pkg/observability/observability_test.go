package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "commitlabs-protocol", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	// Tracking on a disabled provider is a no-op.
	_, done := p.TrackOperation(context.Background(), "settle")
	done(errors.New("boom"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value(AttrOperation)
				code, _ := dp.Attributes.Value(AttrErrorCode)
				out[op.AsString()+"/"+code.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestTrackOperation_RecordsRED(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewWithReader(reader)
	require.NoError(t, err)
	ctx := context.Background()

	_, done := p.TrackOperation(ctx, "create_commitment", attribute.String("asset", "USDC"))
	done(nil)
	_, done = p.TrackOperation(ctx, "settle", CommitmentOperation("cmt_1", "")...)
	done(protoerr.New(protoerr.KindNotMature, "core", "too early"))
	_, done = p.TrackOperation(ctx, "settle")
	done(errors.New("disk full"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	ops := sumFor(t, rm, "commit.operations.total")
	assert.Equal(t, int64(1), ops["create_commitment/"])
	assert.Equal(t, int64(2), ops["settle/"])

	errs := sumFor(t, rm, "commit.errors.total")
	assert.Equal(t, int64(1), errs["settle/NOT_MATURE"])
	assert.Equal(t, int64(1), errs["settle/INTERNAL"])

	require.NoError(t, p.Shutdown(ctx))
}
