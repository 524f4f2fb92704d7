package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/hayesraffle/QuickCapture/internal/hw/camera"
)

func newTestManager(connector camera.Connector, rec *recorder) *ConnectionManager {
	m := NewConnectionManager(testConfig(), connector, rec.callbacks().OnStatus)
	m.reset = noReset
	return m
}

func TestConnectionManager_AcquireAppliesBaseline(t *testing.T) {
	rec := &recorder{}
	h := newFakeHandle()
	m := newTestManager(camera.ConnectorFunc(func() (camera.Handle, error) { return h, nil }), rec)

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Ready, m.State())

	assert.Equal(t, []camera.Setting{
		{Name: "capturetarget", Value: "Internal RAM"},
		{Name: "imageformat", Value: "L"},
		{Name: "viewfinder", Value: 1},
	}, h.settings())

	persistent, found := rec.statusPersistence(MsgConnecting)
	require.True(t, found)
	assert.True(t, persistent)
	assert.True(t, rec.hasStatus(MsgReady))

	m.Release(lease)
	assert.Equal(t, Disconnected, m.State())
	assert.EqualValues(t, 1, h.disconnects.Load())
}

func TestConnectionManager_ResetsDaemonsBeforeConnect(t *testing.T) {
	var order []string
	m := NewConnectionManager(testConfig(), camera.ConnectorFunc(func() (camera.Handle, error) {
		order = append(order, "connect")
		return newFakeHandle(), nil
	}), nil)
	m.cfg.ResetDaemons = []string{"ptpcamerad", "mscamerad"}
	m.reset = func(_ context.Context, names []string) {
		order = append(order, "reset")
		assert.Equal(t, []string{"ptpcamerad", "mscamerad"}, names)
	}

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer m.Release(lease)
	assert.Equal(t, []string{"reset", "connect"}, order)
}

func TestConnectionManager_BaselineFailureReleasesHandle(t *testing.T) {
	rec := &recorder{}
	var handles []*fakeHandle
	conn := &fakeConnector{}
	conn.next = func(attempt int) (camera.Handle, error) {
		h := newFakeHandle()
		if attempt == 1 {
			h.setFn = func(name string, _ any) error {
				if name == "imageformat" {
					return errors.New("unsupported")
				}
				return nil
			}
		}
		handles = append(handles, h)
		return h, nil
	}
	m := newTestManager(conn, rec)

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer m.Release(lease)

	require.Len(t, handles, 2)
	assert.EqualValues(t, 1, handles[0].disconnects.Load(), "half-configured handle must be closed")
	assert.EqualValues(t, 0, handles[1].disconnects.Load())
	assert.True(t, rec.hasStatus(MsgWaiting))
}

func TestConnectionManager_AcquireStopsOnCancel(t *testing.T) {
	rec := &recorder{}
	conn := &fakeConnector{next: func(int) (camera.Handle, error) {
		return nil, errors.New("no camera")
	}}
	m := newTestManager(conn, rec)

	var waits int
	m.onWait = func(error) { waits++ }

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for conn.attempts.Load() < 3 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	lease, err := m.Acquire(ctx)
	assert.Nil(t, lease)
	require.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, waits, 2)
	assert.Equal(t, Disconnected, m.State())
}

func TestConnectionManager_ReleaseCurrentIsSafeToRepeat(t *testing.T) {
	rec := &recorder{}
	h := newFakeHandle()
	m := newTestManager(camera.ConnectorFunc(func() (camera.Handle, error) { return h, nil }), rec)

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)

	m.ReleaseCurrent()
	m.ReleaseCurrent()
	m.Release(lease)

	assert.EqualValues(t, 1, h.disconnects.Load())
	_, err = lease.CapturePreview()
	assert.True(t, camera.IsDisconnect(err))
}

func TestConnectionManager_FaultOnlyFromReady(t *testing.T) {
	m := newTestManager(camera.ConnectorFunc(func() (camera.Handle, error) { return newFakeHandle(), nil }), &recorder{})

	m.Fault()
	assert.Equal(t, Disconnected, m.State())

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	m.Fault()
	assert.Equal(t, Faulted, m.State())
	m.Release(lease)
	assert.Equal(t, Disconnected, m.State())
}

func TestNewMetrics_RecordsJobs(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordJob(ctx, "capture", OK, 2*time.Second)
	m.RecordJob(ctx, "capture", Discarded, 0)
	m.IncReconnects(ctx)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	found := map[string]bool{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		found[md.Name] = true
		if md.Name == "jobs_total" {
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			assert.EqualValues(t, 2, total)
		}
	}
	assert.True(t, found["jobs_total"])
	assert.True(t, found["job_duration_seconds"])
	assert.True(t, found["reconnects_total"])
}
