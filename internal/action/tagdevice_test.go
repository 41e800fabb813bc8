package action

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orion-sentinel/netsec/internal/device"
)

func newTagHarness(t *testing.T) (*TagDeviceExecutor, *device.Store, string) {
	t.Helper()
	store, err := device.Open(filepath.Join(t.TempDir(), "devices.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	d, created, err := store.UpsertFromObservation(context.Background(), device.Observation{
		IP:     "192.168.1.50",
		MAC:    "AA:BB:CC:DD:EE:FF",
		SeenAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, created)

	return NewTagDeviceExecutor(store, zaptest.NewLogger(t)), store, d.ID
}

func TestTagDeviceExecutor(t *testing.T) {
	e, store, id := newTagHarness(t)
	params := map[string]any{"device_id": id, "tag": "anomalous"}

	rec := e.Execute(context.Background(), params, false)
	assert.True(t, rec.Success)
	assert.Equal(t, 1, rec.SideEffects)

	d, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, d.Tags, "anomalous")

	// Idempotent: tagging again succeeds and does not duplicate.
	rec = e.Execute(context.Background(), params, false)
	assert.True(t, rec.Success)

	d, err = store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []string{"anomalous"}, d.Tags)
}

func TestTagDeviceExecutorDryRun(t *testing.T) {
	e, store, id := newTagHarness(t)

	rec := e.Execute(context.Background(), map[string]any{"device_id": id, "tag": "anomalous"}, true)
	assert.True(t, rec.Success)
	assert.Zero(t, rec.SideEffects)

	d, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, d.Tags)
}

func TestTagDeviceExecutorUnknownDevice(t *testing.T) {
	e, _, _ := newTagHarness(t)

	rec := e.Execute(context.Background(), map[string]any{"device_id": "mac:00:00:00:00:00:01", "tag": "x"}, false)
	assert.False(t, rec.Success)
	assert.Contains(t, rec.Note, "not found")
}

func TestTagDeviceExecutorValidate(t *testing.T) {
	e, _, _ := newTagHarness(t)

	assert.NoError(t, e.Validate(map[string]any{"device_id": "{{event.device_id}}", "tag": "anomalous"}))
	assert.Error(t, e.Validate(map[string]any{"tag": "anomalous"}))
	assert.Error(t, e.Validate(map[string]any{"device_id": "x"}))
}
