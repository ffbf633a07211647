package plugin

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugbridge/internal/domain"
	"plugbridge/internal/usecase/eventbus"
)

// installedFixture has one registry plugin installed at 1.0.0 and a registry
// that advertises 1.1.0.
func installedFixture(t *testing.T) *installFixture {
	t.Helper()
	f := newInstallFixture(t, nil)
	data, sum := pluginArchive(t, "hello", "1.0.0")
	f.reg.publish(domain.PluginVersion{Name: "hello", Version: "1.0.0", Checksum: sum}, data)
	_, err := f.inst.Install(context.Background(), "hello", "")
	require.NoError(t, err)
	f.reg.updates = []domain.PluginNameVersion{{Name: "hello", Version: "1.1.0"}}
	return f
}

func TestUpdateChecker_AutomaticIsRateLimited(t *testing.T) {
	f := installedFixture(t)
	u := NewUpdateChecker(f.inst, f.store, time.Hour, nil, testLogger())

	res, checked, err := u.CheckAutomatic(context.Background())
	require.NoError(t, err)
	require.True(t, checked)
	require.Len(t, res.Plugins, 1)
	assert.Equal(t, "1.1.0", res.Plugins[0].Version)

	res, checked, err = u.CheckAutomatic(context.Background())
	require.NoError(t, err)
	assert.False(t, checked)
	assert.Nil(t, res)
	assert.Equal(t, 1, f.reg.count("POST updates"))
}

func TestUpdateChecker_CheckNowBypassesLimit(t *testing.T) {
	f := installedFixture(t)
	u := NewUpdateChecker(f.inst, f.store, time.Hour, nil, testLogger())

	_, _, err := u.CheckAutomatic(context.Background())
	require.NoError(t, err)
	_, err = u.CheckNow(context.Background())
	require.NoError(t, err)
	_, err = u.CheckNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, f.reg.count("POST updates"))
}

func TestUpdateChecker_StampsCheckedAt(t *testing.T) {
	f := installedFixture(t)
	before := time.Now().UTC().Add(-time.Second)
	u := NewUpdateChecker(f.inst, f.store, time.Hour, nil, testLogger())

	_, err := u.CheckNow(context.Background())
	require.NoError(t, err)

	rows := f.rows(t)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].CheckedAt)
	assert.True(t, rows[0].CheckedAt.After(before), "checked_at = %v", rows[0].CheckedAt)
}

func TestUpdateChecker_PublishesEvent(t *testing.T) {
	f := installedFixture(t)
	bus := eventbus.New(testLogger())
	defer bus.Close()

	got := make(chan domain.UpdatesAvailable, 1)
	bus.Subscribe(domain.EventUpdatesAvailable, func(_ context.Context, ev domain.Event) {
		var ua domain.UpdatesAvailable
		if err := json.Unmarshal(ev.Payload, &ua); err == nil {
			got <- ua
		}
	})

	u := NewUpdateChecker(f.inst, f.store, time.Hour, bus, testLogger())
	_, err := u.CheckNow(context.Background())
	require.NoError(t, err)

	select {
	case ua := <-got:
		require.Len(t, ua.Plugins, 1)
		assert.Equal(t, "hello", ua.Plugins[0].Name)
	case <-time.After(time.Second):
		t.Fatal("no updates_available event")
	}
}

func TestUpdateChecker_NoEventWithoutUpdates(t *testing.T) {
	f := installedFixture(t)
	f.reg.updates = nil
	bus := eventbus.New(testLogger())
	defer bus.Close()

	var events atomic.Int64
	bus.Subscribe(domain.EventUpdatesAvailable, func(context.Context, domain.Event) { events.Add(1) })

	u := NewUpdateChecker(f.inst, f.store, time.Hour, bus, testLogger())
	res, err := u.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Plugins)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, events.Load())
}

func TestUpdateChecker_ScheduleStop(t *testing.T) {
	f := installedFixture(t)
	u := NewUpdateChecker(f.inst, f.store, time.Second, nil, testLogger())

	u.Schedule(context.Background())
	u.Schedule(context.Background()) // second call is a no-op
	require.Eventually(t, func() bool { return f.reg.count("POST updates") >= 1 }, 3*time.Second, 20*time.Millisecond)

	u.Stop()
	u.Stop()
	n := f.reg.count("POST updates")
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, f.reg.count("POST updates"), "no checks after Stop")
}
