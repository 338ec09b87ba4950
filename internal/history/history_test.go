package history

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxfirm/fluxfirm/internal/device"
	"github.com/fluxfirm/fluxfirm/internal/release"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddAndGetDeviceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	d := device.New()
	d.ID = "dev1"
	d.Version = "1.2.2"
	r := &release.Release{Version: "1.2.3"}

	require.NoError(t, s.Add(d, r))

	e, err := s.GetDevice("dev1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, e.UpdateState)
	assert.Equal(t, "1.2.3", e.Release.Version)
}

func TestSetStateFinalizes(t *testing.T) {
	s := openTestStore(t)
	d := device.New()
	d.ID = "dev1"
	require.NoError(t, s.Add(d, &release.Release{Version: "1.2.3"}))

	require.NoError(t, s.SetState("dev1", StateSuccess, nil))
	e, err := s.GetDevice("dev1")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, e.UpdateState)
	assert.Empty(t, e.UpdateError)

	require.NoError(t, s.SetState("dev1", StateFailed, errors.New("write timed out")))
	e, err = s.GetDevice("dev1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, e.UpdateState)
	assert.Equal(t, "write timed out", e.UpdateError)
}

func TestGetDeviceNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetDevice("missing")
	require.Error(t, err)
}

func TestGetAllAndRemove(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Add(&device.Device{ID: "a"}, &release.Release{Version: "1"}))
	require.NoError(t, s.Add(&device.Device{ID: "b"}, &release.Release{Version: "2"}))

	all, err := s.GetAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Remove("a"))
	all, err = s.GetAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInheritActivationSetsFlagWhenPrivateFlagPresent(t *testing.T) {
	live := device.New()
	live.ID = "dev1"
	live.SetPrivateFlag(device.PrivateInheritActivation, true)

	entries := []*Entry{{DeviceID: "dev1", UpdateState: StateNeedsActivation}}
	InheritActivation(entries, map[string]*device.Device{"dev1": live})

	assert.True(t, live.HasFlag(device.FlagNeedsActivation))
}

func TestInheritActivationSkipsWithoutPrivateFlag(t *testing.T) {
	live := device.New()
	live.ID = "dev1"

	entries := []*Entry{{DeviceID: "dev1", UpdateState: StateNeedsActivation}}
	InheritActivation(entries, map[string]*device.Device{"dev1": live})

	assert.False(t, live.HasFlag(device.FlagNeedsActivation))
}
