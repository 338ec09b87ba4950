package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxfirm/fluxfirm/internal/cabinet"
	"github.com/fluxfirm/fluxfirm/internal/config"
	"github.com/fluxfirm/fluxfirm/internal/device"
	"github.com/fluxfirm/fluxfirm/internal/fwerr"
	"github.com/fluxfirm/fluxfirm/internal/history"
	"github.com/fluxfirm/fluxfirm/internal/install"
)

const testMetainfo = `<?xml version="1.0" encoding="UTF-8"?>
<component type="firmware">
  <id>com.example.test.firmware</id>
  <name>Test Device</name>
  <provides>
    <firmware type="flashed">12345678-1234-1234-1234-123456789012</firmware>
  </provides>
  <releases>
    <release version="1.2.3">
      <checksum target="content" filename="firmware.bin">2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824</checksum>
      <size type="installed">5</size>
    </release>
  </releases>
</component>
`

const testGUID = "12345678-1234-1234-1234-123456789012"

type fakeProvider struct {
	activated bool
}

func (f *fakeProvider) Probe(ctx context.Context, d *device.Device) error { return nil }
func (f *fakeProvider) Setup(ctx context.Context, d *device.Device) error { return nil }
func (f *fakeProvider) Detach(ctx context.Context, d *device.Device, p install.Progress) error {
	return nil
}
func (f *fakeProvider) Attach(ctx context.Context, d *device.Device, p install.Progress) error {
	return nil
}
func (f *fakeProvider) WriteFirmware(ctx context.Context, d *device.Device, payload []byte, p install.Progress, flags install.WriteFlags) error {
	return nil
}
func (f *fakeProvider) PrepareFirmware(ctx context.Context, d *device.Device, blob []byte, flags install.WriteFlags) ([]byte, error) {
	return blob, nil
}
func (f *fakeProvider) Activate(ctx context.Context, d *device.Device, p install.Progress) error {
	f.activated = true
	return nil
}
func (f *fakeProvider) Reload(ctx context.Context, d *device.Device) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tmp := t.TempDir()
	return &config.Config{
		ImmutableDataDir:           filepath.Join(tmp, "immutable"),
		SystemConfigDir:            filepath.Join(tmp, "system"),
		MutableStateDir:            filepath.Join(tmp, "mutable"),
		RuntimeDir:                 filepath.Join(tmp, "run"),
		PreferredMetadataExtension: "zst",
	}
}

func newTestEngine(t *testing.T, prov install.Provider) *Engine {
	t.Helper()
	e, err := New(Options{Log: logrus.New(), Config: testConfig(t), Provider: prov})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func buildTestCabinet(t *testing.T) *cabinet.Cabinet {
	t.Helper()
	raw := cabinet.NewBuilder().
		AddFile("firmware-1.2.3.metainfo.xml", []byte(testMetainfo)).
		AddFile("firmware.bin", []byte("hello")).
		Build()
	cab, err := cabinet.Parse(raw, cabinet.ParseOptions{})
	require.NoError(t, err)
	return cab
}

func newTestDevice() *device.Device {
	d := device.New()
	d.PluginName = "test"
	d.PhysicalID = "0"
	d.Version = "1.0.0"
	d.GUIDs[testGUID] = struct{}{}
	return d
}

func metainfoWithVersion(version string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<component type="firmware">
  <id>com.example.test.firmware</id>
  <name>Test Device</name>
  <provides>
    <firmware type="flashed">` + testGUID + `</firmware>
  </provides>
  <releases>
    <release version="` + version + `">
      <checksum target="content" filename="firmware.bin">2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824</checksum>
      <size type="installed">5</size>
    </release>
  </releases>
</component>
`
}

func buildVersionedCabinet(t *testing.T, version string) *cabinet.Cabinet {
	t.Helper()
	raw := cabinet.NewBuilder().
		AddFile("firmware-"+version+".metainfo.xml", []byte(metainfoWithVersion(version))).
		AddFile("firmware.bin", []byte("hello")).
		Build()
	cab, err := cabinet.Parse(raw, cabinet.ParseOptions{})
	require.NoError(t, err)
	return cab
}

func TestEngineInstallHappyPath(t *testing.T) {
	prov := &fakeProvider{}
	e := newTestEngine(t, prov)
	cab := buildTestCabinet(t)
	d := newTestDevice()
	require.NoError(t, e.Coldplug([]*device.Device{d}, cab.Silo))

	err := e.Install(context.Background(), d, cab, install.Flags{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", d.Version)

	entry, err := e.Hist.GetDevice(d.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StateSuccess, entry.UpdateState)
}

func TestEngineInstallNothingToDoWhenUpToDate(t *testing.T) {
	prov := &fakeProvider{}
	e := newTestEngine(t, prov)
	cab := buildTestCabinet(t)
	d := newTestDevice()
	d.Version = "1.2.3" // already at the only release's version

	err := e.Install(context.Background(), d, cab, install.Flags{}, nil, nil)
	require.Error(t, err)
}

func TestEngineActivationInheritanceAcrossRestart(t *testing.T) {
	prov := &fakeProvider{}
	e := newTestEngine(t, prov)
	cab := buildTestCabinet(t)
	d := newTestDevice()
	d.SetPrivateFlag(device.PrivateInheritActivation, true)
	require.NoError(t, e.Coldplug([]*device.Device{d}, cab.Silo))

	require.NoError(t, e.Hist.Add(d, nil))
	require.NoError(t, e.Hist.SetState(d.ID, history.StateNeedsActivation, nil))

	// Simulate a restart: drop and rebuild the Device Registry, then
	// re-register the same physical device, as if fwupd had restarted.
	e.Devices = device.NewRegistry(logrus.New())
	reborn := newTestDevice()
	reborn.ID = d.ID
	reborn.SetPrivateFlag(device.PrivateInheritActivation, true)
	require.NoError(t, e.Coldplug([]*device.Device{reborn}, cab.Silo))

	assert.True(t, reborn.HasFlag(device.FlagNeedsActivation))
}

// TestEngineDowngradeRejectedThenAllowed verifies that a cabinet offering an
// older release than the device's current version is rejected with
// invalid-file unless allow-older is set.
func TestEngineDowngradeRejectedThenAllowed(t *testing.T) {
	prov := &fakeProvider{}
	e := newTestEngine(t, prov)
	cab := buildVersionedCabinet(t, "1.2.2")
	d := newTestDevice()
	d.Version = "1.2.3"
	require.NoError(t, e.Coldplug([]*device.Device{d}, cab.Silo))

	err := e.Install(context.Background(), d, cab, install.Flags{}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, fwerr.KindInvalidFile, fwerr.KindOf(err))
	assert.Contains(t, err.Error(), "1.2.2")

	require.NoError(t, e.Install(context.Background(), d, cab, install.Flags{AllowOlder: true}, nil, nil))
	assert.Equal(t, "1.2.2", d.Version)
}

// TestEngineCompositeInstallOrdersParentBeforeChild verifies that after
// coldplug adopts two children under one parent, the registry orders
// children strictly after their parent so a batch install built from that
// ordering runs parent-first.
func TestEngineCompositeInstallOrdersParentBeforeChild(t *testing.T) {
	e := newTestEngine(t, &fakeProvider{})
	cab := buildTestCabinet(t)

	parent := newTestDevice()
	parent.PhysicalID = "hub"
	parent.AddInstanceID("HUB\\ROOT")

	require.NoError(t, e.Coldplug([]*device.Device{parent}, cab.Silo))
	// the hub's own GUID, not testGUID, which the children also carry
	parentGUID := device.GUIDFromInstanceID("HUB\\ROOT")

	child1 := newTestDevice()
	child1.PhysicalID = "hub-1"
	child1.ParentGUIDs = []string{parentGUID}
	child2 := newTestDevice()
	child2.PhysicalID = "hub-2"
	child2.ParentGUIDs = []string{parentGUID}
	require.NoError(t, e.Coldplug([]*device.Device{child1, child2}, cab.Silo))

	assert.Equal(t, parent.ID, child1.Parent)
	assert.Equal(t, parent.ID, child2.Parent)
	assert.Less(t, parent.Order, child1.Order)
	assert.Less(t, parent.Order, child2.Order)
}
