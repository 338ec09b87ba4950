package device

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxfirm/fluxfirm/internal/silo"
)

const mdSetMetainfo = `<?xml version="1.0" encoding="UTF-8"?>
<component type="firmware">
  <id>test</id>
  <name>Test Device</name>
  <icon>computer</icon>
  <developer_name>ACME</developer_name>
  <provides>
    <firmware type="flashed">aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee</firmware>
  </provides>
  <categories>
    <category>X-GraphicsTablet</category>
  </categories>
  <releases>
    <release version="1.2.3">
      <artifacts>
        <artifact type="binary">
          <size type="installed">1024</size>
        </artifact>
      </artifacts>
    </release>
  </releases>
  <custom>
    <value key="LVFS::VersionFormat">triplet</value>
    <value key="LVFS::DeviceIntegrity">signed</value>
    <value key="LVFS::DeviceFlags">host-cpu,needs-shutdown</value>
  </custom>
</component>
`

func newMDSetSilo(t *testing.T) *silo.Silo {
	t.Helper()
	s := silo.New()
	require.NoError(t, s.AddMetainfo("test.metainfo.xml", []byte(mdSetMetainfo)))
	s.Reindex()
	return s
}

func TestRegistryAddResolvesAllMDSetFlags(t *testing.T) {
	reg := NewRegistry(logrus.New())
	s := newMDSetSilo(t)

	d := New()
	d.PluginName, d.PhysicalID = "acme", "0"
	d.GUIDs["aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"] = struct{}{}
	d.SetPrivateFlag(PrivateMDSetNameCategory, true)
	d.SetPrivateFlag(PrivateMDSetIcon, true)
	d.SetPrivateFlag(PrivateMDSetVendor, true)
	d.SetPrivateFlag(PrivateMDSetSigned, true)
	d.SetPrivateFlag(PrivateMDSetVerFmt, true)
	d.SetPrivateFlag(PrivateMDSetFlags, true)
	d.SetPrivateFlag(PrivateMDSetRequiredFree, true)

	_, err := reg.Add(d, s)
	require.NoError(t, err)

	assert.Equal(t, VersionFormatTriplet, d.VersionFormat)
	assert.Equal(t, "Graphics Tablet", d.Name)
	assert.Equal(t, "X-GraphicsTablet", d.Category)
	assert.Equal(t, "ACME", d.Vendor)
	assert.Contains(t, d.Icons, "computer")
	assert.True(t, d.HasFlag(FlagSignedPayload))
	assert.True(t, d.HasFlag(FlagNeedsShutdown))
	assert.True(t, d.HasPrivateFlag(PrivateHostCPU))
	assert.Equal(t, int64(1024), d.RequiredFree)
}

func TestHumanizeCategoryStripsVendorPrefixAndSplitsWords(t *testing.T) {
	assert.Equal(t, "Graphics Tablet", humanizeCategory("X-GraphicsTablet"))
	assert.Equal(t, "System", humanizeCategory("System"))
}
