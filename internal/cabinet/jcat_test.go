package cabinet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBundleAndMarshalRoundTrip(t *testing.T) {
	raw := []byte(`{"id":"firmware.bin","checksums":[{"kind":"sha256","value":"abc"}]}
{"id":"firmware.metainfo.xml","signatures":[{"kind":"pkcs7","value":"QkFTRTY0"}]}
`)
	b, err := ParseBundle(raw)
	require.NoError(t, err)
	require.Len(t, b.Items, 2)
	assert.Equal(t, "abc", b.Items["firmware.bin"].Checksums[0].Value)
	assert.Equal(t, BlobPKCS7, b.Items["firmware.metainfo.xml"].Signatures[0].Kind)

	out, err := b.Marshal()
	require.NoError(t, err)

	again, err := ParseBundle(out)
	require.NoError(t, err)
	assert.Equal(t, b.Items["firmware.bin"].Checksums, again.Items["firmware.bin"].Checksums)
}

func TestParseBundleSkipsBlankLines(t *testing.T) {
	raw := []byte("\n\n{\"id\":\"x\"}\n\n")
	b, err := ParseBundle(raw)
	require.NoError(t, err)
	require.Len(t, b.Items, 1)
}

func TestParseBundleRejectsMissingID(t *testing.T) {
	_, err := ParseBundle([]byte(`{"checksums":[]}`))
	require.Error(t, err)
}

func TestParseBundleRejectsMalformedJSON(t *testing.T) {
	_, err := ParseBundle([]byte(`not json`))
	require.Error(t, err)
}
