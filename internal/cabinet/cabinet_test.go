package cabinet

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
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

func buildTestCAB(t *testing.T, payload []byte, metainfo string) []byte {
	t.Helper()
	return NewBuilder().
		AddFile("firmware-1.2.3.metainfo.xml", []byte(metainfo)).
		AddFile("firmware.bin", payload).
		Build()
}

func selfSignedRSA(t *testing.T) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "fluxfirm-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func TestParseRoundTripAndSignVerify(t *testing.T) {
	payload := []byte("hello")
	raw := buildTestCAB(t, payload, testMetainfo)

	cab, err := Parse(raw, ParseOptions{})
	require.NoError(t, err)
	require.NotNil(t, cab.Silo)

	content, ok := cab.Entry("firmware.bin")
	require.True(t, ok)
	require.Equal(t, payload, content)

	comps := cab.Silo.GetComponents()
	require.Len(t, comps, 1)

	// Before signing, nothing is trusted.
	flags := cab.TrustFlags("firmware-1.2.3.metainfo.xml", "firmware.bin")
	require.False(t, flags[TrustedPayload])

	cert, key := selfSignedRSA(t)
	bundle, err := cab.Sign(NewSigner(cert, key))
	require.NoError(t, err)
	require.Contains(t, bundle.Items, "firmware.bin")
	require.Contains(t, bundle.Items, "firmware-1.2.3.metainfo.xml")

	jcatRaw, err := bundle.Marshal()
	require.NoError(t, err)

	signedRaw := NewBuilder().
		AddFile("firmware-1.2.3.metainfo.xml", []byte(testMetainfo)).
		AddFile("firmware.bin", payload).
		AddFile(jcatEntryName, jcatRaw).
		Build()

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	signed, err := Parse(signedRaw, ParseOptions{Cert: CertContext{Roots: pool}})
	require.NoError(t, err)

	flags = signed.TrustFlags("firmware-1.2.3.metainfo.xml", "firmware.bin")
	require.True(t, flags[TrustedMetadata])
	require.True(t, flags[TrustedPayload])

	// Re-parsing with an empty cert set drops trust but keeps the release loadable (invariant 6).
	untrusted, err := Parse(signedRaw, ParseOptions{})
	require.NoError(t, err)
	flags = untrusted.TrustFlags("firmware-1.2.3.metainfo.xml", "firmware.bin")
	require.False(t, flags[TrustedPayload])
	require.Len(t, untrusted.Silo.GetComponents(), 1)
}

func TestParseRejectsMissingMetainfo(t *testing.T) {
	raw := NewBuilder().AddFile("firmware.bin", []byte("x")).Build()
	_, err := Parse(raw, ParseOptions{})
	require.Error(t, err)
}

func TestParseRejectsChecksumMismatch(t *testing.T) {
	raw := buildTestCAB(t, []byte("goodbye"), testMetainfo)
	_, err := Parse(raw, ParseOptions{})
	require.Error(t, err)
}

func TestParseRejectsOversizedArchive(t *testing.T) {
	raw := buildTestCAB(t, []byte("hello"), testMetainfo)
	_, err := Parse(raw, ParseOptions{MaxSize: 4})
	require.Error(t, err)
}

func TestBase64RoundTripSanity(t *testing.T) {
	// Guards the jcat marshal/unmarshal's base64 signature encoding, which
	// the rest of this file's round-trip test exercises indirectly.
	data := []byte{0x01, 0x02, 0x03}
	enc := base64.StdEncoding.EncodeToString(data)
	dec, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	require.Equal(t, data, dec)
}
