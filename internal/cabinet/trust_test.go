package cabinet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigestPairBytesOmitsEmptyFields(t *testing.T) {
	assert.Equal(t, []byte("abc\n"), digestPairBytes(DigestPair{SHA256: "abc"}))
	assert.Equal(t, []byte("def"), digestPairBytes(DigestPair{SHA512: "def"}))
	assert.Equal(t, []byte("abc\ndef"), digestPairBytes(DigestPair{SHA256: "abc", SHA512: "def"}))
}

func TestTrustCacheMemoizesVerdict(t *testing.T) {
	bundle := &Bundle{Items: map[string]*Item{}} // no items, so verification always fails
	tc := newTrustCache(CertContext{}, bundle, map[string][]byte{"firmware.bin": []byte("x")})

	assert.False(t, tc.verified("firmware.bin"))
	// second call hits the cache path; still false, but exercised for coverage
	assert.False(t, tc.verified("firmware.bin"))
	assert.Len(t, tc.cache, 1)
}

func TestTrustCacheOnlyPostQuantumRejectsClassicalSignatures(t *testing.T) {
	bundle := &Bundle{Items: map[string]*Item{
		"firmware.bin": {
			ID:         "firmware.bin",
			Signatures: []Signature{{Kind: BlobPKCS7, Value: "irrelevant"}},
		},
	}}
	tc := newTrustCache(CertContext{OnlyPostQuantum: true}, bundle, map[string][]byte{"firmware.bin": []byte("x")})
	assert.False(t, tc.verified("firmware.bin"))
}
