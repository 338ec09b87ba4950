package cabinet

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// TrustFlag is one bit of a release's computed trust_flags set.
type TrustFlag string

const (
	TrustedMetadata TrustFlag = "trusted-metadata"
	TrustedPayload  TrustFlag = "trusted-payload"
)

// CertContext is the caller-supplied verification context for a Cabinet
// parse: a pool of trusted X.509 roots and whether classical (non-PQ)
// signatures should be accepted at all.
type CertContext struct {
	Roots           *x509.CertPool
	Keyring         openpgp.EntityList
	OnlyPostQuantum bool
}

// trustCache memoizes per-basename trust verdicts for the lifetime of one
// Cabinet, since several metainfo files may reference the same payload.
type trustCache struct {
	cx      CertContext
	bundle  *Bundle
	entries map[string][]byte // basename -> raw bytes, for direct verification
	cache   map[string]bool
}

func newTrustCache(cx CertContext, bundle *Bundle, entries map[string][]byte) *trustCache {
	return &trustCache{cx: cx, bundle: bundle, entries: entries, cache: make(map[string]bool)}
}

// verified reports whether basename carries a valid, trust-conferring
// signature in the JCat bundle, checking direct-over-bytes and indirect
// (signature over a declared digest pair) signature forms.
func (t *trustCache) verified(basename string) bool {
	if v, ok := t.cache[basename]; ok {
		return v
	}
	v := t.verifyUncached(basename)
	t.cache[basename] = v
	return v
}

func (t *trustCache) verifyUncached(basename string) bool {
	if t.bundle == nil {
		return false
	}
	item, ok := t.bundle.Items[basename]
	if !ok {
		return false
	}
	content, haveContent := t.entries[basename]

	for _, sig := range item.Signatures {
		// Post-quantum gating: this engine's only supported signature
		// kinds today (pkcs7, gpg) are both classical. A caller asking
		// for post-quantum-only trust therefore never accepts them.
		if t.cx.OnlyPostQuantum {
			continue
		}

		var signedBytes []byte
		switch {
		case sig.Target != nil:
			signedBytes = digestPairBytes(*sig.Target)
		case haveContent:
			signedBytes = content
		default:
			continue
		}

		switch sig.Kind {
		case BlobPKCS7:
			if t.cx.Roots == nil {
				continue // no caller-supplied roots: an embedded cert alone confers no trust
			}
			raw, err := base64.StdEncoding.DecodeString(sig.Value)
			if err != nil {
				continue
			}
			if _, err := VerifyPKCS7(signedBytes, raw, t.cx.Roots, nil); err == nil {
				return true
			}
		case BlobGPG:
			raw, err := base64.StdEncoding.DecodeString(sig.Value)
			if err != nil {
				continue
			}
			if verifyGPG(signedBytes, raw, t.cx) {
				return true
			}
		}
	}
	return false
}

// digestPairBytes canonicalizes a DigestPair into the exact byte sequence a
// signer signs for indirect trust: the hex sha256 followed by a newline,
// then the hex sha512 with no trailing newline; an empty field is omitted
// together with its newline.
func digestPairBytes(d DigestPair) []byte {
	var out []byte
	if d.SHA256 != "" {
		out = append(out, []byte(d.SHA256)...)
		out = append(out, '\n')
	}
	if d.SHA512 != "" {
		out = append(out, []byte(d.SHA512)...)
	}
	return out
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func sha512Hex(b []byte) string {
	sum := sha512.Sum512(b)
	return hex.EncodeToString(sum[:])
}
