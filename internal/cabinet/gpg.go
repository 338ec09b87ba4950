package cabinet

import (
	"bytes"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// verifyGPG checks a detached OpenPGP signature blob over content against
// the caller's keyring. Used as the GPG-kind alternative to PKCS7 for
// trust-metadata/trust-payload.
func verifyGPG(content, sigBlob []byte, cx CertContext) bool {
	if len(cx.Keyring) == 0 {
		return false
	}
	_, err := openpgp.CheckDetachedSignature(cx.Keyring, bytes.NewReader(content), bytes.NewReader(sigBlob), nil)
	return err == nil
}
