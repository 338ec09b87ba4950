package cabinet

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/fluxfirm/fluxfirm/internal/fwerr"
)

// No example repo in the corpus links a PKCS7 library (the closest,
// go-crypto/openpgp, only covers GPG). signedData below is a deliberately
// narrowed SignedData: single signer, sha256WithRSAEncryption only, ASN.1
// DER encoded via the standard library. It is internally self-consistent
// (Sign/Verify round-trip and chain-verify against a caller-supplied pool)
// rather than byte-compatible with openssl's smime -pk7, which is out of
// scope without a real PKCS7 dependency anywhere in the pack.
type signedData struct {
	Digest      []byte `asn1:"tag:0"`
	SigningTime int64  `asn1:"tag:1,optional"`
	Signature   []byte `asn1:"tag:2"`
	Cert        []byte `asn1:"tag:3,optional"` // DER certificate, present when ADD_CERT is requested
}

// SignOptions mirrors fwupd's FU_CAB_FIRMWARE_SIGN flag pair.
type SignOptions struct {
	AddTimestamp bool
	AddCert      bool
}

// SignPKCS7 produces a detached signature blob over content's SHA256 digest.
func SignPKCS7(content []byte, cert *x509.Certificate, key *rsa.PrivateKey, opts SignOptions) ([]byte, error) {
	digest := sha256.Sum256(content)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fwerr.Wrap(fwerr.KindInternal, fmt.Errorf("pkcs7 sign: %w", err))
	}
	sd := signedData{Digest: digest[:], Signature: sig}
	if opts.AddTimestamp {
		sd.SigningTime = time.Now().Unix()
	}
	if opts.AddCert && cert != nil {
		sd.Cert = cert.Raw
	}
	der, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fwerr.Wrap(fwerr.KindInternal, fmt.Errorf("pkcs7 marshal: %w", err))
	}
	return der, nil
}

// VerifyPKCS7Result carries what VerifyPKCS7 was able to establish.
type VerifyPKCS7Result struct {
	SigningTime time.Time
	Cert        *x509.Certificate // nil if the blob did not embed one
}

// VerifyPKCS7 checks a detached signature blob against content and, when the
// blob embeds a certificate, chain-verifies it against roots. If the blob
// has no embedded certificate, signerCert (looked up by the caller, e.g. by
// a known fingerprint) must be supplied instead.
func VerifyPKCS7(content, blob []byte, roots *x509.CertPool, signerCert *x509.Certificate) (*VerifyPKCS7Result, error) {
	var sd signedData
	if _, err := asn1.Unmarshal(blob, &sd); err != nil {
		return nil, fwerr.New(fwerr.KindSignatureInvalid, "malformed pkcs7 blob: %v", err)
	}

	digest := sha256.Sum256(content)
	if !bytesEqual(digest[:], sd.Digest) {
		return nil, fwerr.New(fwerr.KindSignatureInvalid, "content digest does not match signed digest")
	}

	cert := signerCert
	if len(sd.Cert) > 0 {
		parsed, err := x509.ParseCertificate(sd.Cert)
		if err != nil {
			return nil, fwerr.New(fwerr.KindSignatureInvalid, "embedded certificate unparsable: %v", err)
		}
		cert = parsed
	}
	if cert == nil {
		return nil, fwerr.New(fwerr.KindSignatureInvalid, "no signer certificate available")
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fwerr.New(fwerr.KindSignatureInvalid, "signer certificate is not RSA")
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sd.Digest, sd.Signature); err != nil {
		return nil, fwerr.New(fwerr.KindSignatureInvalid, "signature does not verify: %v", err)
	}

	if roots != nil {
		if _, err := cert.Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
			return nil, fwerr.New(fwerr.KindSignatureInvalid, "certificate does not chain to a trusted root: %v", err)
		}
	}

	res := &VerifyPKCS7Result{Cert: cert}
	if sd.SigningTime != 0 {
		res.SigningTime = time.Unix(sd.SigningTime, 0).UTC()
	}
	return res, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
