package cabinet

import (
	"crypto/rsa"
	"crypto/x509"
)

// SignerIdentity bundles the certificate and private key Sign needs.
type SignerIdentity struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// NewSigner pairs an X.509 certificate with the RSA private key that signs
// on its behalf, for use with Cabinet.Sign.
func NewSigner(cert *x509.Certificate, key *rsa.PrivateKey) *SignerIdentity {
	return &SignerIdentity{cert: cert, key: key}
}
