package authenticode

import (
	"crypto/x509"

	"go.mozilla.org/pkcs7"

	"github.com/efisign/efisign/pkg/errdefs"
)

// Info summarizes one embedded signature record for listing.
type Info struct {
	Algorithm Algorithm
	Digest    []byte
	Signer    *x509.Certificate
	Certs     []*x509.Certificate
}

// Inspect decodes a signature record's DER SignedData and extracts the image
// digest and the signer certificate. It validates structure only; it does
// not verify the signature against a trust chain.
func Inspect(der []byte) (*Info, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, errdefs.Formatf("parsing signed data: %v", err)
	}

	digest, err := ParseIndirectDataContent(p7.Content)
	if err != nil {
		return nil, err
	}

	return &Info{
		Algorithm: digest.Algorithm,
		Digest:    digest.Value,
		Signer:    p7.GetOnlySigner(),
		Certs:     p7.Certificates,
	}, nil
}
