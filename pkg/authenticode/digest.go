// Package authenticode computes Authenticode digests of PE/COFF images and
// builds and inspects the signed-data blobs embedded in their certificate
// tables.
package authenticode

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"

	"github.com/efisign/efisign/pkg/errdefs"
	"github.com/efisign/efisign/pkg/pe"
)

// Algorithm names a supported digest algorithm.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA384 Algorithm = "sha384"
	SHA512 Algorithm = "sha512"
)

var (
	oidDigestSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidDigestSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidDigestSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidDigestSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// ParseAlgorithm maps a user-supplied digest name onto an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case SHA1, SHA256, SHA384, SHA512:
		return Algorithm(name), nil
	}
	return "", errdefs.Configf("unknown digest algorithm %q", name)
}

// AlgorithmFromOID maps a digest-algorithm OID back onto an Algorithm.
func AlgorithmFromOID(oid asn1.ObjectIdentifier) (Algorithm, error) {
	switch {
	case oid.Equal(oidDigestSHA1):
		return SHA1, nil
	case oid.Equal(oidDigestSHA256):
		return SHA256, nil
	case oid.Equal(oidDigestSHA384):
		return SHA384, nil
	case oid.Equal(oidDigestSHA512):
		return SHA512, nil
	}
	return "", errdefs.Formatf("unknown digest algorithm OID %v", oid)
}

// Hash returns the crypto.Hash implementing the algorithm.
func (a Algorithm) Hash() crypto.Hash {
	switch a {
	case SHA1:
		return crypto.SHA1
	case SHA384:
		return crypto.SHA384
	case SHA512:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// OID returns the algorithm's object identifier.
func (a Algorithm) OID() asn1.ObjectIdentifier {
	switch a {
	case SHA1:
		return oidDigestSHA1
	case SHA384:
		return oidDigestSHA384
	case SHA512:
		return oidDigestSHA512
	default:
		return oidDigestSHA256
	}
}

// Digest is an Authenticode digest of one exact image byte-state. It goes
// stale as soon as any hashed byte of the image changes; growing the
// certificate table does not, which is why the pipeline digests before
// allocating signature space.
type Digest struct {
	Algorithm Algorithm
	Value     []byte

	// PadData records whether trailing bytes past the section data were
	// included in the hash.
	PadData bool
}

// ComputeDigest hashes img per the Authenticode rules: everything except the
// CheckSum field, the certificate-table directory entry, and the certificate
// table itself. Section payloads are hashed in ascending file-offset order.
// When padData is set, trailing bytes between the end of section data and
// the certificate table are included as well.
//
// The function is pure: the same image bytes and parameters always produce
// the same digest.
func ComputeDigest(img *pe.Image, alg Algorithm, padData bool) (*Digest, error) {
	ck := img.ChecksumOffset()
	dd := img.CertDirOffset()
	hdrEnd := img.SizeOfHeaders()

	if ck+4 > dd || dd+8 > hdrEnd || hdrEnd > img.Len() {
		return nil, errdefs.Formatf("header layout invalid: checksum %#x, cert directory %#x, headers end %#x, file %#x",
			ck, dd, hdrEnd, img.Len())
	}

	certStart := img.Len()
	if off, size := img.CertTable(); off != 0 && size != 0 {
		if int(off)+int(size) > img.Len() {
			return nil, errdefs.Formatf("certificate table [%#x, %#x) outside image", off, uint64(off)+uint64(size))
		}
		certStart = int(off)
	}

	h := alg.Hash().New()

	// Headers minus the checksum field and the certificate directory
	// entry.
	for _, r := range [][2]int{{0, ck}, {ck + 4, dd}, {dd + 8, hdrEnd}} {
		b, err := img.Slice(r[0], r[1]-r[0])
		if err != nil {
			return nil, err
		}
		h.Write(b)
	}

	// Section payloads in file order.
	endOfSections := hdrEnd
	for _, sec := range img.Sections() {
		if sec.Size == 0 {
			continue
		}
		start, end := int(sec.Offset), int(sec.Offset)+int(sec.Size)
		if start < hdrEnd {
			return nil, errdefs.Formatf("section %q overlaps headers", sec.Name)
		}
		if end > certStart {
			return nil, errdefs.Formatf("section %q overlaps certificate table region", sec.Name)
		}
		b, err := img.Slice(start, end-start)
		if err != nil {
			return nil, err
		}
		h.Write(b)
		if end > endOfSections {
			endOfSections = end
		}
	}

	// Trailing bytes between the section data and the certificate table
	// are alignment padding; they are hashed only in padding mode.
	if padData && certStart > endOfSections {
		b, err := img.Slice(endOfSections, certStart-endOfSections)
		if err != nil {
			return nil, err
		}
		h.Write(b)
	}

	return &Digest{Algorithm: alg, Value: h.Sum(nil), PadData: padData}, nil
}
