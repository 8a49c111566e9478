package authenticode

import (
	encasn1 "encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/efisign/efisign/pkg/errdefs"
)

var (
	// OIDSpcIndirectDataContent identifies the Authenticode content type.
	OIDSpcIndirectDataContent = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 4}

	// OIDSpcPEImageData identifies the PE image data attribute inside it.
	OIDSpcPEImageData = encasn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 15}
)

// The SpcLink file field carries the fixed "<<<Obsolete>>>" BMP string.
var spcObsoleteFile = []byte{
	0x00, 0x3c, 0x00, 0x3c, 0x00, 0x3c, 0x00, 0x4f, 0x00, 0x62,
	0x00, 0x73, 0x00, 0x6f, 0x00, 0x6c, 0x00, 0x65, 0x00, 0x74,
	0x00, 0x65, 0x00, 0x3e, 0x00, 0x3e, 0x00, 0x3e,
}

// MarshalIndirectDataContent encodes d as a DER SpcIndirectDataContent, the
// value a signature record's SignedData carries as its content.
func MarshalIndirectDataContent(d *Digest) ([]byte, error) {
	var b cryptobyte.Builder

	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		// data SpcAttributeTypeAndOptionalValue
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(OIDSpcPEImageData)

			// SpcPeImageData { flags, file SpcLink }
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1BitString(nil)
				b.AddASN1(asn1.Tag(0).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					b.AddASN1(asn1.Tag(2).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
						b.AddASN1(asn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
							b.AddBytes(spcObsoleteFile)
						})
					})
				})
			})
		})

		// messageDigest DigestInfo { AlgorithmIdentifier, digest }
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(d.Algorithm.OID())
				b.AddASN1NULL()
			})
			b.AddASN1OctetString(d.Value)
		})
	})

	return b.Bytes()
}

// ParseIndirectDataContent decodes the digest from an SpcIndirectDataContent
// value. It accepts either the complete TLV or just the sequence body, which
// is how the blob comes back out of a parsed SignedData.
func ParseIndirectDataContent(der []byte) (*Digest, error) {
	body := cryptobyte.String(der)

	// Unwrap the outer sequence when present.
	probe := cryptobyte.String(der)
	var inner cryptobyte.String
	if probe.ReadASN1(&inner, asn1.SEQUENCE) && probe.Empty() && inner.PeekASN1Tag(asn1.SEQUENCE) {
		body = inner
	}

	var data cryptobyte.String
	if !body.ReadASN1(&data, asn1.SEQUENCE) {
		return nil, errdefs.Formatf("indirect data content: missing data attribute")
	}
	var dataType encasn1.ObjectIdentifier
	if !data.ReadASN1ObjectIdentifier(&dataType) {
		return nil, errdefs.Formatf("indirect data content: missing data type")
	}
	if !dataType.Equal(OIDSpcPEImageData) {
		return nil, errdefs.Formatf("indirect data content: unexpected data type %v", dataType)
	}

	var digestInfo cryptobyte.String
	if !body.ReadASN1(&digestInfo, asn1.SEQUENCE) {
		return nil, errdefs.Formatf("indirect data content: missing digest info")
	}
	var algID cryptobyte.String
	if !digestInfo.ReadASN1(&algID, asn1.SEQUENCE) {
		return nil, errdefs.Formatf("indirect data content: missing algorithm identifier")
	}
	var algOID encasn1.ObjectIdentifier
	if !algID.ReadASN1ObjectIdentifier(&algOID) {
		return nil, errdefs.Formatf("indirect data content: missing algorithm OID")
	}
	alg, err := AlgorithmFromOID(algOID)
	if err != nil {
		return nil, err
	}
	var digest cryptobyte.String
	if !digestInfo.ReadASN1(&digest, asn1.OCTET_STRING) {
		return nil, errdefs.Formatf("indirect data content: missing digest value")
	}

	return &Digest{Algorithm: alg, Value: []byte(digest)}, nil
}

// contentBody returns the content octets of a DER TLV. The signed-attribute
// message digest is computed over these, not the full encoding.
func contentBody(der []byte) ([]byte, error) {
	s := cryptobyte.String(der)
	var body cryptobyte.String
	var tag asn1.Tag
	if !s.ReadAnyASN1(&body, &tag) {
		return nil, errdefs.Formatf("truncated DER value")
	}
	return []byte(body), nil
}
