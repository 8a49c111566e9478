package authenticode

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	encasn1 "encoding/asn1"
	"math/big"
	"sort"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/efisign/efisign/pkg/errdefs"
)

var (
	oidSignedData    = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidContentType   = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}

	oidRSAEncryption   = encasn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidECDSAWithSHA1   = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	oidECDSAWithSHA256 = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidECDSAWithSHA512 = encasn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

// attribute is one CMS Attribute; Value pre-wraps the SET OF AttributeValue.
type attribute struct {
	Type  encasn1.ObjectIdentifier
	Value encasn1.RawValue `asn1:"set"`
}

// SignedAttributes is the attribute set the private key signs. The DER is
// fixed at construction so both the local and the imported signing path
// operate on identical bytes.
type SignedAttributes struct {
	der  []byte   // SET OF Attribute, the exact signed encoding
	raw  [][]byte // individual attribute TLVs in sorted order
	list []attribute
}

func marshalAttribute(attrType encasn1.ObjectIdentifier, value interface{}) (attribute, []byte, error) {
	inner, err := encasn1.Marshal(value)
	if err != nil {
		return attribute{}, nil, err
	}
	attr := attribute{
		Type:  attrType,
		Value: encasn1.RawValue{Class: encasn1.ClassUniversal, Tag: encasn1.TagSet, IsCompound: true, Bytes: inner},
	}
	tlv, err := encasn1.Marshal(attr)
	if err != nil {
		return attribute{}, nil, err
	}
	return attr, tlv, nil
}

func newSignedAttributes(attrs []attribute, tlvs [][]byte) (*SignedAttributes, error) {
	// DER SET OF orders components by their encodings.
	idx := make([]int, len(tlvs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return bytes.Compare(tlvs[idx[a]], tlvs[idx[b]]) < 0 })

	sa := &SignedAttributes{}
	for _, i := range idx {
		sa.raw = append(sa.raw, tlvs[i])
		sa.list = append(sa.list, attrs[i])
	}

	var b cryptobyte.Builder
	b.AddASN1(asn1.SET, func(b *cryptobyte.Builder) {
		for _, tlv := range sa.raw {
			b.AddBytes(tlv)
		}
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, errdefs.Formatf("encoding signed attributes: %v", err)
	}
	sa.der = der
	return sa, nil
}

// BuildSignedAttributes produces the minimal Authenticode attribute set:
// content-type naming SpcIndirectDataContent and the message digest of
// content's body under alg.
func BuildSignedAttributes(content []byte, alg Algorithm) (*SignedAttributes, error) {
	body, err := contentBody(content)
	if err != nil {
		return nil, err
	}
	h := alg.Hash().New()
	h.Write(body)

	ctAttr, ctTLV, err := marshalAttribute(oidContentType, OIDSpcIndirectDataContent)
	if err != nil {
		return nil, errdefs.Formatf("encoding content-type attribute: %v", err)
	}
	mdAttr, mdTLV, err := marshalAttribute(oidMessageDigest, h.Sum(nil))
	if err != nil {
		return nil, errdefs.Formatf("encoding message-digest attribute: %v", err)
	}

	return newSignedAttributes([]attribute{ctAttr, mdAttr}, [][]byte{ctTLV, mdTLV})
}

// ParseSignedAttributes decodes a DER SET OF Attribute, e.g. one previously
// exported for offline signing. The input encoding is preserved exactly.
func ParseSignedAttributes(der []byte) (*SignedAttributes, error) {
	s := cryptobyte.String(der)
	var set cryptobyte.String
	if !s.ReadASN1(&set, asn1.SET) || !s.Empty() {
		return nil, errdefs.Formatf("signed attributes: not a DER SET")
	}

	var attrs []attribute
	var tlvs [][]byte
	for !set.Empty() {
		var tlv cryptobyte.String
		if !set.ReadASN1Element(&tlv, asn1.SEQUENCE) {
			return nil, errdefs.Formatf("signed attributes: malformed attribute")
		}
		var attr attribute
		if _, err := encasn1.Unmarshal(tlv, &attr); err != nil {
			return nil, errdefs.Formatf("signed attributes: %v", err)
		}
		attrs = append(attrs, attr)
		tlvs = append(tlvs, []byte(tlv))
	}
	if len(attrs) == 0 {
		return nil, errdefs.Formatf("signed attributes: empty set")
	}

	sa := &SignedAttributes{der: der, raw: tlvs, list: attrs}
	return sa, nil
}

// Bytes returns the DER SET OF Attribute, the exact bytes to be signed.
func (sa *SignedAttributes) Bytes() []byte { return sa.der }

// MessageDigest returns the message-digest attribute value.
func (sa *SignedAttributes) MessageDigest() ([]byte, error) {
	for _, attr := range sa.list {
		if attr.Type.Equal(oidMessageDigest) {
			var md []byte
			if _, err := encasn1.Unmarshal(attr.Value.Bytes, &md); err != nil {
				return nil, errdefs.Formatf("message-digest attribute: %v", err)
			}
			return md, nil
		}
	}
	return nil, errdefs.Formatf("signed attributes carry no message digest")
}

// tagged0 returns the attributes re-tagged as the IMPLICIT [0] element of a
// SignerInfo. The payload bytes are identical to the signed SET.
func (sa *SignedAttributes) tagged0() encasn1.RawValue {
	var payload []byte
	for _, tlv := range sa.raw {
		payload = append(payload, tlv...)
	}
	return encasn1.RawValue{Class: encasn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: payload}
}

type issuerAndSerial struct {
	IssuerName   encasn1.RawValue
	SerialNumber *big.Int
}

type signerInfo struct {
	Version                   int
	IssuerAndSerialNumber     issuerAndSerial
	DigestAlgorithm           pkix.AlgorithmIdentifier
	AuthenticatedAttributes   encasn1.RawValue
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
}

type contentInfo struct {
	ContentType encasn1.ObjectIdentifier
	Content     encasn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version                    int
	DigestAlgorithmIdentifiers []pkix.AlgorithmIdentifier `asn1:"set"`
	ContentInfo                contentInfo
	Certificates               encasn1.RawValue `asn1:"optional,tag:0"`
	SignerInfos                []signerInfo     `asn1:"set"`
}

func digestAlgorithmID(alg Algorithm) pkix.AlgorithmIdentifier {
	return pkix.AlgorithmIdentifier{Algorithm: alg.OID(), Parameters: encasn1.NullRawValue}
}

func signatureAlgorithmID(pub interface{}, alg Algorithm) (pkix.AlgorithmIdentifier, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return pkix.AlgorithmIdentifier{Algorithm: oidRSAEncryption, Parameters: encasn1.NullRawValue}, nil
	case *ecdsa.PublicKey:
		var oid encasn1.ObjectIdentifier
		switch alg {
		case SHA1:
			oid = oidECDSAWithSHA1
		case SHA384:
			oid = oidECDSAWithSHA384
		case SHA512:
			oid = oidECDSAWithSHA512
		default:
			oid = oidECDSAWithSHA256
		}
		return pkix.AlgorithmIdentifier{Algorithm: oid}, nil
	}
	return pkix.AlgorithmIdentifier{}, errdefs.Cryptof("unsupported public key type %T", pub)
}

func rawCertificates(cert *x509.Certificate, chain []*x509.Certificate) encasn1.RawValue {
	var payload []byte
	payload = append(payload, cert.Raw...)
	for _, c := range chain {
		if c == nil || bytes.Equal(c.Raw, cert.Raw) {
			continue
		}
		payload = append(payload, c.Raw...)
	}
	return encasn1.RawValue{Class: encasn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: payload}
}

// assemble wraps {attrs, signatureValue, certificates} around the indirect
// data content into a DER SignedData. Identical inputs always produce
// identical bytes; SignLocal and WrapRawSignature both end here.
func assemble(digest *Digest, attrs *SignedAttributes, signatureValue []byte, cert *x509.Certificate, chain []*x509.Certificate) ([]byte, error) {
	content, err := MarshalIndirectDataContent(digest)
	if err != nil {
		return nil, err
	}

	sigAlg, err := signatureAlgorithmID(cert.PublicKey, digest.Algorithm)
	if err != nil {
		return nil, err
	}

	sd := signedData{
		Version:                    1,
		DigestAlgorithmIdentifiers: []pkix.AlgorithmIdentifier{digestAlgorithmID(digest.Algorithm)},
		ContentInfo: contentInfo{
			ContentType: OIDSpcIndirectDataContent,
			Content:     encasn1.RawValue{Class: encasn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: content},
		},
		Certificates: rawCertificates(cert, chain),
		SignerInfos: []signerInfo{{
			Version: 1,
			IssuerAndSerialNumber: issuerAndSerial{
				IssuerName:   encasn1.RawValue{FullBytes: cert.RawIssuer},
				SerialNumber: cert.SerialNumber,
			},
			DigestAlgorithm:           digestAlgorithmID(digest.Algorithm),
			AuthenticatedAttributes:   attrs.tagged0(),
			DigestEncryptionAlgorithm: sigAlg,
			EncryptedDigest:           signatureValue,
		}},
	}

	inner, err := encasn1.Marshal(sd)
	if err != nil {
		return nil, errdefs.Formatf("encoding signed data: %v", err)
	}
	outer, err := encasn1.Marshal(contentInfo{
		ContentType: oidSignedData,
		Content:     encasn1.RawValue{Class: encasn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner},
	})
	if err != nil {
		return nil, errdefs.Formatf("encoding content info: %v", err)
	}
	return outer, nil
}

// checkAttributes verifies that attrs bind the digest's indirect data
// content, so a stale or foreign attribute blob cannot be wrapped silently.
func checkAttributes(digest *Digest, attrs *SignedAttributes) error {
	content, err := MarshalIndirectDataContent(digest)
	if err != nil {
		return err
	}
	body, err := contentBody(content)
	if err != nil {
		return err
	}
	h := digest.Algorithm.Hash().New()
	h.Write(body)

	md, err := attrs.MessageDigest()
	if err != nil {
		return err
	}
	if !bytes.Equal(md, h.Sum(nil)) {
		return errdefs.Cryptof("signed attributes do not match the image digest")
	}
	return nil
}

// SignLocal signs attrs with signer and wraps the result into a DER
// SignedData ready to embed as a signature record.
func SignLocal(digest *Digest, attrs *SignedAttributes, signer crypto.Signer, cert *x509.Certificate, chain []*x509.Certificate) ([]byte, error) {
	if err := checkAttributes(digest, attrs); err != nil {
		return nil, err
	}

	h := digest.Algorithm.Hash().New()
	h.Write(attrs.Bytes())
	signatureValue, err := signer.Sign(rand.Reader, h.Sum(nil), digest.Algorithm.Hash())
	if err != nil {
		return nil, errdefs.Cryptof("signing attributes: %v", err)
	}

	return assemble(digest, attrs, signatureValue, cert, chain)
}

// WrapRawSignature wraps an externally produced signature value over attrs
// into the same SignedData SignLocal builds. It needs no private key, which
// is what lets digest and attribute preparation run unprivileged.
func WrapRawSignature(rawSignature []byte, digest *Digest, attrs *SignedAttributes, cert *x509.Certificate, chain []*x509.Certificate) ([]byte, error) {
	if len(rawSignature) == 0 {
		return nil, errdefs.Cryptof("empty raw signature")
	}
	if err := checkAttributes(digest, attrs); err != nil {
		return nil, err
	}
	return assemble(digest, attrs, rawSignature, cert, chain)
}
