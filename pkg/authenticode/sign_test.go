package authenticode

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/efisign/efisign/internal/testpe"
	"github.com/efisign/efisign/pkg/errdefs"
	"github.com/efisign/efisign/pkg/pe"
)

func testSigner(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(4242),
		Subject:               pkix.Name{CommonName: "efisign test signer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return key, cert
}

func testDigest(t *testing.T) *Digest {
	t.Helper()
	img, err := pe.New(testpe.Build(testpe.Options{}))
	if err != nil {
		t.Fatalf("building test image: %v", err)
	}
	d, err := ComputeDigest(img, SHA256, true)
	if err != nil {
		t.Fatalf("ComputeDigest failed: %v", err)
	}
	return d
}

func TestIndirectDataContentRoundTrip(t *testing.T) {
	d := testDigest(t)
	der, err := MarshalIndirectDataContent(d)
	if err != nil {
		t.Fatalf("MarshalIndirectDataContent failed: %v", err)
	}

	back, err := ParseIndirectDataContent(der)
	if err != nil {
		t.Fatalf("ParseIndirectDataContent failed: %v", err)
	}
	if back.Algorithm != d.Algorithm {
		t.Errorf("algorithm = %q, want %q", back.Algorithm, d.Algorithm)
	}
	if !bytes.Equal(back.Value, d.Value) {
		t.Error("digest value did not survive the round trip")
	}

	// The sequence body alone must parse too; that is what a decoded
	// SignedData hands back as its content.
	body, err := contentBody(der)
	if err != nil {
		t.Fatalf("contentBody failed: %v", err)
	}
	back2, err := ParseIndirectDataContent(body)
	if err != nil {
		t.Fatalf("ParseIndirectDataContent on body failed: %v", err)
	}
	if !bytes.Equal(back2.Value, d.Value) {
		t.Error("digest value did not survive the body-only round trip")
	}
}

func TestSignedAttributesRoundTrip(t *testing.T) {
	d := testDigest(t)
	content, err := MarshalIndirectDataContent(d)
	if err != nil {
		t.Fatalf("MarshalIndirectDataContent failed: %v", err)
	}

	attrs, err := BuildSignedAttributes(content, d.Algorithm)
	if err != nil {
		t.Fatalf("BuildSignedAttributes failed: %v", err)
	}

	back, err := ParseSignedAttributes(attrs.Bytes())
	if err != nil {
		t.Fatalf("ParseSignedAttributes failed: %v", err)
	}
	if !bytes.Equal(back.Bytes(), attrs.Bytes()) {
		t.Error("attribute DER changed across parse")
	}

	md, err := back.MessageDigest()
	if err != nil {
		t.Fatalf("MessageDigest failed: %v", err)
	}
	body, _ := contentBody(content)
	h := d.Algorithm.Hash().New()
	h.Write(body)
	if !bytes.Equal(md, h.Sum(nil)) {
		t.Error("message digest does not match the content body hash")
	}
}

func TestParseSignedAttributesRejectsGarbage(t *testing.T) {
	if _, err := ParseSignedAttributes([]byte{0x30, 0x00}); !errdefs.IsFormat(err) {
		t.Errorf("sequence input: error = %v, want format", err)
	}
	if _, err := ParseSignedAttributes([]byte{0x31, 0x00}); !errdefs.IsFormat(err) {
		t.Errorf("empty set: error = %v, want format", err)
	}
}

func TestSignLocalMatchesWrapRawSignature(t *testing.T) {
	key, cert := testSigner(t)
	d := testDigest(t)
	content, err := MarshalIndirectDataContent(d)
	if err != nil {
		t.Fatalf("MarshalIndirectDataContent failed: %v", err)
	}
	attrs, err := BuildSignedAttributes(content, d.Algorithm)
	if err != nil {
		t.Fatalf("BuildSignedAttributes failed: %v", err)
	}

	local, err := SignLocal(d, attrs, key, cert, nil)
	if err != nil {
		t.Fatalf("SignLocal failed: %v", err)
	}

	// Produce the raw signature the way a detached signing service
	// would, then wrap it. PKCS#1 v1.5 is deterministic, so the two
	// paths must emit identical bytes.
	h := d.Algorithm.Hash().New()
	h.Write(attrs.Bytes())
	raw, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h.Sum(nil))
	if err != nil {
		t.Fatalf("signing attributes: %v", err)
	}
	wrapped, err := WrapRawSignature(raw, d, attrs, cert, nil)
	if err != nil {
		t.Fatalf("WrapRawSignature failed: %v", err)
	}

	if !bytes.Equal(local, wrapped) {
		t.Error("local signing and raw-signature wrapping produced different blobs")
	}
}

func TestWrapRawSignatureRejectsEmpty(t *testing.T) {
	_, cert := testSigner(t)
	d := testDigest(t)
	content, _ := MarshalIndirectDataContent(d)
	attrs, err := BuildSignedAttributes(content, d.Algorithm)
	if err != nil {
		t.Fatalf("BuildSignedAttributes failed: %v", err)
	}
	if _, err := WrapRawSignature(nil, d, attrs, cert, nil); !errdefs.IsCrypto(err) {
		t.Errorf("error = %v, want crypto", err)
	}
}

func TestSignRejectsMismatchedAttributes(t *testing.T) {
	key, cert := testSigner(t)
	d := testDigest(t)

	// Attributes built over a different image's content.
	other, err := pe.New(testpe.Build(testpe.Options{Fill: 0x77}))
	if err != nil {
		t.Fatalf("building test image: %v", err)
	}
	od, err := ComputeDigest(other, SHA256, true)
	if err != nil {
		t.Fatalf("ComputeDigest failed: %v", err)
	}
	content, _ := MarshalIndirectDataContent(od)
	attrs, err := BuildSignedAttributes(content, SHA256)
	if err != nil {
		t.Fatalf("BuildSignedAttributes failed: %v", err)
	}

	if _, err := SignLocal(d, attrs, key, cert, nil); !errdefs.IsCrypto(err) {
		t.Errorf("SignLocal error = %v, want crypto", err)
	}
	if _, err := WrapRawSignature([]byte{0x01}, d, attrs, cert, nil); !errdefs.IsCrypto(err) {
		t.Errorf("WrapRawSignature error = %v, want crypto", err)
	}
}

func TestInspectSignedBlob(t *testing.T) {
	key, cert := testSigner(t)
	d := testDigest(t)
	content, err := MarshalIndirectDataContent(d)
	if err != nil {
		t.Fatalf("MarshalIndirectDataContent failed: %v", err)
	}
	attrs, err := BuildSignedAttributes(content, d.Algorithm)
	if err != nil {
		t.Fatalf("BuildSignedAttributes failed: %v", err)
	}
	blob, err := SignLocal(d, attrs, key, cert, nil)
	if err != nil {
		t.Fatalf("SignLocal failed: %v", err)
	}

	info, err := Inspect(blob)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if info.Algorithm != SHA256 {
		t.Errorf("algorithm = %q, want sha256", info.Algorithm)
	}
	if !bytes.Equal(info.Digest, d.Value) {
		t.Error("inspected digest does not match the computed one")
	}
	if info.Signer == nil || info.Signer.Subject.CommonName != "efisign test signer" {
		t.Errorf("unexpected signer: %v", info.Signer)
	}
	if len(info.Certs) != 1 {
		t.Errorf("got %d certificates, want 1", len(info.Certs))
	}
}

func TestInspectRejectsGarbage(t *testing.T) {
	if _, err := Inspect([]byte("not asn1")); !errdefs.IsFormat(err) {
		t.Errorf("error = %v, want format", err)
	}
}
