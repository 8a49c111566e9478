package certstore

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	gop12 "software.sslmate.com/src/go-pkcs12"

	"github.com/efisign/efisign/pkg/errdefs"
)

func newTestCert(t *testing.T, cn string) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func writePEMIdentity(t *testing.T, dir, nick string, key *rsa.PrivateKey, cert *x509.Certificate) {
	t.Helper()
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(t, os.WriteFile(filepath.Join(dir, nick+".pem"), certPEM, 0o644))
	if key != nil {
		keyDER, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
		require.NoError(t, os.WriteFile(filepath.Join(dir, nick+".key"), keyPEM, 0o600))
	}
}

func TestOpenMissingDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	require.True(t, errdefs.IsNotFound(err), "error = %v", err)
}

func TestFindSignerPEM(t *testing.T) {
	dir := t.TempDir()
	key, cert := newTestCert(t, "pem signer")
	writePEMIdentity(t, dir, "signer", key, cert)

	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	id, err := store.FindSigner("signer", "")
	require.NoError(t, err)
	require.True(t, id.HasKey())
	require.Equal(t, "pem signer", id.Certificate.Subject.CommonName)
	require.Len(t, id.Chain, 1)

	digest := sha256.Sum256([]byte("payload"))
	sig, err := id.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	require.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestCertificateOnlyIdentity(t *testing.T) {
	dir := t.TempDir()
	_, cert := newTestCert(t, "cert only")
	writePEMIdentity(t, dir, "pub", nil, cert)

	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	id, err := store.FindCertificate("pub", "")
	require.NoError(t, err)
	require.False(t, id.HasKey())

	_, err = store.FindSigner("pub", "")
	require.True(t, errdefs.IsCrypto(err), "error = %v", err)

	_, err = id.Sign(rand.Reader, []byte{0x01}, crypto.SHA256)
	require.True(t, errdefs.IsCrypto(err), "error = %v", err)
}

func TestFindUnknownNickname(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.FindCertificate("ghost", "")
	require.True(t, errdefs.IsNotFound(err), "error = %v", err)
	_, err = store.FindSigner("ghost", "vault")
	require.True(t, errdefs.IsNotFound(err), "error = %v", err)
}

func TestTokenSubdirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "vault"), 0o755))

	rootKey, rootCert := newTestCert(t, "root signer")
	writePEMIdentity(t, dir, "signer", rootKey, rootCert)
	vaultKey, vaultCert := newTestCert(t, "vault signer")
	writePEMIdentity(t, filepath.Join(dir, "vault"), "signer", vaultKey, vaultCert)

	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	id, err := store.FindSigner("signer", "")
	require.NoError(t, err)
	require.Equal(t, "root signer", id.Certificate.Subject.CommonName)

	id, err = store.FindSigner("signer", "vault")
	require.NoError(t, err)
	require.Equal(t, "vault signer", id.Certificate.Subject.CommonName)

	_, err = store.FindSigner("signer", "attic")
	require.True(t, errdefs.IsNotFound(err), "error = %v", err)
}

func TestPKCS12Identity(t *testing.T) {
	dir := t.TempDir()
	key, cert := newTestCert(t, "bundled signer")

	data, err := gop12.Modern.Encode(key, cert, nil, "hunter2")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundle.p12"), data, 0o600))

	t.Setenv(PasswordEnv, "hunter2")
	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	id, err := store.FindSigner("bundle", "")
	require.NoError(t, err)
	require.True(t, id.HasKey())
	require.Equal(t, "bundled signer", id.Certificate.Subject.CommonName)
}

func TestPKCS12WrongPassword(t *testing.T) {
	dir := t.TempDir()
	key, cert := newTestCert(t, "bundled signer")

	data, err := gop12.Modern.Encode(key, cert, nil, "right")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundle.p12"), data, 0o600))

	t.Setenv(PasswordEnv, "wrong")
	_, err = Open(dir)
	require.True(t, errdefs.IsCrypto(err), "error = %v", err)
}

func TestKeyCertMismatch(t *testing.T) {
	dir := t.TempDir()
	_, cert := newTestCert(t, "owner")
	otherKey, _ := newTestCert(t, "impostor")
	writePEMIdentity(t, dir, "mixed", otherKey, cert)

	_, err := Open(dir)
	require.True(t, errdefs.IsCrypto(err), "error = %v", err)
}

func TestExportHelpers(t *testing.T) {
	dir := t.TempDir()
	key, cert := newTestCert(t, "export me")
	writePEMIdentity(t, dir, "exp", key, cert)

	store, err := Open(dir)
	require.NoError(t, err)
	defer store.Close()

	id, err := store.FindCertificate("exp", "")
	require.NoError(t, err)

	var certBuf bytes.Buffer
	require.NoError(t, ExportCertificatePEM(&certBuf, id))
	block, _ := pem.Decode(certBuf.Bytes())
	require.NotNil(t, block)
	require.Equal(t, "CERTIFICATE", block.Type)
	require.Equal(t, cert.Raw, block.Bytes)

	var pubBuf bytes.Buffer
	require.NoError(t, ExportPublicKeyPEM(&pubBuf, id))
	block, _ = pem.Decode(pubBuf.Bytes())
	require.NotNil(t, block)
	require.Equal(t, "PUBLIC KEY", block.Type)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	require.True(t, key.PublicKey.Equal(pub.(*rsa.PublicKey)))
}
