// Package certstore resolves certificate nicknames to signing identities.
//
// A store is a directory of identities. Each nickname maps either to a PEM
// pair (<nick>.pem with the certificate chain, <nick>.key with the private
// key) or to a PKCS#12 bundle (<nick>.p12). Certificate-only identities omit
// the key file. Tokens are first-level subdirectories holding the same
// layout; the empty token name addresses the store root.
package certstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	gop12 "software.sslmate.com/src/go-pkcs12"

	"github.com/efisign/efisign/pkg/errdefs"
)

// PasswordEnv names the environment variable consulted for the PKCS#12
// import password. An unset variable means the empty password.
const PasswordEnv = "EFISIGN_STORE_PASSWORD"

const lockFileName = ".lock"

// Identity is one resolved store entry: a certificate, its chain, and an
// optional private key.
type Identity struct {
	Nickname    string
	Token       string
	Certificate *x509.Certificate
	Chain       []*x509.Certificate

	key crypto.Signer
	mu  sync.Mutex
}

// HasKey reports whether the identity carries a private key.
func (id *Identity) HasKey() bool { return id.key != nil }

// Sign produces a raw signature value over a pre-hashed digest, satisfying
// crypto.Signer. Signing is serialized per identity.
func (id *Identity) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if id.key == nil {
		return nil, errdefs.Cryptof("identity %q has no private key", id.Nickname)
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	sig, err := id.key.Sign(rand, digest, opts)
	if err != nil {
		return nil, errdefs.Cryptof("signing with %q: %v", id.Nickname, err)
	}
	return sig, nil
}

// Public returns the identity's public key, satisfying crypto.Signer.
func (id *Identity) Public() crypto.PublicKey { return id.Certificate.PublicKey }

// Store holds the identities found under one directory. Lookups are safe for
// concurrent use once Open returns.
type Store struct {
	dir        string
	lock       *flock.Flock
	identities map[string]*Identity
}

func identityKey(nickname, token string) string {
	return token + "/" + nickname
}

// Open scans dir for identities and takes a shared advisory lock on the
// directory so a concurrently running tool cannot rewrite it mid-operation.
// The caller must Close the store to release the lock.
func Open(dir string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFoundf("certificate store %q does not exist", dir)
		}
		return nil, errdefs.IOf("opening certificate store %q: %v", dir, err)
	}
	if !info.IsDir() {
		return nil, errdefs.Configf("certificate store %q is not a directory", dir)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryRLock()
	if err != nil {
		return nil, errdefs.IOf("locking certificate store %q: %v", dir, err)
	}
	if !locked {
		return nil, errdefs.IOf("certificate store %q is locked by another process", dir)
	}

	s := &Store{dir: dir, lock: lock, identities: make(map[string]*Identity)}
	if err := s.scan(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return s, nil
}

// Close releases the store's directory lock.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	err := s.lock.Unlock()
	s.lock = nil
	if err != nil {
		return errdefs.IOf("unlocking certificate store: %v", err)
	}
	return nil
}

// Dir returns the store's directory path.
func (s *Store) Dir() string { return s.dir }

// Nicknames returns the nicknames present under token, sorted by the scan
// order of the directory listing.
func (s *Store) Nicknames(token string) []string {
	var names []string
	for _, id := range s.identities {
		if id.Token == token {
			names = append(names, id.Nickname)
		}
	}
	return names
}

// FindCertificate resolves nickname under token to an identity. The identity
// need not carry a private key.
func (s *Store) FindCertificate(nickname, token string) (*Identity, error) {
	id, ok := s.identities[identityKey(nickname, token)]
	if !ok {
		if token != "" {
			return nil, errdefs.NotFoundf("no certificate %q under token %q", nickname, token)
		}
		return nil, errdefs.NotFoundf("no certificate %q in store", nickname)
	}
	return id, nil
}

// FindSigner resolves nickname under token to an identity that can sign.
func (s *Store) FindSigner(nickname, token string) (*Identity, error) {
	id, err := s.FindCertificate(nickname, token)
	if err != nil {
		return nil, err
	}
	if !id.HasKey() {
		return nil, errdefs.Cryptof("certificate %q has no private key", nickname)
	}
	return id, nil
}

func (s *Store) scan() error {
	if err := s.scanToken(s.dir, ""); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errdefs.IOf("reading certificate store %q: %v", s.dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := s.scanToken(filepath.Join(s.dir, e.Name()), e.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) scanToken(dir, token string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errdefs.IOf("reading token directory %q: %v", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		nick := strings.TrimSuffix(name, ext)
		if nick == "" {
			continue
		}

		var id *Identity
		switch ext {
		case ".pem":
			id, err = loadPEMIdentity(filepath.Join(dir, name), filepath.Join(dir, nick+".key"))
		case ".p12", ".pfx":
			id, err = loadPKCS12Identity(filepath.Join(dir, name))
		default:
			continue
		}
		if err != nil {
			return err
		}
		id.Nickname = nick
		id.Token = token
		s.identities[identityKey(nick, token)] = id
	}
	return nil
}

func loadPEMIdentity(certPath, keyPath string) (*Identity, error) {
	certs, err := readPEMCertificates(certPath)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, errdefs.Formatf("%s contains no certificates", certPath)
	}

	id := &Identity{Certificate: certs[0], Chain: certs}

	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return id, nil
		}
		return nil, errdefs.IOf("reading %s: %v", keyPath, err)
	}
	key, err := parsePEMKey(keyData, keyPath)
	if err != nil {
		return nil, err
	}
	if err := checkKeyMatchesCert(key, certs[0]); err != nil {
		return nil, err
	}
	id.key = key
	return id, nil
}

func loadPKCS12Identity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.IOf("reading %s: %v", path, err)
	}

	key, cert, caCerts, err := gop12.DecodeChain(data, os.Getenv(PasswordEnv))
	if err != nil {
		return nil, errdefs.Cryptof("decoding %s: %v", path, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errdefs.Cryptof("%s holds an unusable private key type %T", path, key)
	}

	chain := append([]*x509.Certificate{cert}, caCerts...)
	return &Identity{Certificate: cert, Chain: chain, key: signer}, nil
}

func readPEMCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.IOf("reading %s: %v", path, err)
	}

	var certs []*x509.Certificate
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errdefs.Formatf("parsing certificate in %s: %v", path, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func parsePEMKey(data []byte, path string) (crypto.Signer, error) {
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, errdefs.Cryptof("parsing key in %s: %v", path, err)
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, errdefs.Cryptof("%s holds an unusable private key type %T", path, key)
			}
			return signer, nil
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, errdefs.Cryptof("parsing key in %s: %v", path, err)
			}
			return key, nil
		case "EC PRIVATE KEY":
			key, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, errdefs.Cryptof("parsing key in %s: %v", path, err)
			}
			return key, nil
		}
	}
	return nil, errdefs.Formatf("%s contains no private key", path)
}

func checkKeyMatchesCert(key crypto.Signer, cert *x509.Certificate) error {
	switch pub := key.Public().(type) {
	case *rsa.PublicKey:
		if certPub, ok := cert.PublicKey.(*rsa.PublicKey); ok && pub.Equal(certPub) {
			return nil
		}
	case *ecdsa.PublicKey:
		if certPub, ok := cert.PublicKey.(*ecdsa.PublicKey); ok && pub.Equal(certPub) {
			return nil
		}
	default:
		return errdefs.Cryptof("unsupported private key type %T", key)
	}
	return errdefs.Cryptof("private key does not match certificate %q", cert.Subject.CommonName)
}

// ExportCertificatePEM writes the identity's leaf certificate as PEM.
func ExportCertificatePEM(w io.Writer, id *Identity) error {
	block := &pem.Block{Type: "CERTIFICATE", Bytes: id.Certificate.Raw}
	if err := pem.Encode(w, block); err != nil {
		return errdefs.IOf("writing certificate: %v", err)
	}
	return nil
}

// ExportPublicKeyPEM writes the identity's public key as PEM.
func ExportPublicKeyPEM(w io.Writer, id *Identity) error {
	der, err := x509.MarshalPKIXPublicKey(id.Certificate.PublicKey)
	if err != nil {
		return errdefs.Cryptof("encoding public key: %v", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	if err := pem.Encode(w, block); err != nil {
		return errdefs.IOf("writing public key: %v", err)
	}
	return nil
}
