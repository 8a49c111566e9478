package main

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"

	"github.com/efisign/efisign/pkg/authenticode"
	"github.com/efisign/efisign/pkg/certstore"
	"github.com/efisign/efisign/pkg/certtable"
	"github.com/efisign/efisign/pkg/daemon"
	"github.com/efisign/efisign/pkg/errdefs"
	"github.com/efisign/efisign/pkg/pe"
)

// sigPEMType is the armor label for exported signature blobs.
const sigPEMType = "AUTHENTICODE SIGNATURE"

// cmdOpts collects the option values shared across pipelines.
type cmdOpts struct {
	in      string
	out     string
	force   bool
	cert    string
	certdir string
	token   string
	alg     authenticode.Algorithm
	signum  int // -1 when not given
	ascii   bool
	padding bool
	socket  string
	verbose bool
}

func (o *cmdOpts) logger() *logrus.Logger {
	log := logrus.New()
	if o.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func parseOpts(opts docopt.Opts) (*cmdOpts, error) {
	o := &cmdOpts{signum: -1}
	o.in, _ = opts.String("--in")
	o.out, _ = opts.String("--out")
	o.force, _ = opts.Bool("--force")
	o.cert, _ = opts.String("--cert")
	o.certdir, _ = opts.String("--certdir")
	o.token, _ = opts.String("--token")
	o.ascii, _ = opts.Bool("--ascii")
	o.padding, _ = opts.Bool("--padding")
	o.socket, _ = opts.String("--socket")
	o.verbose, _ = opts.Bool("--verbose")

	if o.certdir == "" {
		o.certdir = os.Getenv("EFISIGN_CERTDIR")
	}
	if o.certdir == "" {
		o.certdir = daemon.DefaultCertDir()
	}

	if name, _ := opts.String("--digest"); name != "" {
		alg, err := authenticode.ParseAlgorithm(name)
		if err != nil {
			return nil, err
		}
		o.alg = alg
	} else {
		o.alg = authenticode.SHA256
	}

	if raw, _ := opts.String("--signum"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, errdefs.Configf("invalid signature index %q", raw)
		}
		o.signum = n
	}

	return o, nil
}

// checkOutput rejects bad output configurations before any file is touched.
func (o *cmdOpts) checkOutput() error {
	if o.out == "" {
		return errdefs.Configf("no output file given")
	}
	if o.in != "" && sameFile(o.in, o.out) {
		return errdefs.Configf("input and output are the same file")
	}
	if !o.force {
		if _, err := os.Stat(o.out); err == nil {
			return errdefs.Configf("output file %q already exists (use --force to overwrite)", o.out)
		}
	}
	return nil
}

func sameFile(a, b string) bool {
	if a == b {
		return true
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

func loadImage(path string) (*pe.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFoundf("input file %q does not exist", path)
		}
		return nil, errdefs.IOf("reading %q: %v", path, err)
	}
	return pe.New(data)
}

// writeOutput stages data in a temp file next to the destination and renames
// it into place, so a failure never leaves a half-written output behind.
func writeOutput(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return errdefs.IOf("creating staging file in %q: %v", dir, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errdefs.IOf("writing %q: %v", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errdefs.IOf("closing %q: %v", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errdefs.IOf("renaming %q to %q: %v", tmpPath, path, err)
	}
	return nil
}

func openStore(o *cmdOpts) (*certstore.Store, error) {
	if o.cert == "" {
		return nil, errdefs.Configf("no certificate nickname given")
	}
	return certstore.Open(o.certdir)
}

func computeAttributes(img *pe.Image, alg authenticode.Algorithm, padding bool) (*authenticode.Digest, *authenticode.SignedAttributes, error) {
	digest, err := authenticode.ComputeDigest(img, alg, padding)
	if err != nil {
		return nil, nil, err
	}
	content, err := authenticode.MarshalIndirectDataContent(digest)
	if err != nil {
		return nil, nil, err
	}
	attrs, err := authenticode.BuildSignedAttributes(content, alg)
	if err != nil {
		return nil, nil, err
	}
	return digest, attrs, nil
}

// embed inserts blob as a signature record and serializes the table back
// into img. Records append when no index was given.
func embed(img *pe.Image, blob []byte, signum int) error {
	list, err := certtable.Parse(img)
	if err != nil {
		return err
	}
	idx := signum
	if idx < 0 {
		idx = list.Len()
	}
	if err := list.Insert(idx, certtable.NewSignedDataRecord(blob)); err != nil {
		return err
	}
	return certtable.Commit(img, list, certtable.ShrinkSizeOnly)
}

func runHash(opts docopt.Opts) error {
	o, err := parseOpts(opts)
	if err != nil {
		return err
	}
	img, err := loadImage(o.in)
	if err != nil {
		return err
	}
	digest, err := authenticode.ComputeDigest(img, o.alg, o.padding)
	if err != nil {
		return err
	}
	fmt.Printf("hash: %s\n", hex.EncodeToString(digest.Value))
	return nil
}

func runSign(opts docopt.Opts) error {
	o, err := parseOpts(opts)
	if err != nil {
		return err
	}
	if err := o.checkOutput(); err != nil {
		return err
	}
	if o.cert == "" {
		return errdefs.Configf("no certificate nickname given")
	}

	img, err := loadImage(o.in)
	if err != nil {
		return err
	}

	log := o.logger()

	// The digest must be taken before any signature space is allocated;
	// growth afterwards does not touch the hashed region.
	digest, attrs, err := computeAttributes(img, o.alg, o.padding)
	if err != nil {
		return err
	}
	log.Debugf("computed %s digest %s", digest.Algorithm, hex.EncodeToString(digest.Value))

	var blob []byte
	if o.socket != "" {
		log.Debugf("signing through daemon at %s", o.socket)
		blob, err = signViaDaemon(o, digest, attrs)
	} else {
		log.Debugf("signing with store %s", o.certdir)
		blob, err = signViaStore(o, digest, attrs)
	}
	if err != nil {
		return err
	}
	log.Debugf("embedding %d-byte signature record", len(blob))

	if err := embed(img, blob, o.signum); err != nil {
		return err
	}
	return writeOutput(o.out, img.Bytes())
}

func signViaStore(o *cmdOpts, digest *authenticode.Digest, attrs *authenticode.SignedAttributes) ([]byte, error) {
	store, err := openStore(o)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	id, err := store.FindSigner(o.cert, o.token)
	if err != nil {
		return nil, err
	}
	return authenticode.SignLocal(digest, attrs, id, id.Certificate, id.Chain[1:])
}

func signViaDaemon(o *cmdOpts, digest *authenticode.Digest, attrs *authenticode.SignedAttributes) ([]byte, error) {
	client := daemon.NewClient(o.socket)
	resp, err := client.Sign(context.Background(), &daemon.SignRequest{
		Nickname:   o.cert,
		Token:      o.token,
		Algorithm:  string(digest.Algorithm),
		Attributes: attrs.Bytes(),
	})
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(resp.Certificate)
	if err != nil {
		return nil, errdefs.Formatf("parsing daemon certificate response: %v", err)
	}
	var chain []*x509.Certificate
	for _, raw := range resp.Chain {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, errdefs.Formatf("parsing daemon certificate response: %v", err)
		}
		chain = append(chain, c)
	}
	return authenticode.WrapRawSignature(resp.Signature, digest, attrs, cert, chain)
}

func runList(opts docopt.Opts) error {
	o, err := parseOpts(opts)
	if err != nil {
		return err
	}
	img, err := loadImage(o.in)
	if err != nil {
		return err
	}
	list, err := certtable.Parse(img)
	if err != nil {
		return err
	}

	if list.Len() == 0 {
		fmt.Println("no signatures")
		return nil
	}
	for i := 0; i < list.Len(); i++ {
		rec, err := list.Get(i)
		if err != nil {
			return err
		}
		fmt.Printf("signature %d\n", i)
		info, err := authenticode.Inspect(rec.Content)
		if err != nil {
			fmt.Printf("  unreadable: %v\n", err)
			continue
		}
		fmt.Printf("  digest algorithm: %s\n", info.Algorithm)
		fmt.Printf("  image digest: %s\n", hex.EncodeToString(info.Digest))
		if info.Signer != nil {
			fmt.Printf("  signer: %s\n", info.Signer.Subject.CommonName)
		}
	}
	return nil
}

func runRemove(opts docopt.Opts) error {
	o, err := parseOpts(opts)
	if err != nil {
		return err
	}
	if err := o.checkOutput(); err != nil {
		return err
	}
	img, err := loadImage(o.in)
	if err != nil {
		return err
	}
	list, err := certtable.Parse(img)
	if err != nil {
		return err
	}

	idx := o.signum
	if idx < 0 {
		idx = 0
	}

	// Reclaim file space only when the table sits at the end of the file;
	// anywhere else only the directory size shrinks.
	policy := certtable.ShrinkSizeOnly
	if off, size := img.CertTable(); off != 0 && int(off)+int(size) == img.Len() {
		policy = certtable.TruncateFile
	}

	if _, err := list.Remove(idx); err != nil {
		return err
	}
	if err := certtable.Commit(img, list, policy); err != nil {
		return err
	}
	return writeOutput(o.out, img.Bytes())
}

func runExportSig(opts docopt.Opts) error {
	o, err := parseOpts(opts)
	if err != nil {
		return err
	}
	if err := o.checkOutput(); err != nil {
		return err
	}
	img, err := loadImage(o.in)
	if err != nil {
		return err
	}
	list, err := certtable.Parse(img)
	if err != nil {
		return err
	}

	idx := o.signum
	if idx < 0 {
		idx = 0
	}
	rec, err := list.Get(idx)
	if err != nil {
		return err
	}

	data := rec.Content
	if o.ascii {
		data = pem.EncodeToMemory(&pem.Block{Type: sigPEMType, Bytes: data})
	}
	return writeOutput(o.out, data)
}

func runImportSig(opts docopt.Opts) error {
	o, err := parseOpts(opts)
	if err != nil {
		return err
	}
	if err := o.checkOutput(); err != nil {
		return err
	}
	sigPath, _ := opts.String("--sig")
	blob, err := readSignatureBlob(sigPath)
	if err != nil {
		return err
	}

	// Structural sanity before the blob lands in the image.
	if _, err := authenticode.Inspect(blob); err != nil {
		return err
	}

	img, err := loadImage(o.in)
	if err != nil {
		return err
	}
	if err := embed(img, blob, o.signum); err != nil {
		return err
	}
	return writeOutput(o.out, img.Bytes())
}

// readSignatureBlob reads an exported signature, accepting both raw DER and
// the --ascii PEM armor.
func readSignatureBlob(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFoundf("signature file %q does not exist", path)
		}
		return nil, errdefs.IOf("reading %q: %v", path, err)
	}
	if block, _ := pem.Decode(data); block != nil && block.Type == sigPEMType {
		return block.Bytes, nil
	}
	return data, nil
}

func runExportSattrs(opts docopt.Opts) error {
	o, err := parseOpts(opts)
	if err != nil {
		return err
	}
	if err := o.checkOutput(); err != nil {
		return err
	}
	img, err := loadImage(o.in)
	if err != nil {
		return err
	}
	_, attrs, err := computeAttributes(img, o.alg, o.padding)
	if err != nil {
		return err
	}
	return writeOutput(o.out, attrs.Bytes())
}

func runImportRawSig(opts docopt.Opts) error {
	o, err := parseOpts(opts)
	if err != nil {
		return err
	}
	if err := o.checkOutput(); err != nil {
		return err
	}
	if o.cert == "" {
		return errdefs.Configf("no certificate nickname given")
	}

	sattrsPath, _ := opts.String("--sattrs")
	sattrsDER, err := os.ReadFile(sattrsPath)
	if err != nil {
		return errdefs.WrapIO(err, "reading signed attributes")
	}
	attrs, err := authenticode.ParseSignedAttributes(sattrsDER)
	if err != nil {
		return err
	}

	rawsigPath, _ := opts.String("--rawsig")
	rawSig, err := os.ReadFile(rawsigPath)
	if err != nil {
		return errdefs.WrapIO(err, "reading raw signature")
	}

	img, err := loadImage(o.in)
	if err != nil {
		return err
	}
	digest, err := authenticode.ComputeDigest(img, o.alg, o.padding)
	if err != nil {
		return err
	}

	store, err := openStore(o)
	if err != nil {
		return err
	}
	defer store.Close()
	id, err := store.FindCertificate(o.cert, o.token)
	if err != nil {
		return err
	}

	blob, err := authenticode.WrapRawSignature(rawSig, digest, attrs, id.Certificate, id.Chain[1:])
	if err != nil {
		return err
	}
	if err := embed(img, blob, o.signum); err != nil {
		return err
	}
	return writeOutput(o.out, img.Bytes())
}

func runExportPubkey(opts docopt.Opts) error {
	return exportFromStore(opts, certstore.ExportPublicKeyPEM)
}

func runExportCert(opts docopt.Opts) error {
	return exportFromStore(opts, certstore.ExportCertificatePEM)
}

func exportFromStore(opts docopt.Opts, write func(io.Writer, *certstore.Identity) error) error {
	o, err := parseOpts(opts)
	if err != nil {
		return err
	}
	if err := o.checkOutput(); err != nil {
		return err
	}

	store, err := openStore(o)
	if err != nil {
		return err
	}
	defer store.Close()
	id, err := store.FindCertificate(o.cert, o.token)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(o.out), filepath.Base(o.out)+".tmp*")
	if err != nil {
		return errdefs.IOf("creating staging file: %v", err)
	}
	tmpPath := tmp.Name()
	if err := write(tmp, id); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errdefs.IOf("closing %q: %v", tmpPath, err)
	}
	if err := os.Rename(tmpPath, o.out); err != nil {
		os.Remove(tmpPath)
		return errdefs.IOf("renaming %q to %q: %v", tmpPath, o.out, err)
	}
	return nil
}

// serveDaemon runs the worker process: privileged store open first, then
// bind and serve until a termination signal.
func serveDaemon(cfg *daemon.Config, log *logrus.Logger) error {
	store, err := certstore.Open(cfg.CertDir)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := daemon.NewServer(store, cfg.SocketPath, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Infof("received %s", sig)
		srv.Close()
	}()

	return srv.ListenAndServe()
}
