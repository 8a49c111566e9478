package main

import (
	"fmt"
	"os"

	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"

	"github.com/efisign/efisign/pkg/daemon"
)

const version = "1.0.0"

const usage = `efisign - Authenticode signing tool for PE/COFF images

Embeds, extracts and enumerates Authenticode signatures in PE executables,
backed by a directory-based certificate store and an optional privilege-
separated signing daemon.

Usage:
  efisign hash --in=<path> [--digest=<alg>] [--padding]
  efisign sign --in=<path> --out=<path> --cert=<nickname> [--certdir=<dir>] [--token=<name>] [--digest=<alg>] [--signum=<i>] [--padding] [--socket=<path>] [--force] [--verbose]
  efisign list --in=<path>
  efisign remove --in=<path> --out=<path> [--signum=<i>] [--force]
  efisign export-sig --in=<path> --out=<path> [--signum=<i>] [--ascii] [--force]
  efisign import-sig --in=<path> --out=<path> --sig=<path> [--signum=<i>] [--force]
  efisign export-sattrs --in=<path> --out=<path> [--digest=<alg>] [--padding] [--force]
  efisign import-raw-sig --in=<path> --out=<path> --sattrs=<path> --rawsig=<path> --cert=<nickname> [--certdir=<dir>] [--token=<name>] [--digest=<alg>] [--signum=<i>] [--padding] [--force]
  efisign export-pubkey --cert=<nickname> --out=<path> [--certdir=<dir>] [--token=<name>] [--force]
  efisign export-cert --cert=<nickname> --out=<path> [--certdir=<dir>] [--token=<name>] [--force]
  efisign daemon [--socket=<path>] [--certdir=<dir>] [--config=<path>] [--nofork] [--verbose]
  efisign -h | --help
  efisign --version

Commands:
  hash            Print the Authenticode digest of an image
  sign            Sign an image and embed the signature
  list            List the signatures embedded in an image
  remove          Remove an embedded signature by index
  export-sig      Export an embedded signature blob
  import-sig      Import a previously exported signature blob
  export-sattrs   Export the signed attributes for offline signing
  import-raw-sig  Combine exported attributes with an external raw signature
  export-pubkey   Export a certificate's public key as PEM
  export-cert     Export a certificate as PEM
  daemon          Run the privilege-separated signing daemon

Options:
  --in=<path>       Input PE image
  --out=<path>      Output file
  --force           Overwrite the output file if it exists
  --cert=<nickname> Certificate nickname in the store
  --certdir=<dir>   Certificate store directory (or EFISIGN_CERTDIR env var)
  --token=<name>    Token (store subdirectory) holding the certificate
  --digest=<alg>    Digest algorithm: sha1, sha256, sha384, sha512 [default: sha256]
  --signum=<i>      Signature index; sign/import append by default
  --sig=<path>      Signature blob to import
  --sattrs=<path>   Signed-attributes file produced by export-sattrs
  --rawsig=<path>   Raw signature value produced by an external signer
  --ascii           Wrap exported binary output in PEM armor
  --padding         Include trailing bytes past the section data in the digest
  --socket=<path>   Signing daemon socket; sign through the daemon when set
  --config=<path>   Daemon YAML config file
  --nofork          Run the daemon in the foreground without a supervisor
  --verbose         Enable debug logging
  -h --help         Show this help message
  --version         Show version

Environment Variables:
  EFISIGN_CERTDIR         Certificate store directory (overridden by --certdir)
  EFISIGN_STORE_PASSWORD  Import password for PKCS#12 store entries
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	commands := []struct {
		name string
		run  func(docopt.Opts) error
	}{
		{"hash", runHash},
		{"sign", runSign},
		{"list", runList},
		{"remove", runRemove},
		{"export-sig", runExportSig},
		{"import-sig", runImportSig},
		{"export-sattrs", runExportSattrs},
		{"import-raw-sig", runImportRawSig},
		{"export-pubkey", runExportPubkey},
		{"export-cert", runExportCert},
		{"daemon", runDaemon},
	}

	for _, cmd := range commands {
		if selected, _ := opts.Bool(cmd.name); !selected {
			continue
		}
		if err := cmd.run(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
}

func runDaemon(opts docopt.Opts) error {
	configPath, _ := opts.String("--config")
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if socket, _ := opts.String("--socket"); socket != "" {
		cfg.SocketPath = socket
	}
	if certdir, _ := opts.String("--certdir"); certdir != "" {
		cfg.CertDir = certdir
	}
	if nofork, _ := opts.Bool("--nofork"); nofork {
		cfg.NoFork = true
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if verbose, _ := opts.Bool("--verbose"); verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if cfg.NoFork || daemon.IsWorker() {
		return serveDaemon(cfg, log)
	}

	// Supervised mode: re-exec ourselves as the worker and restart it if
	// it dies.
	args := []string{"daemon", "--socket=" + cfg.SocketPath, "--certdir=" + cfg.CertDir}
	if configPath != "" {
		args = append(args, "--config="+configPath)
	}
	return daemon.NewSupervisor(args, log).Run()
}
