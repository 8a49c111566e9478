package daemon

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/efisign/efisign/pkg/errdefs"
)

// Config controls a daemon instance. All fields are optional; zero values
// fall back to the defaults below.
type Config struct {
	// SocketPath is the unix socket the daemon binds.
	SocketPath string `yaml:"socket,omitempty"`

	// CertDir is the certificate store directory.
	CertDir string `yaml:"certdir,omitempty"`

	// LogLevel is a logrus level name, e.g. "info" or "debug".
	LogLevel string `yaml:"logLevel,omitempty"`

	// NoFork keeps the daemon in the foreground instead of running it
	// under the supervisor.
	NoFork bool `yaml:"nofork,omitempty"`
}

// DefaultSocketPath returns the per-user default socket location.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "efisign", "daemon.sock")
	}
	return filepath.Join(os.TempDir(), "efisign-daemon.sock")
}

// DefaultCertDir returns the default certificate store location.
func DefaultCertDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".efisign", "certs")
	}
	return "/etc/efisign/certs"
}

// LoadConfig reads a YAML config file and fills in defaults. An empty path
// returns a default config.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errdefs.NotFoundf("config file %q does not exist", path)
			}
			return nil, errdefs.IOf("reading config file %q: %v", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errdefs.Configf("parsing config file %q: %v", path, err)
		}
	}

	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if cfg.CertDir == "" {
		cfg.CertDir = DefaultCertDir()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}
