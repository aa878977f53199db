package daemon

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/jkaessens/qmanager/pkg/qerr"
	"github.com/jkaessens/qmanager/pkg/transport"
)

// Config collects everything the daemon needs before it starts listening.
// Conflicts are rejected here, before the socket is opened.
type Config struct {
	Port     int  `envconfig:"PORT"`
	Insecure bool `envconfig:"INSECURE"`

	// CertFile is a PKCS#12 bundle with the server key, leaf certificate
	// and the full ascending trust chain.
	CertFile     string `envconfig:"CERT"`
	CertPassword string `envconfig:"CERT_PASSWORD"`

	// CAFiles are PEM bundles; when set, clients must present certificates
	// that verify against them (mutual trust).
	CAFiles []string `envconfig:"CA"`

	// PIDFile, when set, is acquired through the pidfile collaborator
	// before the daemon listens.
	PIDFile string `envconfig:"PIDFILE"`

	// StateFile, when set, persists jobs to SQLite and restores the queue
	// on startup. Empty keeps the queue purely in-memory.
	StateFile string `envconfig:"STATEFILE"`

	// Retain caps retained terminal jobs; 0 keeps everything.
	Retain int `envconfig:"RETAIN"`

	// EnableNotify turns on server-side execution of client-supplied
	// notify commands. Off by default; see executor.Notifier.
	EnableNotify bool `envconfig:"ENABLE_NOTIFY"`

	// DumpProtocol logs raw frames for debugging.
	DumpProtocol bool `envconfig:"DUMP_PROTOCOL"`
}

// FromEnv loads daemon settings from QMANAGER_* environment variables on
// top of an optional .env file, as a base for flag overrides.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("qmanager", &cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = transport.DefaultPort
	}
	return cfg, nil
}

// Validate rejects contradictory settings. The insecure switch and the TLS
// material are mutually exclusive; TLS mode needs a certificate.
func (c *Config) Validate() error {
	var problems []string

	if c.Insecure {
		if c.CertFile != "" {
			problems = append(problems, "--insecure cannot be combined with --cert")
		}
		if len(c.CAFiles) > 0 {
			problems = append(problems, "--insecure cannot be combined with --ca")
		}
	} else if c.CertFile == "" {
		problems = append(problems, "daemon mode requires --cert unless --insecure is given")
	}

	if c.Port < 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d", c.Port))
	}
	if c.Retain < 0 {
		problems = append(problems, "--retain must not be negative")
	}

	if len(problems) > 0 {
		return qerr.Newf(qerr.CodeConfigConflict, "%s", strings.Join(problems, "; "))
	}
	return nil
}
