// Package config is C13's configuration surface: one YAML document
// (gopkg.in/yaml.v2, the teacher's marshaller) unmarshalled into HomeServer,
// defaulted, and verified before any other component is constructed.
package config

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"gopkg.in/yaml.v2"
)

// Path is a filesystem path, relative or absolute, as it appears in YAML.
type Path string

// DataSource is a database connection string, kept as its own type so it
// can't be mixed up with an arbitrary string in a function signature.
type DataSource string

// ConfigErrors accumulates every problem found while verifying a config,
// so a misconfigured deployment is reported all at once rather than one
// field at a time across repeated restarts.
type ConfigErrors []string

func (e *ConfigErrors) Add(err string) {
	*e = append(*e, err)
}

func checkNotEmpty(errs *ConfigErrors, key, value string) {
	if value == "" {
		errs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(errs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		errs.Add(fmt.Sprintf("config key %q must be positive, got %d", key, value))
	}
}

// DatabaseOptions configures the on-disk KV store (C1, backed by
// go.etcd.io/bbolt).
type DatabaseOptions struct {
	ConnectionString DataSource `yaml:"connection_string"`
}

func (d *DatabaseOptions) Defaults() {
	if d.ConnectionString == "" {
		d.ConnectionString = "homeserver.db"
	}
}

func (d *DatabaseOptions) Verify(errs *ConfigErrors) {
	checkNotEmpty(errs, "database.connection_string", string(d.ConnectionString))
}

// Global holds identity and cross-cutting settings every other section
// depends on.
type Global struct {
	// ServerName is this homeserver's federation identity, e.g. "example.com".
	ServerName spec.ServerName `yaml:"server_name"`

	// KeyID names the signing key below, e.g. "ed25519:auto".
	KeyID gomatrixserverlib.KeyID `yaml:"key_id"`

	// PrivateKeyPath points at a 32-byte raw ed25519 seed on disk. A
	// missing file is generated and written on first start.
	PrivateKeyPath Path `yaml:"private_key"`

	// PrivateKey is populated by Load from PrivateKeyPath; never
	// marshalled back out.
	PrivateKey ed25519.PrivateKey `yaml:"-"`

	Database DatabaseOptions `yaml:"database"`
	Logging  Logging         `yaml:"logging"`
	Sentry   Sentry          `yaml:"sentry"`
	Tracing  Tracing         `yaml:"tracing"`
}

func (g *Global) Defaults() {
	if g.ServerName == "" {
		g.ServerName = "localhost"
	}
	if g.KeyID == "" {
		g.KeyID = "ed25519:auto"
	}
	if g.PrivateKeyPath == "" {
		g.PrivateKeyPath = "matrix_key.pem"
	}
	g.Database.Defaults()
	g.Logging.Defaults()
	g.Sentry.Defaults()
}

func (g *Global) Verify(errs *ConfigErrors) {
	checkNotEmpty(errs, "global.server_name", string(g.ServerName))
	checkNotEmpty(errs, "global.key_id", string(g.KeyID))
	g.Database.Verify(errs)
}

// FederationAPI configures the inbound federation HTTP surface
// (federationapi/routing) and the outbound queue (federationapi/queue).
type FederationAPI struct {
	Listen       string       `yaml:"listen"`
	RateLimiting RateLimiting `yaml:"rate_limiting"`

	// DisableTLSValidation skips certificate verification on outbound
	// federation requests; used for development deployments that front
	// federation with a reverse proxy terminating TLS separately.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`
}

func (f *FederationAPI) Defaults() {
	if f.Listen == "" {
		f.Listen = ":8448"
	}
	f.RateLimiting.Defaults()
}

func (f *FederationAPI) Verify(errs *ConfigErrors) {
	checkNotEmpty(errs, "federation_api.listen", f.Listen)
}

// HomeServer is the top-level config document.
type HomeServer struct {
	Version int `yaml:"version"`

	Global        Global        `yaml:"global"`
	FederationAPI FederationAPI `yaml:"federation_api"`
}

func (c *HomeServer) Defaults() {
	c.Version = 1
	c.Global.Defaults()
	c.FederationAPI.Defaults()
}

func (c *HomeServer) Verify() ConfigErrors {
	var errs ConfigErrors
	c.Global.Verify(&errs)
	c.FederationAPI.Verify(&errs)
	return errs
}

// Load reads path, applies defaults for anything left unset, loads or
// generates the server's signing key, and verifies the result.
func Load(path string) (*HomeServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg HomeServer
	cfg.Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	key, err := loadOrGenerateKey(cfg.Global.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("config: signing key: %w", err)
	}
	cfg.Global.PrivateKey = key

	if errs := cfg.Verify(); len(errs) > 0 {
		return nil, fmt.Errorf("config: invalid configuration: %v", []string(errs))
	}
	return &cfg, nil
}

// loadOrGenerateKey reads a 32-byte ed25519 seed from path, generating and
// persisting a fresh one if the file doesn't exist yet. Dendrite's actual
// on-disk key format is PEM-wrapped; this repo keeps the raw seed instead
// since nothing in the retrieved corpus pins down that encoding exactly.
func loadOrGenerateKey(path Path) (ed25519.PrivateKey, error) {
	seed, err := os.ReadFile(string(path))
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key at %s is %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.WriteFile(string(path), priv.Seed(), 0600); err != nil {
		return nil, fmt.Errorf("persist signing key to %s: %w", path, err)
	}
	return priv, nil
}
