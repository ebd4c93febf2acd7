package config

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndGeneratesKey(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "homeserver.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
global:
  server_name: example.com
  private_key: `+filepath.Join(dir, "matrix_key.pem")+`
`), 0600))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.EqualValues(t, "example.com", cfg.Global.ServerName)
	assert.EqualValues(t, "ed25519:auto", cfg.Global.KeyID)
	assert.Len(t, cfg.Global.PrivateKey, ed25519.PrivateKeySize)
	assert.Equal(t, ":8448", cfg.FederationAPI.Listen)
}

func TestLoadReusesExistingKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "matrix_key.pem")
	configPath := filepath.Join(dir, "homeserver.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
global:
  server_name: example.com
  private_key: `+keyPath+`
`), 0600))

	first, err := Load(configPath)
	require.NoError(t, err)

	second, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, first.Global.PrivateKey, second.Global.PrivateKey)
}

func TestLoadDefaultsServerNameWhenUnset(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "homeserver.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`version: 1`), 0600))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.EqualValues(t, "localhost", cfg.Global.ServerName)
}

func TestVerifyCatchesMissingDatabaseConnectionString(t *testing.T) {
	var errs ConfigErrors
	db := DatabaseOptions{}
	db.Verify(&errs)
	assert.NotEmpty(t, errs)
}

func TestGlobalDefaultsArePopulated(t *testing.T) {
	var g Global
	g.Defaults()

	assert.EqualValues(t, "localhost", g.ServerName)
	assert.EqualValues(t, "ed25519:auto", g.KeyID)
	assert.EqualValues(t, "homeserver.db", g.Database.ConnectionString)
}
