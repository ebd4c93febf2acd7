package client

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveURLDefaultsToStandardPort(t *testing.T) {
	url, err := resolveURL("example.com", "/_matrix/federation/v1/send/1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com:8448/_matrix/federation/v1/send/1", url)
}

func TestResolveURLHonoursExplicitPort(t *testing.T) {
	url, err := resolveURL("example.com:8000", "/_matrix/federation/v1/send/1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com:8000/_matrix/federation/v1/send/1", url)
}

func TestResolveURLRejectsInvalidServerName(t *testing.T) {
	_, err := resolveURL("not a server name", "/_matrix/federation/v1/send/1")
	require.Error(t, err)
}

func TestSignRequestProducesVerifiableXMatrixHeader(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c := New("sender.example.com", "ed25519:1", priv, false)
	header, err := c.signRequest("PUT", "/_matrix/federation/v1/send/1", "receiver.example.com", []byte(`{"pdus":[]}`))
	require.NoError(t, err)

	assert.Contains(t, header, `origin="sender.example.com"`)
	assert.Contains(t, header, `destination="receiver.example.com"`)
	assert.Contains(t, header, `key="ed25519:1"`)
	assert.Contains(t, header, `sig="`)
}

func TestSignRequestRejectsInvalidContent(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c := New("sender.example.com", "ed25519:1", priv, false)
	_, err = c.signRequest("PUT", "/uri", "receiver.example.com", []byte(`not json`))
	require.Error(t, err)
}

func TestSignRequestAcceptsNilContentForGET(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c := New("sender.example.com", "ed25519:1", priv, false)
	header, err := c.signRequest("GET", "/_matrix/federation/v1/event/$abc", "receiver.example.com", nil)
	require.NoError(t, err)
	require.NotEmpty(t, header)
}
