package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseXMatrixAuthExtractsAllFields(t *testing.T) {
	header := `X-Matrix origin="sender.example.com",destination="receiver.example.com",key="ed25519:1",sig="abc123=="`

	auth, err := parseXMatrixAuth(header)
	require.NoError(t, err)
	assert.EqualValues(t, "sender.example.com", auth.Origin)
	assert.EqualValues(t, "receiver.example.com", auth.Destination)
	assert.EqualValues(t, "ed25519:1", auth.KeyID)
	assert.Equal(t, "abc123==", auth.Signature)
}

func TestParseXMatrixAuthWithoutQuotes(t *testing.T) {
	header := `X-Matrix origin=sender.example.com,key=ed25519:1,sig=abc123`

	auth, err := parseXMatrixAuth(header)
	require.NoError(t, err)
	assert.EqualValues(t, "sender.example.com", auth.Origin)
	assert.EqualValues(t, "ed25519:1", auth.KeyID)
	assert.Equal(t, "abc123", auth.Signature)
}

func TestParseXMatrixAuthRejectsWrongScheme(t *testing.T) {
	_, err := parseXMatrixAuth(`Bearer sometoken`)
	require.Error(t, err)
}

func TestParseXMatrixAuthRejectsMissingFields(t *testing.T) {
	_, err := parseXMatrixAuth(`X-Matrix origin="sender.example.com"`)
	require.Error(t, err)
}

func TestBuildSignedRequestJSONOmitsContentWhenEmpty(t *testing.T) {
	signed, err := buildSignedRequestJSON("PUT", "/_matrix/federation/v1/send/123", "sender.example.com", "receiver.example.com", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"method": "PUT",
		"uri": "/_matrix/federation/v1/send/123",
		"origin": "sender.example.com",
		"destination": "receiver.example.com"
	}`, string(signed))
}

func TestBuildSignedRequestJSONIncludesContent(t *testing.T) {
	signed, err := buildSignedRequestJSON("PUT", "/_matrix/federation/v1/send/123", "sender.example.com", "receiver.example.com", []byte(`{"pdus":[]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"method": "PUT",
		"uri": "/_matrix/federation/v1/send/123",
		"origin": "sender.example.com",
		"destination": "receiver.example.com",
		"content": {"pdus":[]}
	}`, string(signed))
}

func TestBuildSignedRequestJSONRejectsInvalidContent(t *testing.T) {
	_, err := buildSignedRequestJSON("PUT", "/uri", "a.com", "b.com", []byte(`not json`))
	require.Error(t, err)
}
