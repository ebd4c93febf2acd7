// Package client is the outbound half of the federation HTTP surface: it
// signs and sends the requests C10's sending queue and C3's key fetchers
// both depend on (federationapi/queue.Requester and
// federationapi/keyring.Requester are the same shape for exactly this
// reason).
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// defaultFederationPort is used when a destination server name carries no
// explicit port and no .well-known/SRV delegation has been resolved.
// Full delegation resolution (spec "Resolving server names") is out of
// scope here; this repo only ever talks to test fixtures and servers
// reachable by name or explicit port.
const defaultFederationPort = 8448

type Client struct {
	serverName spec.ServerName
	keyID      gomatrixserverlib.KeyID
	privateKey ed25519.PrivateKey
	httpClient *http.Client
}

// New builds a Client that signs every outbound request as serverName
// using keyID/privateKey, the same identity C3's keyring verifies
// incoming requests and events against. Every request's round trip is
// wrapped in an otelhttp span, so C10's sending queue and C3's key
// fetchers both get outbound tracing for free.
func New(serverName spec.ServerName, keyID gomatrixserverlib.KeyID, privateKey ed25519.PrivateKey, insecureSkipVerify bool) *Client {
	return &Client{
		serverName: serverName,
		keyID:      keyID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: otelhttp.NewTransport(&http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureSkipVerify},
			}),
		},
	}
}

// DoFederationRequest signs and sends a federation API request to
// destination, decoding a JSON response into out (if non-nil). path is
// the full request path starting with "/_matrix/...", matching what
// federationapi/routing.VerifyRequest checks on the receiving end. It
// satisfies both federationapi/queue.Requester and
// federationapi/keyring.Requester.
func (c *Client) DoFederationRequest(ctx context.Context, destination spec.ServerName, method, path string, body, out interface{}) error {
	url, err := resolveURL(destination, path)
	if err != nil {
		return err
	}

	var content []byte
	if body != nil {
		content, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request body: %w", err)
		}
	}

	signed, err := c.signRequest(method, path, destination, content)
	if err != nil {
		return fmt.Errorf("client: sign request: %w", err)
	}

	var reqBody io.Reader
	if content != nil {
		reqBody = bytes.NewReader(content)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if content != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", signed)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: request to %s: %w", destination, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("client: %s %s returned %d: %s", method, path, resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetEvent implements roomserver/internal/input.Federation: it fetches a
// single missing event by ID from origin (spec §4.2 step 4), the path
// the pipeline's request_missing_state takes when a referenced auth or
// prev event isn't in the local store.
func (c *Client) GetEvent(ctx context.Context, origin spec.ServerName, eventID string) (gomatrixserverlib.Transaction, error) {
	var txn gomatrixserverlib.Transaction
	path := fmt.Sprintf("/_matrix/federation/v1/event/%s", eventID)
	if err := c.DoFederationRequest(ctx, origin, http.MethodGet, path, nil, &txn); err != nil {
		return gomatrixserverlib.Transaction{}, fmt.Errorf("client: get event %s from %s: %w", eventID, origin, err)
	}
	return txn, nil
}

// signRequest builds the X-Matrix Authorization header value for a
// request this server is about to send, the send-side mirror of
// federationapi/routing.VerifyRequest's receive-side check: the signed
// object is {method, uri, origin, destination, content?}.
func (c *Client) signRequest(method, uri string, destination spec.ServerName, content []byte) (string, error) {
	object := map[string]interface{}{
		"method":      method,
		"uri":         uri,
		"origin":      string(c.serverName),
		"destination": string(destination),
	}
	if len(content) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(content, &decoded); err != nil {
			return "", fmt.Errorf("request content is not valid JSON: %w", err)
		}
		object["content"] = decoded
	}

	unsigned, err := json.Marshal(object)
	if err != nil {
		return "", err
	}
	signed, err := gomatrixserverlib.SignJSON(string(c.serverName), c.keyID, c.privateKey, unsigned)
	if err != nil {
		return "", err
	}

	var withSignatures struct {
		Signatures map[spec.ServerName]map[gomatrixserverlib.KeyID]spec.Base64Bytes `json:"signatures"`
	}
	if err := json.Unmarshal(signed, &withSignatures); err != nil {
		return "", err
	}
	sig, ok := withSignatures.Signatures[c.serverName][c.keyID]
	if !ok {
		return "", fmt.Errorf("signed object carries no signature for %s/%s", c.serverName, c.keyID)
	}
	sigJSON, err := json.Marshal(sig)
	if err != nil {
		return "", err
	}
	sigBase64 := string(bytes.Trim(sigJSON, `"`))

	return fmt.Sprintf(`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		c.serverName, destination, c.keyID, sigBase64), nil
}

func resolveURL(destination spec.ServerName, path string) (string, error) {
	host, port, valid := spec.ParseAndValidateServerName(destination)
	if !valid {
		return "", fmt.Errorf("client: invalid server name %q", destination)
	}
	if port < 0 {
		port = defaultFederationPort
	}
	return fmt.Sprintf("https://%s:%d%s", host, port, path), nil
}
