package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/sjson"
)

// xMatrixAuth is one entry of a request's (possibly multi-valued)
// Authorization header: `X-Matrix origin="a.com",destination="b.com",
// key="ed25519:1",sig="..."`.
type xMatrixAuth struct {
	Origin      spec.ServerName
	Destination spec.ServerName
	KeyID       gomatrixserverlib.KeyID
	Signature   string
}

var xMatrixParamRE = regexp.MustCompile(`(origin|destination|key|sig)="?([^",]+)"?`)

func parseXMatrixAuth(header string) (*xMatrixAuth, error) {
	const prefix = "X-Matrix "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, fmt.Errorf("routing: missing X-Matrix authorization scheme")
	}
	auth := &xMatrixAuth{}
	for _, m := range xMatrixParamRE.FindAllStringSubmatch(header[len(prefix):], -1) {
		switch m[1] {
		case "origin":
			auth.Origin = spec.ServerName(m[2])
		case "destination":
			auth.Destination = spec.ServerName(m[2])
		case "key":
			auth.KeyID = gomatrixserverlib.KeyID(m[2])
		case "sig":
			auth.Signature = m[2]
		}
	}
	if auth.Origin == "" || auth.KeyID == "" || auth.Signature == "" {
		return nil, fmt.Errorf("routing: incomplete X-Matrix authorization header")
	}
	return auth, nil
}

// VerifyRequest checks the X-Matrix signature on an incoming federation
// request against keyRing, per the server-server API's request-signing
// algorithm: the signed object is {method, uri, origin, destination,
// content?}, canonical-JSON encoded, matched against the origin's
// published key. Returns the verified origin server name.
func VerifyRequest(ctx context.Context, keyRing *gomatrixserverlib.KeyRing, req *http.Request, body []byte, ourServerName spec.ServerName) (spec.ServerName, error) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("routing: request has no Authorization header")
	}
	auth, err := parseXMatrixAuth(header)
	if err != nil {
		return "", err
	}
	if auth.Destination != "" && auth.Destination != ourServerName {
		return "", fmt.Errorf("routing: request destined for %q, not us", auth.Destination)
	}

	signed, err := buildSignedRequestJSON(req.Method, req.URL.RequestURI(), auth.Origin, ourServerName, body)
	if err != nil {
		return "", err
	}
	signed, err = sjson.SetBytes(signed, fmt.Sprintf("signatures.%s.%s", auth.Origin, auth.KeyID), auth.Signature)
	if err != nil {
		return "", err
	}

	results, err := keyRing.VerifyJSONs(ctx, []gomatrixserverlib.VerifyJSONRequest{{
		ServerName: auth.Origin,
		Message:    signed,
		AtTS:       spec.AsTimestamp(time.Now()),
	}})
	if err != nil {
		return "", fmt.Errorf("routing: verify X-Matrix signature: %w", err)
	}
	if len(results) == 0 || results[0].Error != nil {
		return "", fmt.Errorf("routing: X-Matrix signature from %q did not verify", auth.Origin)
	}
	return auth.Origin, nil
}

func buildSignedRequestJSON(method, uri string, origin, destination spec.ServerName, content []byte) ([]byte, error) {
	object := map[string]interface{}{
		"method":      method,
		"uri":         uri,
		"origin":      string(origin),
		"destination": string(destination),
	}
	if len(content) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(content, &decoded); err != nil {
			return nil, fmt.Errorf("routing: request body is not valid JSON: %w", err)
		}
		object["content"] = decoded
	}
	return json.Marshal(object)
}
