package routing

import (
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
)

// keyValidityPeriod is how far into the future this server's own
// published key is advertised as valid (spec "Publishing keys": servers
// are expected to republish well before expiry).
const keyValidityPeriod = 24 * time.Hour

type serverKeysResponse struct {
	ServerName   spec.ServerName                               `json:"server_name"`
	VerifyKeys   map[gomatrixserverlib.KeyID]verifyKeyResponse `json:"verify_keys"`
	ValidUntilTS spec.Timestamp                                `json:"valid_until_ts"`
}

type verifyKeyResponse struct {
	Key spec.Base64Bytes `json:"key"`
}

// KeyServer builds the GET /_matrix/key/v2/server handler: this server's
// own self-signed verify key document, the response C3's DirectKeyFetcher
// expects from every origin it queries
// (federationapi/keyring/fetchers.go's serverKeyResponse is this same
// shape on the consuming side).
func KeyServer(serverName spec.ServerName, keyID gomatrixserverlib.KeyID, privateKey ed25519.PrivateKey) http.HandlerFunc {
	publicKey := spec.Base64Bytes(privateKey.Public().(ed25519.PublicKey))

	return func(w http.ResponseWriter, r *http.Request) {
		doc := serverKeysResponse{
			ServerName:   serverName,
			VerifyKeys:   map[gomatrixserverlib.KeyID]verifyKeyResponse{keyID: {Key: publicKey}},
			ValidUntilTS: spec.AsTimestamp(time.Now().Add(keyValidityPeriod)),
		}
		unsigned, err := json.Marshal(doc)
		if err != nil {
			util.RespondWithJSON(w, http.StatusInternalServerError, spec.Unknown("failed to build key document"))
			return
		}
		signed, err := gomatrixserverlib.SignJSON(string(serverName), keyID, privateKey, unsigned)
		if err != nil {
			util.RespondWithJSON(w, http.StatusInternalServerError, spec.Unknown("failed to sign key document"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(signed)
	}
}
