package routing

import (
	"crypto/ed25519"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/coremx/homeserver/internal/httputil"
	"github.com/coremx/homeserver/setup/services"
)

// Register mounts the federation HTTP surface this homeserver actually
// serves onto router: PUT /_matrix/federation/v1/send/{txnID}, the only
// inbound edge spec §4.2's pipeline is driven from, plus GET
// /_matrix/key/v2/server so other homeservers can resolve our signing
// key without a notary. Every /send request is X-Matrix signature
// verified and rate limited, keyed on the verified origin, before Send
// ever sees it; the key server endpoint needs no such check since it's
// how verification keys are discovered in the first place.
func Register(router *mux.Router, hs *services.Homeserver, limits *httputil.RateLimits, keyID gomatrixserverlib.KeyID, privateKey ed25519.PrivateKey) {
	v1 := router.PathPrefix("/_matrix/federation/v1").Subrouter()
	v1.Handle("/send/{txnID}", sendHandler(hs, limits)).Methods(http.MethodPut)

	router.Handle("/_matrix/key/v2/server", KeyServer(hs.ServerName, keyID, privateKey)).Methods(http.MethodGet)
}

func sendHandler(hs *services.Homeserver, limits *httputil.RateLimits) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if resp := limits.Limit(r, nil); resp != nil {
			util.RespondWithJSON(w, resp.Code, resp.JSON)
			return
		}

		body, err := readBody(r)
		if err != nil {
			util.RespondWithJSON(w, http.StatusBadRequest, spec.NotJSON("could not read request body"))
			return
		}

		origin, err := VerifyRequest(r.Context(), hs.Input.KeyRing, r, body, hs.ServerName)
		if err != nil {
			logrus.WithError(err).Warn("federation request failed X-Matrix verification")
			util.RespondWithJSON(w, http.StatusForbidden, spec.Forbidden(err.Error()))
			return
		}
		if resp := limits.Limit(r, &origin); resp != nil {
			util.RespondWithJSON(w, resp.Code, resp.JSON)
			return
		}

		txnID := gomatrixserverlib.TransactionID(mux.Vars(r)["txnID"])
		result, jsonErr := Send(r.Context(), hs, origin, txnID, body)
		if jsonErr != nil {
			util.RespondWithJSON(w, jsonErr.Code, jsonErr.JSON)
			return
		}
		util.RespondWithJSON(w, http.StatusOK, result)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
