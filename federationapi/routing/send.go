// Package routing implements the federation HTTP surface (spec §4.2's
// entry point): PUT /_matrix/federation/v1/send/{txnID}, the transaction
// endpoint every other homeserver's outbound queue (this repo's own
// federationapi/queue, C10) ultimately calls.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/coremx/homeserver/setup/services"
)

const (
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100
)

// ValidateTransactionLimits enforces the Matrix spec's per-transaction
// caps (server-server API §"Transactions": max 50 PDUs, 100 EDUs).
func ValidateTransactionLimits(pduCount, eduCount int) error {
	if pduCount > maxPDUsPerTransaction {
		return fmt.Errorf("transaction PDU count %d exceeds limit of %d", pduCount, maxPDUsPerTransaction)
	}
	if eduCount > maxEDUsPerTransaction {
		return fmt.Errorf("transaction EDU count %d exceeds limit of %d", eduCount, maxEDUsPerTransaction)
	}
	return nil
}

// GenerateTransactionKey builds the dedup key for an in-flight
// transaction: origin and txnID alone aren't safely concatenable (one
// server's txnID could be a prefix of another's), so a NUL separator
// that can't appear in either component is used instead.
func GenerateTransactionKey(origin spec.ServerName, txnID gomatrixserverlib.TransactionID) string {
	return string(origin) + "\000" + string(txnID)
}

// inFlightTransactions deduplicates concurrent retransmissions of the
// same (origin, txnID): a server that times out waiting for our response
// will resend the identical transaction, and we want the retry to wait
// for the original rather than double-process every PDU in it.
var inFlightTransactions sync.Map // string -> chan *gomatrixserverlib.RespSend

type transactionBody struct {
	PDUs []json.RawMessage `json:"pdus"`
	EDUs []ephemeralEvent  `json:"edus"`
}

// ephemeralEvent is the wire shape of one EDU inside a transaction body.
type ephemeralEvent struct {
	EDUType string          `json:"edu_type"`
	Content json.RawMessage `json:"content"`
}

// Send implements PUT /_matrix/federation/v1/send/{txnID}: it validates
// the transaction, routes every PDU through hs.Input.HandleIncomingPDU,
// and reports per-event success/failure the way the Matrix spec requires
// (per-event failures live in the body of a 200 response; only a body
// that fails to decode or exceeds the PDU/EDU limits gets a 400).
func Send(ctx context.Context, hs *services.Homeserver, origin spec.ServerName, txnID gomatrixserverlib.TransactionID, body []byte) (*gomatrixserverlib.RespSend, *util.JSONResponse) {
	key := GenerateTransactionKey(origin, txnID)
	ch := make(chan *gomatrixserverlib.RespSend, 1)
	if existing, loaded := inFlightTransactions.LoadOrStore(key, ch); loaded {
		resp := <-existing.(chan *gomatrixserverlib.RespSend)
		return resp, nil
	}
	defer inFlightTransactions.Delete(key)
	defer close(ch)

	var txn transactionBody
	if err := json.Unmarshal(body, &txn); err != nil {
		return nil, &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("the transaction body could not be decoded as JSON: " + err.Error()),
		}
	}
	if err := ValidateTransactionLimits(len(txn.PDUs), len(txn.EDUs)); err != nil {
		resp := &util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.BadJSON(err.Error())}
		return nil, resp
	}

	results := make(map[string]gomatrixserverlib.PDUResult, len(txn.PDUs))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, raw := range txn.PDUs {
		raw := raw
		g.Go(func() error {
			eventID, result := processPDU(gctx, hs, origin, raw)
			if eventID != "" {
				resultsMu.Lock()
				results[eventID] = result
				resultsMu.Unlock()
			}
			return nil
		})
	}
	for _, edu := range txn.EDUs {
		processEDU(ctx, hs, origin, edu)
	}
	_ = g.Wait()

	resp := &gomatrixserverlib.RespSend{PDUs: results}
	ch <- resp
	return resp, nil
}

// processPDU runs one PDU of the transaction through the pipeline,
// returning the event ID it resolved to (empty if the event couldn't
// even be parsed, in which case there's no ID to key a PDUResult on) and
// the per-event outcome the transaction response reports.
func processPDU(ctx context.Context, hs *services.Homeserver, origin spec.ServerName, raw json.RawMessage) (string, gomatrixserverlib.PDUResult) {
	roomID := gjson.GetBytes(raw, "room_id").String()
	if roomID == "" {
		logrus.Warn("transaction PDU missing room_id, dropping")
		return "", gomatrixserverlib.PDUResult{}
	}

	roomVersion, found, err := hs.Input.RoomVersions.Get(roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("failed to look up room version")
		return "", gomatrixserverlib.PDUResult{}
	}
	if !found {
		roomVersion = gomatrixserverlib.RoomVersionV10
	}

	event, err := gomatrixserverlib.NewEventFromUntrustedJSON(raw, roomVersion)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("failed to parse PDU")
		return "", gomatrixserverlib.PDUResult{Error: err.Error()}
	}
	eventID := event.EventID()

	if _, err := hs.Input.HandleIncomingPDU(ctx, origin, roomID, eventID, raw, true); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id":  roomID,
			"event_id": eventID,
		}).Warn("failed to handle incoming PDU")
		return eventID, gomatrixserverlib.PDUResult{Error: err.Error()}
	}
	return eventID, gomatrixserverlib.PDUResult{}
}

// processEDU dispatches one ephemeral event to whichever of C12's stores
// understands it; unrecognised EDU types are logged and dropped, since
// the transaction response has no per-EDU result slot to report them in.
func processEDU(ctx context.Context, hs *services.Homeserver, origin spec.ServerName, edu ephemeralEvent) {
	switch edu.EDUType {
	case "m.typing":
		var content struct {
			RoomID string `json:"room_id"`
			UserID string `json:"user_id"`
			Typing bool   `json:"typing"`
		}
		if err := json.Unmarshal(edu.Content, &content); err != nil {
			logrus.WithError(err).Warn("failed to parse m.typing EDU")
			return
		}
		if content.Typing {
			hs.Typing.AddTypingUser(content.UserID, content.RoomID, nil)
		} else {
			hs.Typing.RemoveUser(content.UserID, content.RoomID)
		}
	default:
		logrus.WithFields(logrus.Fields{
			"edu_type": edu.EDUType,
			"origin":   origin,
		}).Debug("ignoring unrecognised EDU type")
	}
}
