package input

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/coremx/homeserver/federationapi/keyring"
)

// handleOutlierPDU is spec §4.2 step 3: verify the event's signatures
// and content hash, make sure its auth_events are known (fetching them
// as outliers if not), run the auth check against them, and reject on
// failure. Every event passes through here at least once before it can
// ever reach the timeline.
func (r *Inputer) handleOutlierPDU(ctx context.Context, origin spec.ServerName, roomID, eventID string, value []byte, logger *logrus.Entry) (gomatrixserverlib.PDU, error) {
	if has, err := r.Outliers.Has(eventID); err != nil {
		return nil, err
	} else if has {
		raw, err := r.Outliers.Get(eventID)
		if err != nil {
			return nil, err
		}
		return r.parsePDU(roomID, raw)
	}

	roomVersion, found, err := r.RoomVersions.Get(roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		roomVersion = gomatrixserverlib.RoomVersionV10
	}

	pdu, err := gomatrixserverlib.NewEventFromUntrustedJSON(value, roomVersion)
	if err != nil {
		return nil, fmt.Errorf("input: parse outlier %s: %w", eventID, err)
	}

	if pdu.Type() == "m.room.create" {
		if v := gomatrixserverlib.RoomVersion(gjson.GetBytes(pdu.JSON(), "content.room_version").String()); v != "" {
			roomVersion = v
		}
		if err := r.RoomVersions.Set(roomID, roomVersion); err != nil {
			return nil, err
		}
	}

	verdict, err := keyring.VerifyEvent(ctx, r.KeyRing, pdu, roomVersion)
	if err != nil {
		return nil, fmt.Errorf("input: verify event %s: %w", eventID, err)
	}
	switch verdict {
	case keyring.VerdictErr:
		return nil, fmt.Errorf("input: event %s failed signature verification", eventID)
	case keyring.VerdictSignatures:
		pdu.Redact()
		logger.Warn("event failed content hash check, storing redacted form")
	}

	if err := r.fetchAndHandleOutliers(ctx, origin, roomID, pdu.AuthEventIDs(), logger); err != nil {
		return nil, fmt.Errorf("input: fetch auth events for %s: %w", eventID, err)
	}

	if err := r.checkAuth(pdu, logger); err != nil {
		return nil, fmt.Errorf("input: event %s rejected by auth check: %w", eventID, err)
	}

	if err := r.Outliers.Put(eventID, pdu.JSON()); err != nil {
		return nil, err
	}
	return pdu, nil
}

// parsePDU parses a previously-stored outlier/timeline JSON blob using
// the room's current known version.
func (r *Inputer) parsePDU(roomID string, raw []byte) (gomatrixserverlib.PDU, error) {
	roomVersion, found, err := r.RoomVersions.Get(roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		roomVersion = gomatrixserverlib.RoomVersionV10
	}
	return gomatrixserverlib.NewEventFromUntrustedJSON(raw, roomVersion)
}

// checkAuth runs the state-res v2 auth check (spec §4.2 step 3) against
// the event map built from pdu's own named auth_events, returning a
// non-nil error if the event must be rejected: either because two of
// its auth_events share the same (type, state_key) pair, or because the
// auth check itself fails. Rejection here is terminal; a rejected event
// is not stored as an outlier and the pipeline reports an error.
func (r *Inputer) checkAuth(pdu gomatrixserverlib.PDU, logger *logrus.Entry) error {
	authEvents, err := gomatrixserverlib.NewAuthEvents(nil)
	if err != nil {
		return fmt.Errorf("input: build auth events context: %w", err)
	}
	seen := make(map[[2]string]struct{}, len(pdu.AuthEventIDs()))
	for _, authID := range pdu.AuthEventIDs() {
		raw, err := r.events.rawJSON(authID)
		if err != nil {
			continue
		}
		authPDU, err := r.parsePDU(pdu.RoomID().String(), raw)
		if err != nil {
			continue
		}
		if authPDU.StateKey() != nil {
			key := [2]string{authPDU.Type(), *authPDU.StateKey()}
			if _, dup := seen[key]; dup {
				return fmt.Errorf("input: duplicate auth event for type %q state_key %q", key[0], key[1])
			}
			seen[key] = struct{}{}
		}
		if err := authEvents.AddEvent(authPDU); err != nil {
			return fmt.Errorf("input: add auth event %s: %w", authID, err)
		}
	}
	if err := gomatrixserverlib.Allowed(pdu, authEvents, userIDForSenderPDU); err != nil {
		logger.WithError(err).Debug("event rejected by auth check")
		return fmt.Errorf("input: auth check failed: %w", err)
	}
	return nil
}

func userIDForSenderPDU(roomID spec.RoomID, senderID spec.SenderID) (*spec.UserID, error) {
	return spec.NewUserID(string(senderID), true)
}
