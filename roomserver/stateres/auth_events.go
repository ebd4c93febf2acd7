package stateres

import (
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/coremx/homeserver/roomserver/types"
)

// authEventsForCheck builds the gomatrixserverlib.AuthEvents view of the
// partially-resolved state, used to auth-check the next candidate event
// (spec §4.3). infos is a cache of already-loaded candidate events; state
// entries outside that set (the untouched unconflicted portion) are
// fetched on demand.
func (r *Resolver) authEventsForCheck(resolved map[types.StateKeyNID]types.EventNID, infos map[types.EventNID]EventInfo) (gomatrixserverlib.AuthEvents, error) {
	authEvents, err := gomatrixserverlib.NewAuthEvents(nil)
	if err != nil {
		return gomatrixserverlib.AuthEvents{}, err
	}
	for _, nid := range resolved {
		info, ok := infos[nid]
		if !ok {
			loaded, err := r.events.Event(nid)
			if err != nil {
				return gomatrixserverlib.AuthEvents{}, err
			}
			info = loaded
			infos[nid] = info
		}
		if info.PDU == nil {
			continue
		}
		if err := authEvents.AddEvent(info.PDU); err != nil {
			return gomatrixserverlib.AuthEvents{}, err
		}
	}
	return authEvents, nil
}

// userIDForSender is the identity mapping gomatrixserverlib.Allowed needs
// to translate a sender ID into the user ID auth rules reason about.
// Matrix room versions up to the ones this package targets use the user
// ID directly as the sender, so no room-version-specific translation
// table is needed here.
func userIDForSender(roomID spec.RoomID, senderID spec.SenderID) (*spec.UserID, error) {
	return spec.NewUserID(string(senderID), true)
}
