package stateres

import (
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/coremx/homeserver/roomserver/types"
)

// EventInfo is everything the resolver needs about one event, independent
// of how it is stored (outlier or timeline).
type EventInfo struct {
	EventNID       types.EventNID
	EventID        string
	Type           string
	StateKey       *string            // nil for non-state events
	StateKeyNID    *types.StateKeyNID // nil for non-state events
	Sender         string
	OriginServerTS spec.Timestamp
	AuthEventNIDs  []types.EventNID
	PDU            gomatrixserverlib.PDU
}

// EventSource resolves event metadata by short_event_id. The roomserver
// wires this to the timeline/outlier stores' combined view.
type EventSource interface {
	Event(nid types.EventNID) (EventInfo, error)

	// EventNIDForID resolves an event_id to its short ID, used when the
	// resolver needs to look up auth-chain closure members (C5 returns
	// event_ids, not short IDs) and existing state set entries that were
	// only named by event_id.
	EventNIDForID(eventID string) (types.EventNID, bool, error)
}

// AuthChain closes a set of short_event_ids under auth_events (C5).
type AuthChain interface {
	GetEventIDs(roomID string, startingEvents []string) (map[string]struct{}, error)
}
