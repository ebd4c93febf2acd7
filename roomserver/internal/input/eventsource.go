package input

import (
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/tidwall/gjson"

	"github.com/coremx/homeserver/internal/shortid"
	"github.com/coremx/homeserver/roomserver/outliers"
	"github.com/coremx/homeserver/roomserver/stateres"
	"github.com/coremx/homeserver/roomserver/timeline"
	"github.com/coremx/homeserver/roomserver/types"
)

// eventSource is the combined outlier+timeline view of event metadata
// the rest of the pipeline and C9 need, addressed by short_event_id
// (spec §3 "arena-plus-index": events are referenced numerically, never
// held in a parent-child ownership relation).
type eventSource struct {
	interner *shortid.Interner
	outliers *outliers.Store
	timeline *timeline.Store
	versions *RoomVersions
}

func newEventSource(interner *shortid.Interner, outlierStore *outliers.Store, timelineStore *timeline.Store, versions *RoomVersions) *eventSource {
	return &eventSource{interner: interner, outliers: outlierStore, timeline: timelineStore, versions: versions}
}

var _ stateres.EventSource = (*eventSource)(nil)

// rawJSON returns an event's stored canonical JSON, checking the
// outlier store first (cheap point lookup) then the timeline.
func (s *eventSource) rawJSON(eventID string) ([]byte, error) {
	raw, err := s.outliers.Get(eventID)
	if err == nil {
		return raw, nil
	}
	if err != outliers.ErrNotFound {
		return nil, err
	}
	raw, err = s.timeline.PDUForEventID(eventID)
	if err != nil {
		return nil, fmt.Errorf("input: event %s not found as outlier or in timeline: %w", eventID, err)
	}
	return raw, nil
}

// Event resolves a short_event_id into its full EventInfo.
func (s *eventSource) Event(nid types.EventNID) (stateres.EventInfo, error) {
	eventID, err := s.interner.GetEventIDFromShort(nid)
	if err != nil {
		return stateres.EventInfo{}, err
	}
	raw, err := s.rawJSON(eventID)
	if err != nil {
		return stateres.EventInfo{}, err
	}
	return s.eventInfoFromJSON(nid, eventID, raw)
}

// EventNIDForID resolves an event_id to its short ID, interning it if
// this is the first time it's been seen (auth-chain closures and
// externally-provided state sets name events by event_id, not NID).
func (s *eventSource) EventNIDForID(eventID string) (types.EventNID, bool, error) {
	nid, err := s.interner.GetOrCreateShortEventID(eventID)
	if err != nil {
		return 0, false, err
	}
	return nid, true, nil
}

func (s *eventSource) eventInfoFromJSON(nid types.EventNID, eventID string, raw []byte) (stateres.EventInfo, error) {
	roomID := gjson.GetBytes(raw, "room_id").String()
	roomVersion, found, err := s.versions.Get(roomID)
	if err != nil {
		return stateres.EventInfo{}, err
	}
	if !found {
		roomVersion = gomatrixserverlib.RoomVersionV10
	}

	pdu, err := gomatrixserverlib.NewEventFromUntrustedJSON(raw, roomVersion)
	if err != nil {
		return stateres.EventInfo{}, fmt.Errorf("input: parse event %s: %w", eventID, err)
	}

	info := stateres.EventInfo{
		EventNID:       nid,
		EventID:        eventID,
		Type:           pdu.Type(),
		Sender:         string(pdu.SenderID()),
		OriginServerTS: pdu.OriginServerTS(),
		PDU:            pdu,
	}
	if sk := pdu.StateKey(); sk != nil {
		info.StateKey = sk
		skNID, err := s.interner.GetOrCreateShortStateKey(info.Type, *sk)
		if err != nil {
			return stateres.EventInfo{}, err
		}
		info.StateKeyNID = &skNID
	}

	for _, authID := range pdu.AuthEventIDs() {
		authNID, err := s.interner.GetOrCreateShortEventID(authID)
		if err != nil {
			return stateres.EventInfo{}, err
		}
		info.AuthEventNIDs = append(info.AuthEventNIDs, authNID)
	}
	return info, nil
}
