package input

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coremx/homeserver/federationapi/keyring"
	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/internal/shortid"
	"github.com/coremx/homeserver/roomserver/authchain"
	"github.com/coremx/homeserver/roomserver/outliers"
	"github.com/coremx/homeserver/roomserver/statecompress"
	"github.com/coremx/homeserver/roomserver/stateres"
	"github.com/coremx/homeserver/roomserver/timeline"
	"github.com/coremx/homeserver/roomserver/types"
)

// tracer emits the spans C8's pipeline creates around handling each
// incoming PDU, one per HandleIncomingPDU call including step 7's
// recursion into prev_events.
var tracer = otel.Tracer("github.com/coremx/homeserver/roomserver/internal/input")

// PduID is the (room_nid, pdu_count) pair handle_incoming_pdu returns on
// success (spec §4.2: "handle_incoming_pdu(...) -> Option<pdu_id>").
type PduID struct {
	RoomNID types.RoomNID
	Count   timeline.PduCount
}

// SendingQueue is the C10 seam: enqueueing outbound fan-out for all
// servers in a room (spec §4.2 step 8) except the origin.
type SendingQueue interface {
	EnqueueForServers(roomID string, servers []spec.ServerName, pduJSON []byte) error
}

// SearchIndexer is the C11 seam: indexing an appended event's tokens.
type SearchIndexer interface {
	IndexEvent(roomNID types.RoomNID, count timeline.PduCount, pdu gomatrixserverlib.PDU) error
}

// RoomMembership resolves the set of servers currently joined to a room,
// needed both for ACL-adjacent decisions and for C10 fan-out.
type RoomMembership interface {
	JoinedServers(roomID string) ([]spec.ServerName, error)
}

// Inputer is C8, wiring together C2 (shortid), C3 (keyring), C4
// (statecompress), C5 (authchain), C6 (timeline), C7 (outliers), and C9
// (stateres) around the incoming-PDU pipeline (spec §4.2).
type Inputer struct {
	OurServerName spec.ServerName

	Interner     *shortid.Interner
	Outliers     *outliers.Store
	Timeline     *timeline.Store
	Compressor   *statecompress.Compressor
	AuthChain    *authchain.Index
	Resolver     *stateres.Resolver
	KeyRing      *gomatrixserverlib.KeyRing
	KeyringStore *keyring.Store
	RoomVersions *RoomVersions
	Gate         *RoomGate
	Backoff      *BackoffTable
	HandleTimes  *HandleTimeTable
	Federation   Federation
	SendQueue    SendingQueue
	Search       SearchIndexer
	Membership   RoomMembership

	events  *eventSource
	mutexes *roomMutexes
	log     *logrus.Entry
}

// New wires an Inputer from its component dependencies. Resolver and
// AuthChain must share the same Interner/Outliers/Timeline as events
// passed here, since the EventSource built internally is what feeds C9.
func New(
	ourServerName spec.ServerName,
	interner *shortid.Interner,
	outlierStore *outliers.Store,
	timelineStore *timeline.Store,
	compressor *statecompress.Compressor,
	authChain *authchain.Index,
	keyRing *gomatrixserverlib.KeyRing,
	keyringStore *keyring.Store,
	kvStore kv.Store,
	federation Federation,
	sendQueue SendingQueue,
	search SearchIndexer,
	membership RoomMembership,
) *Inputer {
	versions := NewRoomVersions(kvStore)
	src := newEventSource(interner, outlierStore, timelineStore, versions)

	inp := &Inputer{
		OurServerName: ourServerName,
		Interner:      interner,
		Outliers:      outlierStore,
		Timeline:      timelineStore,
		Compressor:    compressor,
		AuthChain:     authChain,
		KeyRing:       keyRing,
		KeyringStore:  keyringStore,
		RoomVersions:  versions,
		Gate:          NewRoomGate(kvStore),
		Backoff:       NewBackoffTable(),
		HandleTimes:   NewHandleTimeTable(),
		Federation:    federation,
		SendQueue:     sendQueue,
		Search:        search,
		Membership:    membership,
		events:        src,
		mutexes:       newRoomMutexes(),
		log:           logrus.NewEntry(logrus.StandardLogger()),
	}
	inp.Resolver = stateres.New(src, authChain)
	return inp
}

// HandleIncomingPDU is the public entry point (spec §4.2). It wraps the
// pipeline in a span so C8's processing, including step 7's recursion
// into prev_events, shows up as a trace.
func (r *Inputer) HandleIncomingPDU(ctx context.Context, origin spec.ServerName, roomID, eventID string, value []byte, isTimelineEvent bool) (*PduID, error) {
	ctx, span := tracer.Start(ctx, "input.HandleIncomingPDU", trace.WithAttributes(
		attribute.String("room_id", roomID),
		attribute.String("event_id", eventID),
		attribute.String("origin", string(origin)),
	))
	defer span.End()

	pduID, err := r.handleIncomingPDU(ctx, origin, roomID, eventID, value, isTimelineEvent)
	if err != nil {
		span.RecordError(err)
	}
	return pduID, err
}

// handleIncomingPDU runs the numbered pipeline steps themselves (spec §4.2).
func (r *Inputer) handleIncomingPDU(ctx context.Context, origin spec.ServerName, roomID, eventID string, value []byte, isTimelineEvent bool) (*PduID, error) {
	logger := r.log.WithFields(logrus.Fields{
		"event_id": eventID,
		"room_id":  roomID,
		"origin":   origin,
	})

	// Step 1: de-dup.
	if roomNID, count, found, err := r.Timeline.PduIDForEventID(eventID); err != nil {
		return nil, fmt.Errorf("input: dedup lookup: %w", err)
	} else if found {
		return &PduID{RoomNID: roomNID, Count: count}, nil
	}

	// Step 2: room gating.
	if err := r.checkRoomGate(roomID, origin, value); err != nil {
		return nil, err
	}

	// Step 3: outlier promotion.
	pdu, err := r.handleOutlierPDU(ctx, origin, roomID, eventID, value, logger)
	if err != nil {
		return nil, err
	}

	// Step 5: stop if this was only requested as an ancestor.
	if !isTimelineEvent {
		return nil, nil
	}

	// Step 6: drop if too old.
	tooOld, err := r.isBeforeFirstPDU(roomID, pdu)
	if err != nil {
		return nil, err
	}
	if tooOld {
		logger.Debug("dropping event older than room's first timeline pdu")
		return nil, nil
	}

	// Step 7: prev-event recursion.
	for _, prevID := range pdu.PrevEventIDs() {
		if _, _, found, err := r.Timeline.PduIDForEventID(prevID); err != nil {
			return nil, fmt.Errorf("input: prev event lookup: %w", err)
		} else if found {
			continue
		}
		r.HandleTimes.Register(roomID, prevID)
		prevRaw, err := r.fetchPrevEvent(ctx, origin, prevID, logger)
		if err != nil {
			r.HandleTimes.Unregister(roomID, prevID)
			return nil, fmt.Errorf("input: missing prev event %s: %w", prevID, err)
		}
		_, err = r.HandleIncomingPDU(ctx, origin, roomID, prevID, prevRaw, true)
		r.HandleTimes.Unregister(roomID, prevID)
		if err != nil {
			return nil, fmt.Errorf("input: recursing into prev event %s: %w", prevID, err)
		}
	}

	// Step 8: promote to timeline.
	release := r.mutexes.lockFederationAndState(roomID)
	defer release()
	return r.upgradeOutlierToTimelinePDU(ctx, origin, roomID, pdu, logger)
}

// checkRoomGate implements step 2: global server ban, disabled room, and
// ACL checks. A room with no short ID yet is not rejected and skips the
// disabled check.
func (r *Inputer) checkRoomGate(roomID string, origin spec.ServerName, value []byte) error {
	if banned, err := r.Gate.IsServerBanned(string(origin)); err != nil {
		return err
	} else if banned {
		return fmt.Errorf("input: origin %s is globally banned", origin)
	}

	if _, found, err := r.Interner.GetShortRoomID(roomID); err != nil {
		return err
	} else if found {
		if disabled, err := r.Gate.IsDisabled(roomID); err != nil {
			return err
		} else if disabled {
			return fmt.Errorf("input: room %s is disabled", roomID)
		}
	}

	aclRaw, err := r.currentACLContent(roomID)
	if err != nil || aclRaw == nil {
		return err
	}
	sender := gjson.GetBytes(value, "sender").String()
	senderServer := serverNameFromUserID(sender)
	if !CheckACL(aclRaw, string(origin)) || (senderServer != "" && !CheckACL(aclRaw, senderServer)) {
		return fmt.Errorf("input: denied by room %s server ACL", roomID)
	}
	return nil
}

// currentACLContent returns the room's current m.room.server_acl content
// JSON, or nil if the room has none (new room, or ACL not set).
func (r *Inputer) currentACLContent(roomID string) ([]byte, error) {
	roomNID, found, err := r.Interner.GetShortRoomID(roomID)
	if err != nil || !found {
		return nil, err
	}
	extremities, err := r.Timeline.CurrentExtremities(roomNID)
	if err != nil || len(extremities) == 0 {
		return nil, err
	}
	extNID, err := r.Interner.GetOrCreateShortEventID(extremities[0])
	if err != nil {
		return nil, err
	}
	stateHash, err := r.Timeline.StateBefore(extNID)
	if err != nil {
		return nil, err
	}
	aclKeyNID, err := r.Interner.GetOrCreateShortStateKey("m.room.server_acl", "")
	if err != nil {
		return nil, err
	}
	entries, err := r.Compressor.Load(stateHash)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.StateKeyNID != aclKeyNID {
			continue
		}
		info, err := r.events.Event(e.EventNID)
		if err != nil {
			return nil, err
		}
		if info.PDU == nil {
			return nil, nil
		}
		return []byte(gjson.GetBytes(info.PDU.JSON(), "content").Raw), nil
	}
	return nil, nil
}

// isBeforeFirstPDU reports whether pdu predates the room's first known
// timeline event (spec §4.2 step 6).
func (r *Inputer) isBeforeFirstPDU(roomID string, pdu gomatrixserverlib.PDU) (bool, error) {
	roomNID, found, err := r.Interner.GetShortRoomID(roomID)
	if err != nil || !found {
		return false, err
	}
	earliest, err := r.Timeline.Forward(roomNID, timeline.PduCount(0), 1)
	if err != nil || len(earliest) == 0 {
		return false, err
	}
	firstTS := gjson.GetBytes(earliest[0].JSON, "origin_server_ts").Int()
	return int64(pdu.OriginServerTS()) < firstTS, nil
}

func serverNameFromUserID(userID string) string {
	idx := -1
	for i, c := range userID {
		if c == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ""
	}
	return userID[idx+1:]
}
