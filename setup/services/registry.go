// Package services is C13, the service registry: it wires C1 through C12
// together in dependency order behind one composition root, the way the
// corpus's RoomserverInternalAPI composes perform/query sub-structs by
// embedding rather than through a general-purpose DI container (spec §9
// "Service registry & lifecycle" — dependency injection, ordered
// startup/shutdown, panic-restart workers).
package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/coremx/homeserver/eduserver"
	"github.com/coremx/homeserver/federationapi/keyring"
	"github.com/coremx/homeserver/federationapi/queue"
	"github.com/coremx/homeserver/internal/caching"
	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/internal/migrate"
	"github.com/coremx/homeserver/internal/shortid"
	"github.com/coremx/homeserver/roomserver/authchain"
	"github.com/coremx/homeserver/roomserver/internal/input"
	"github.com/coremx/homeserver/roomserver/outliers"
	"github.com/coremx/homeserver/roomserver/statecompress"
	"github.com/coremx/homeserver/roomserver/timeline"
	"github.com/coremx/homeserver/roomserver/types"
	"github.com/coremx/homeserver/searchapi"
)

// defaultStateCacheCost bounds C4's materialized-state ristretto cache,
// matching the order of magnitude the compressor's own doc comment
// assumes for a single busy homeserver.
const defaultStateCacheCost = 64 << 20 // 64 MiB

// Homeserver is the fully-wired core: everything SPEC_FULL.md's
// components C1-C12 need to run, minus the outbound federation transport
// (Federation/SendingQueue.Requester), which is supplied by the caller
// once the HTTP client layer exists, mirroring the corpus's two-phase
// NewRoomserverAPI + SetFederationAPI wiring. RoomMembership may also be
// supplied; otherwise New wires the default membershipLookup.
type Homeserver struct {
	ServerName spec.ServerName

	KV       kv.Store
	Interner *shortid.Interner

	KeyStore *keyring.Store

	Compressor *statecompress.Compressor
	AuthChain  *authchain.Index
	Timeline   *timeline.Store
	Outliers   *outliers.Store

	Search   *searchapi.Index
	Threads  *eduserver.Threads
	Receipts *eduserver.Receipts
	Typing   *caching.EDUCache

	Queue *queue.OutgoingQueues

	Input *input.Inputer
}

// Dependencies bundles the collaborators that only exist once a real
// federation HTTP client is available, left to the caller the same way
// the corpus leaves RoomserverInternalAPI's fsAPI/asAPI wiring to a later
// SetFederationAPI call. Membership is optional: if nil, New wires the
// default membershipLookup built on C4/C6's own state, which is all C10's
// fan-out needs.
type Dependencies struct {
	KeyringPolicy keyring.Policy
	Federation    input.Federation
	QueueClient   queue.Requester
	Membership    input.RoomMembership
}

// New wires every core component over store in dependency order: C1 (the
// store itself) first, then C2 (shortid) since everything else interns
// through it, then C3-C7 and C10-C12, and finally C8/C9 (Inputer, which
// builds its own C9 Resolver internally) once everything it depends on
// exists.
func New(serverName spec.ServerName, store kv.Store, deps Dependencies) (*Homeserver, error) {
	if err := migrate.Apply(store); err != nil {
		return nil, fmt.Errorf("services: schema migration: %w", err)
	}

	interner, err := shortid.New(store)
	if err != nil {
		return nil, fmt.Errorf("services: shortid: %w", err)
	}

	keyStore := keyring.NewStore(store)
	keyRing := keyring.NewKeyRing(keyStore, deps.KeyringPolicy)

	compressor, err := statecompress.New(store, interner, defaultStateCacheCost)
	if err != nil {
		return nil, fmt.Errorf("services: statecompress: %w", err)
	}

	timelineStore, err := timeline.New(store)
	if err != nil {
		return nil, fmt.Errorf("services: timeline: %w", err)
	}
	outlierStore := outliers.New(store)

	authChain := authchain.New(store, interner, &authEventsLookup{
		interner: interner,
		timeline: timelineStore,
		outliers: outlierStore,
	})

	search := searchapi.New(store)
	threads := eduserver.NewThreads(store)
	receipts := eduserver.NewReceipts(store)
	typing := caching.NewTypingCache()

	var outgoing *queue.OutgoingQueues
	if deps.QueueClient != nil {
		outgoing = queue.NewOutgoingQueues(deps.QueueClient)
	}

	var sendQueue input.SendingQueue
	if outgoing != nil {
		sendQueue = outgoing
	}

	membership := deps.Membership
	if membership == nil {
		membership = &membershipLookup{
			interner:   interner,
			timeline:   timelineStore,
			outliers:   outlierStore,
			compressor: compressor,
		}
	}

	inputer := input.New(
		serverName,
		interner,
		outlierStore,
		timelineStore,
		compressor,
		authChain,
		keyRing,
		keyStore,
		store,
		deps.Federation,
		sendQueue,
		nil, // C11's write path is the timeline's own SearchTokens batch; see DESIGN.md
		membership,
	)

	return &Homeserver{
		ServerName: serverName,
		KV:         store,
		Interner:   interner,
		KeyStore:   keyStore,
		Compressor: compressor,
		AuthChain:  authChain,
		Timeline:   timelineStore,
		Outliers:   outlierStore,
		Search:     search,
		Threads:    threads,
		Receipts:   receipts,
		Typing:     typing,
		Queue:      outgoing,
		Input:      inputer,
	}, nil
}

// authEventsLookup adapts C2's interner and the C6/C7 stores into C5's
// AuthEventsLookup seam: given a short event ID, find whichever store
// holds that event's JSON and pull its declared auth_events back out by
// short ID. No full PDU parse is needed since only the auth_events field
// is read, the same narrow-field pattern the pipeline already uses for
// room_version (roomserver/internal/input/outlier.go's gjson.GetBytes
// call on "content.room_version").
type authEventsLookup struct {
	interner *shortid.Interner
	timeline *timeline.Store
	outliers *outliers.Store
}

func (a *authEventsLookup) AuthEventNIDs(eventNID types.EventNID) ([]types.EventNID, error) {
	eventID, err := a.interner.GetEventIDFromShort(eventNID)
	if err != nil {
		return nil, err
	}

	raw, err := a.timeline.PDUForEventID(eventID)
	if err != nil {
		raw, err = a.outliers.Get(eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("services: auth event lookup for %s: %w", eventID, err)
	}

	var authEventIDs []string
	for _, id := range gjson.GetBytes(raw, "auth_events").Array() {
		authEventIDs = append(authEventIDs, id.String())
	}
	if len(authEventIDs) == 0 {
		// room v1/v2 encode auth_events as [event_id, hashes] pairs
		// rather than bare strings; fall back to that shape.
		var pairs [][]json.RawMessage
		if jsonErr := json.Unmarshal(gjson.GetBytes(raw, "auth_events").Raw, &pairs); jsonErr == nil {
			for _, pair := range pairs {
				if len(pair) > 0 {
					var id string
					if json.Unmarshal(pair[0], &id) == nil {
						authEventIDs = append(authEventIDs, id)
					}
				}
			}
		}
	}

	nids := make([]types.EventNID, 0, len(authEventIDs))
	for _, id := range authEventIDs {
		nid, err := a.interner.GetOrCreateShortEventID(id)
		if err != nil {
			return nil, err
		}
		nids = append(nids, nid)
	}
	return nids, nil
}

// membershipLookup adapts C2/C4/C6/C7 into C8's RoomMembership seam: it
// reads the state recorded after each of the room's current forward
// extremities, picks out every m.room.member entry whose content says "join", and
// returns the set of server names those members belong to. This is the
// default JoinedServers implementation used whenever Dependencies.Membership
// is left nil; a deployment with its own membership index (e.g. one also
// serving the client-server API) can supply a faster one instead.
type membershipLookup struct {
	interner   *shortid.Interner
	timeline   *timeline.Store
	outliers   *outliers.Store
	compressor *statecompress.Compressor
}

func (m *membershipLookup) JoinedServers(roomID string) ([]spec.ServerName, error) {
	roomNID, found, err := m.interner.GetShortRoomID(roomID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	extremities, err := m.timeline.CurrentExtremities(roomNID)
	if err != nil {
		return nil, fmt.Errorf("services: joined servers for %s: %w", roomID, err)
	}

	members := map[types.StateKeyNID]types.EventNID{}
	for _, eventID := range extremities {
		eventNID, found, err := m.interner.GetShortEventID(eventID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		snapshotNID, err := m.timeline.StateBefore(eventNID)
		if err != nil {
			continue
		}
		entries, err := m.compressor.Load(snapshotNID)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			members[entry.StateKeyNID] = entry.EventNID
		}
	}

	servers := map[spec.ServerName]struct{}{}
	for stateKeyNID, eventNID := range members {
		tuple, err := m.interner.GetStateKeyFromShort(stateKeyNID)
		if err != nil || tuple.EventType != "m.room.member" {
			continue
		}
		eventID, err := m.interner.GetEventIDFromShort(eventNID)
		if err != nil {
			continue
		}
		raw, err := m.timeline.PDUForEventID(eventID)
		if err != nil {
			raw, err = m.outliers.Get(eventID)
		}
		if err != nil || gjson.GetBytes(raw, "content.membership").String() != "join" {
			continue
		}
		if _, domain, ok := strings.Cut(tuple.StateKey, ":"); ok {
			servers[spec.ServerName(domain)] = struct{}{}
		}
	}

	result := make([]spec.ServerName, 0, len(servers))
	for server := range servers {
		result = append(result, server)
	}
	return result, nil
}
