// Package stateres implements C9, Matrix state resolution v2: given the
// state sets at a room's forward extremities, compute the single
// resolved current state (spec §4.3).
package stateres

import (
	"github.com/matrix-org/gomatrixserverlib"

	"github.com/coremx/homeserver/roomserver/types"
)

// Resolver is C9.
type Resolver struct {
	events    EventSource
	authChain AuthChain
}

// New constructs a Resolver.
func New(events EventSource, authChain AuthChain) *Resolver {
	return &Resolver{events: events, authChain: authChain}
}

// Resolve computes the single resolved state for a room given its forks
// (one []StateEntry per state set to merge), following state-res v2
// (spec §4.3): partition into unconflicted/conflicted, extend the
// conflicted set by its auth difference, auth-check the power events in
// reverse topological power order, then auth-check the remaining events
// in mainline order, folding each accepted event into the state used to
// auth-check the next.
func (r *Resolver) Resolve(roomID string, forks [][]types.StateEntry) ([]types.StateEntry, error) {
	unconflicted, conflicted := partition(forks)

	candidates, err := r.addAuthDifference(roomID, conflicted)
	if err != nil {
		return nil, err
	}

	infos := make(map[types.EventNID]EventInfo, len(candidates))
	for nid := range candidates {
		info, err := r.events.Event(nid)
		if err != nil {
			return nil, err
		}
		infos[nid] = info
	}

	powerEvents, otherEvents := splitPowerEvents(candidates, infos)

	resolved := make(map[types.StateKeyNID]types.EventNID, len(unconflicted)+len(candidates))
	for k, v := range unconflicted {
		resolved[k] = v
	}

	ordered, err := reverseTopologicalPowerSort(powerEvents, infos, r.authChain, roomID, r.events)
	if err != nil {
		return nil, err
	}
	for _, nid := range ordered {
		r.tryApply(nid, infos, resolved)
	}

	mainline := buildMainline(resolved, infos, r.events)
	ordered2, err := mainlineOrder(otherEvents, infos, mainline, r.events)
	if err != nil {
		return nil, err
	}
	for _, nid := range ordered2 {
		r.tryApply(nid, infos, resolved)
	}

	out := make([]types.StateEntry, 0, len(resolved))
	for k, v := range resolved {
		out = append(out, types.StateEntry{StateKeyNID: k, EventNID: v})
	}
	return out, nil
}

// tryApply auth-checks nid against the current resolved state and, on
// success, records it. gomatrixserverlib.Allowed does the actual
// Matrix auth-rule evaluation (spec §4.3 "auth-check ... against the
// partially resolved state"); we only assemble the AuthEvents view it
// needs.
func (r *Resolver) tryApply(nid types.EventNID, infos map[types.EventNID]EventInfo, resolved map[types.StateKeyNID]types.EventNID) {
	info, ok := infos[nid]
	if !ok || info.PDU == nil || info.StateKeyNID == nil {
		return
	}

	authEvents, err := r.authEventsForCheck(resolved, infos)
	if err != nil {
		return
	}
	if err := gomatrixserverlib.Allowed(info.PDU, authEvents, userIDForSender); err != nil {
		return
	}

	resolved[*info.StateKeyNID] = nid
}

// partition splits every state key seen across forks into unconflicted
// (same event in every fork that mentions it, and mentioned in every
// fork) and conflicted (everything else) (spec §4.3).
func partition(forks [][]types.StateEntry) (unconflicted map[types.StateKeyNID]types.EventNID, conflicted map[types.StateKeyNID]map[types.EventNID]struct{}) {
	perKey := make(map[types.StateKeyNID]map[types.EventNID]struct{})
	presence := make(map[types.StateKeyNID]int)

	for _, fork := range forks {
		seenInFork := make(map[types.StateKeyNID]struct{})
		for _, e := range fork {
			if perKey[e.StateKeyNID] == nil {
				perKey[e.StateKeyNID] = make(map[types.EventNID]struct{})
			}
			perKey[e.StateKeyNID][e.EventNID] = struct{}{}
			if _, already := seenInFork[e.StateKeyNID]; !already {
				presence[e.StateKeyNID]++
				seenInFork[e.StateKeyNID] = struct{}{}
			}
		}
	}

	unconflicted = make(map[types.StateKeyNID]types.EventNID)
	conflicted = make(map[types.StateKeyNID]map[types.EventNID]struct{})
	for key, events := range perKey {
		if len(events) == 1 && presence[key] == len(forks) {
			for nid := range events {
				unconflicted[key] = nid
			}
			continue
		}
		conflicted[key] = events
	}
	return unconflicted, conflicted
}

// addAuthDifference extends the conflicted set with its auth difference:
// the union of the conflicted events' auth chains, minus their
// intersection (spec §4.3).
func (r *Resolver) addAuthDifference(roomID string, conflicted map[types.StateKeyNID]map[types.EventNID]struct{}) (map[types.EventNID]struct{}, error) {
	result := make(map[types.EventNID]struct{})
	var conflictedIDs []string
	for _, events := range conflicted {
		for nid := range events {
			result[nid] = struct{}{}
			info, err := r.events.Event(nid)
			if err != nil {
				return nil, err
			}
			conflictedIDs = append(conflictedIDs, info.EventID)
		}
	}
	if len(conflictedIDs) == 0 {
		return result, nil
	}

	var chains []map[string]struct{}
	for _, id := range conflictedIDs {
		chain, err := r.authChain.GetEventIDs(roomID, []string{id})
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}

	union := make(map[string]struct{})
	for _, c := range chains {
		for id := range c {
			union[id] = struct{}{}
		}
	}
	intersection := make(map[string]struct{}, len(union))
	for id := range union {
		inAll := true
		for _, c := range chains {
			if _, ok := c[id]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			intersection[id] = struct{}{}
		}
	}

	for id := range union {
		if _, excluded := intersection[id]; excluded {
			continue
		}
		nid, found, err := r.events.EventNIDForID(id)
		if err != nil {
			return nil, err
		}
		if found {
			result[nid] = struct{}{}
		}
	}
	return result, nil
}
