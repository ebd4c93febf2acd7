package stateres

import (
	"sort"

	"github.com/tidwall/gjson"

	"github.com/coremx/homeserver/roomserver/types"
)

// isPowerEvent reports whether an event is one of the events whose auth
// rules shape who else can send events: m.room.power_levels,
// m.room.join_rules, and m.room.member events where the target is not
// the sender and the membership is leave or ban (Matrix state-res v2's
// definition, spec §4.3).
func isPowerEvent(info EventInfo) bool {
	switch info.Type {
	case "m.room.power_levels", "m.room.join_rules":
		return true
	case "m.room.member":
		if info.StateKey == nil || *info.StateKey == info.Sender || info.PDU == nil {
			return false
		}
		membership := gjson.GetBytes(info.PDU.JSON(), "content.membership").String()
		return membership == "leave" || membership == "ban"
	default:
		return false
	}
}

// splitPowerEvents partitions candidates into power events and the rest.
func splitPowerEvents(candidates map[types.EventNID]struct{}, infos map[types.EventNID]EventInfo) (power, other []types.EventNID) {
	for nid := range candidates {
		info, ok := infos[nid]
		if !ok {
			continue
		}
		if isPowerEvent(info) {
			power = append(power, nid)
		} else {
			other = append(other, nid)
		}
	}
	return power, other
}

// powerLevelOf returns the sender's power level according to the
// nearest m.room.power_levels event among ev's direct auth events, or 0
// if none is present in infos (spec §4.3's "effective power level").
func powerLevelOf(ev EventInfo, infos map[types.EventNID]EventInfo) int64 {
	for _, authNID := range ev.AuthEventNIDs {
		authInfo, ok := infos[authNID]
		if !ok || authInfo.Type != "m.room.power_levels" || authInfo.PDU == nil {
			continue
		}
		raw := authInfo.PDU.JSON()
		if lvl := gjson.GetBytes(raw, "content.users."+gjsonEscape(ev.Sender)); lvl.Exists() {
			return lvl.Int()
		}
		if def := gjson.GetBytes(raw, "content.users_default"); def.Exists() {
			return def.Int()
		}
		return 0
	}
	return 0
}

// gjsonEscape escapes path-special characters (notably '.' in a Matrix
// user ID's server name) so a user ID can be used as a gjson path
// segment.
func gjsonEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '*' || c == '?' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}

// reverseTopologicalPowerSort orders power events so that auth
// ancestors (restricted to this candidate set) always precede their
// descendants, breaking ties among events with no ordering constraint
// between them by descending sender power level, then ascending
// origin_server_ts, then ascending event_id (spec §4.3 "reverse
// topological power ordering").
func reverseTopologicalPowerSort(events []types.EventNID, infos map[types.EventNID]EventInfo, authChain AuthChain, roomID string, source EventSource) ([]types.EventNID, error) {
	set := make(map[types.EventNID]struct{}, len(events))
	for _, nid := range events {
		set[nid] = struct{}{}
	}

	inDegree := make(map[types.EventNID]int, len(events))
	dependents := make(map[types.EventNID][]types.EventNID, len(events))
	for _, nid := range events {
		inDegree[nid] = 0
	}
	for _, nid := range events {
		info := infos[nid]
		for _, authNID := range info.AuthEventNIDs {
			if _, inSet := set[authNID]; inSet {
				inDegree[nid]++
				dependents[authNID] = append(dependents[authNID], nid)
			}
		}
	}

	remaining := make(map[types.EventNID]struct{}, len(events))
	for _, nid := range events {
		remaining[nid] = struct{}{}
	}

	less := func(a, b types.EventNID) bool {
		ia, ib := infos[a], infos[b]
		pa, pb := powerLevelOf(ia, infos), powerLevelOf(ib, infos)
		if pa != pb {
			return pa > pb
		}
		if ia.OriginServerTS != ib.OriginServerTS {
			return ia.OriginServerTS < ib.OriginServerTS
		}
		return ia.EventID < ib.EventID
	}

	var out []types.EventNID
	for len(remaining) > 0 {
		var ready []types.EventNID
		for nid := range remaining {
			if inDegree[nid] == 0 {
				ready = append(ready, nid)
			}
		}
		if len(ready) == 0 {
			// Cycle among auth edges should not occur in valid room DAGs;
			// break it by taking every remaining event in comparator order
			// rather than looping forever.
			for nid := range remaining {
				ready = append(ready, nid)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		out = append(out, next)
		delete(remaining, next)
		delete(inDegree, next)
		for _, dep := range dependents[next] {
			if _, ok := remaining[dep]; ok {
				inDegree[dep]--
			}
		}
	}
	return out, nil
}

// buildMainline walks back from the current resolved power_levels event
// through direct auth events, following the nearest power_levels
// ancestor at each step, to build the chain used for mainline ordering
// (spec §4.3).
func buildMainline(resolved map[types.StateKeyNID]types.EventNID, infos map[types.EventNID]EventInfo, source EventSource) []types.EventNID {
	var current *EventInfo
	for _, nid := range resolved {
		info, ok := infos[nid]
		if !ok {
			loaded, err := source.Event(nid)
			if err != nil {
				continue
			}
			info = loaded
			infos[nid] = info
		}
		if info.Type == "m.room.power_levels" {
			c := info
			current = &c
			break
		}
	}

	var chain []types.EventNID
	visited := make(map[types.EventNID]struct{})
	for current != nil {
		if _, seen := visited[current.EventNID]; seen {
			break
		}
		visited[current.EventNID] = struct{}{}
		chain = append(chain, current.EventNID)

		var next *EventInfo
		for _, authNID := range current.AuthEventNIDs {
			info, ok := infos[authNID]
			if !ok {
				loaded, err := source.Event(authNID)
				if err != nil {
					continue
				}
				info = loaded
				infos[authNID] = info
			}
			if info.Type == "m.room.power_levels" {
				n := info
				next = &n
				break
			}
		}
		current = next
	}
	return chain
}

// mainlineOrder orders the remaining conflicted events by the position
// of their nearest mainline ancestor, with ties broken by the number of
// auth-event hops to reach it, then origin_server_ts, then event_id
// (spec §4.3 "mainline ordering").
func mainlineOrder(events []types.EventNID, infos map[types.EventNID]EventInfo, mainline []types.EventNID, source EventSource) ([]types.EventNID, error) {
	mainlineIndex := make(map[types.EventNID]int, len(mainline))
	for i, nid := range mainline {
		mainlineIndex[nid] = i
	}

	type scored struct {
		nid   types.EventNID
		index int
		steps int
	}
	results := make([]scored, 0, len(events))
	for _, nid := range events {
		index, steps := nearestMainlineAncestor(nid, infos, mainlineIndex, source)
		results = append(results, scored{nid: nid, index: index, steps: steps})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.index != b.index {
			return a.index > b.index
		}
		if a.steps != b.steps {
			return a.steps < b.steps
		}
		ia, ib := infos[a.nid], infos[b.nid]
		if ia.OriginServerTS != ib.OriginServerTS {
			return ia.OriginServerTS < ib.OriginServerTS
		}
		return ia.EventID < ib.EventID
	})

	out := make([]types.EventNID, len(results))
	for i, r := range results {
		out[i] = r.nid
	}
	return out, nil
}

// nearestMainlineAncestor walks nid's auth events breadth-first until it
// finds one present in the mainline, returning its mainline index and
// the number of hops taken, or (-1, 0) if the chain never rejoins the
// mainline within a bounded number of steps.
func nearestMainlineAncestor(nid types.EventNID, infos map[types.EventNID]EventInfo, mainlineIndex map[types.EventNID]int, source EventSource) (int, int) {
	const maxHops = 64
	frontier := []types.EventNID{nid}
	visited := map[types.EventNID]struct{}{nid: {}}

	for hops := 0; hops <= maxHops && len(frontier) > 0; hops++ {
		var next []types.EventNID
		for _, cur := range frontier {
			if idx, ok := mainlineIndex[cur]; ok && cur != nid {
				return idx, hops
			}
			info, ok := infos[cur]
			if !ok {
				loaded, err := source.Event(cur)
				if err != nil {
					continue
				}
				info = loaded
				infos[cur] = info
			}
			for _, a := range info.AuthEventNIDs {
				if _, seen := visited[a]; !seen {
					visited[a] = struct{}{}
					next = append(next, a)
				}
			}
		}
		frontier = next
	}
	return -1, 0
}
