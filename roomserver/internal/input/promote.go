package input

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/coremx/homeserver/roomserver/timeline"
	"github.com/coremx/homeserver/roomserver/types"
)

// upgradeOutlierToTimelinePDU is spec §4.2 step 8: compute the state
// immediately before pdu and reject on auth failure against it (this is
// terminal; the event is not stored), separately auth-check pdu against
// the room's current state to decide soft-fail, append pdu to the
// timeline, compute and persist the room's new current state, update
// forward extremities, and fan the event out to C10/C11. Called with
// both the room's federation and state mutexes held.
func (r *Inputer) upgradeOutlierToTimelinePDU(ctx context.Context, origin spec.ServerName, roomID string, pdu gomatrixserverlib.PDU, logger *logrus.Entry) (*PduID, error) {
	eventID := pdu.EventID()
	roomNID, err := r.Interner.GetOrCreateShortRoomID(roomID)
	if err != nil {
		return nil, err
	}
	eventNID, err := r.Interner.GetOrCreateShortEventID(eventID)
	if err != nil {
		return nil, err
	}

	beforeState, err := r.stateBeforeEvent(roomID, pdu)
	if err != nil {
		return nil, fmt.Errorf("input: compute state before %s: %w", eventID, err)
	}

	if r.authCheckAgainstState(pdu, beforeState, logger) {
		return nil, fmt.Errorf("input: event %s rejected by auth check against state at event", eventID)
	}

	softFailed, err := r.softFailCheck(roomID, pdu, logger)
	if err != nil {
		return nil, fmt.Errorf("input: soft-fail check for %s: %w", eventID, err)
	}

	afterState := beforeState
	if !softFailed && pdu.StateKey() != nil {
		skNID, err := r.Interner.GetOrCreateShortStateKey(pdu.Type(), *pdu.StateKey())
		if err != nil {
			return nil, err
		}
		afterState = replaceStateEntry(beforeState, types.StateEntry{StateKeyNID: skNID, EventNID: eventNID})
	}
	afterHash, _, err := r.Compressor.Store(roomNID, afterState)
	if err != nil {
		return nil, err
	}

	extremities, err := r.nextExtremities(roomID, pdu)
	if err != nil {
		return nil, err
	}

	tokens := searchTokensFor(pdu)

	count, err := r.Timeline.Append(timeline.AppendInput{
		RoomNID:        roomNID,
		EventNID:       eventNID,
		EventID:        eventID,
		PDUJSON:        pdu.JSON(),
		PostStateHash:  afterHash,
		NewExtremities: extremities,
		SearchTokens:   tokens,
	})
	if err != nil {
		return nil, err
	}

	if r.Search != nil {
		if err := r.Search.IndexEvent(roomNID, count, pdu); err != nil {
			logger.WithError(err).Warn("failed to index event for search")
		}
	}

	if r.SendQueue != nil && r.Membership != nil {
		servers, err := r.Membership.JoinedServers(roomID)
		if err != nil {
			logger.WithError(err).Warn("failed to resolve joined servers for fan-out")
		} else {
			servers = withoutServer(servers, origin)
			if err := r.SendQueue.EnqueueForServers(roomID, servers, pdu.JSON()); err != nil {
				logger.WithError(err).Warn("failed to enqueue event for fan-out")
			}
		}
	}

	return &PduID{RoomNID: roomNID, Count: count}, nil
}

// stateBeforeEvent resolves the state immediately before pdu was
// applied. With exactly one prev_event whose post-state is already
// known, that state is reused directly (spec §4.3's "single predecessor
// shortcut"); otherwise the prev-events' post-states are resolved via C9.
// By the time this runs, step 7 has already recursed into every
// prev_event with isTimelineEvent set. A prevID with no recorded
// post-state (including one dropped for predating the room's first
// timeline pdu) makes the StateBefore lookup fail, and that failure is
// reported as an error.
func (r *Inputer) stateBeforeEvent(roomID string, pdu gomatrixserverlib.PDU) ([]types.StateEntry, error) {
	prevIDs := pdu.PrevEventIDs()
	if len(prevIDs) == 0 {
		return nil, nil
	}

	forks := make([][]types.StateEntry, 0, len(prevIDs))
	for _, prevID := range prevIDs {
		prevNID, err := r.Interner.GetOrCreateShortEventID(prevID)
		if err != nil {
			return nil, err
		}
		stateHash, err := r.Timeline.StateBefore(prevNID)
		if err != nil {
			return nil, fmt.Errorf("input: state before prev event %s: %w", prevID, err)
		}
		entries, err := r.Compressor.Load(stateHash)
		if err != nil {
			return nil, err
		}
		forks = append(forks, entries)
	}

	if len(forks) == 0 {
		return nil, nil
	}
	if len(forks) == 1 {
		return forks[0], nil
	}
	return r.Resolver.Resolve(roomID, forks)
}

// currentState resolves the room's live current state across all of its
// forward extremities, the state soft-fail is checked against (spec §9:
// soft-fail compares the event to current state, not the state at the
// point it names as its prev_events).
func (r *Inputer) currentState(roomID string) ([]types.StateEntry, error) {
	roomNID, found, err := r.Interner.GetShortRoomID(roomID)
	if err != nil || !found {
		return nil, err
	}
	extremities, err := r.Timeline.CurrentExtremities(roomNID)
	if err != nil {
		return nil, err
	}

	forks := make([][]types.StateEntry, 0, len(extremities))
	for _, extremityID := range extremities {
		extNID, err := r.Interner.GetOrCreateShortEventID(extremityID)
		if err != nil {
			return nil, err
		}
		stateHash, err := r.Timeline.StateBefore(extNID)
		if err != nil {
			return nil, fmt.Errorf("input: state before extremity %s: %w", extremityID, err)
		}
		entries, err := r.Compressor.Load(stateHash)
		if err != nil {
			return nil, err
		}
		forks = append(forks, entries)
	}

	if len(forks) == 0 {
		return nil, nil
	}
	if len(forks) == 1 {
		return forks[0], nil
	}
	return r.Resolver.Resolve(roomID, forks)
}

// softFailCheck implements spec §9's soft-fail: pdu is auth-checked
// against the room's current state rather than the state at the point
// it was generated. A soft-failed event is still appended to the
// timeline and relayed to other servers (upgradeOutlierToTimelinePDU
// keeps it out of afterState), unlike a hard rejection against the
// state at the event, which is terminal and the event is never stored.
func (r *Inputer) softFailCheck(roomID string, pdu gomatrixserverlib.PDU, logger *logrus.Entry) (bool, error) {
	current, err := r.currentState(roomID)
	if err != nil {
		return false, err
	}
	return r.authCheckAgainstState(pdu, current, logger), nil
}

// authCheckAgainstState runs the auth check for pdu against the given
// resolved state entries, returning true if pdu fails it. Used both for
// the hard reject against state-at-event and the soft-fail check
// against current state (spec §4.2 step 8, spec §9).
func (r *Inputer) authCheckAgainstState(pdu gomatrixserverlib.PDU, state []types.StateEntry, logger *logrus.Entry) bool {
	authEvents, err := gomatrixserverlib.NewAuthEvents(nil)
	if err != nil {
		return true
	}
	for _, e := range state {
		info, err := r.events.Event(e.EventNID)
		if err != nil || info.PDU == nil {
			continue
		}
		if err := authEvents.AddEvent(info.PDU); err != nil {
			continue
		}
	}
	if err := gomatrixserverlib.Allowed(pdu, authEvents, userIDForSenderPDU); err != nil {
		logger.WithError(err).Debug("event soft-failed auth check against resolved state")
		return true
	}
	return false
}

// nextExtremities computes the room's new forward extremities after
// appending pdu: its own event_id replaces whichever of its prev_events
// were still extremities, and anything else untouched carries over.
func (r *Inputer) nextExtremities(roomID string, pdu gomatrixserverlib.PDU) ([]string, error) {
	roomNID, err := r.Interner.GetOrCreateShortRoomID(roomID)
	if err != nil {
		return nil, err
	}
	current, err := r.Timeline.CurrentExtremities(roomNID)
	if err != nil {
		return nil, err
	}
	prevSet := make(map[string]struct{}, len(pdu.PrevEventIDs()))
	for _, id := range pdu.PrevEventIDs() {
		prevSet[id] = struct{}{}
	}
	out := make([]string, 0, len(current)+1)
	for _, id := range current {
		if _, wasConsumed := prevSet[id]; wasConsumed {
			continue
		}
		out = append(out, id)
	}
	out = append(out, pdu.EventID())
	return out, nil
}

func replaceStateEntry(entries []types.StateEntry, replacement types.StateEntry) []types.StateEntry {
	out := make([]types.StateEntry, 0, len(entries)+1)
	found := false
	for _, e := range entries {
		if e.StateKeyNID == replacement.StateKeyNID {
			out = append(out, replacement)
			found = true
			continue
		}
		out = append(out, e)
	}
	if !found {
		out = append(out, replacement)
	}
	return out
}

func withoutServer(servers []spec.ServerName, exclude spec.ServerName) []spec.ServerName {
	out := make([]spec.ServerName, 0, len(servers))
	for _, s := range servers {
		if s != exclude {
			out = append(out, s)
		}
	}
	return out
}

// searchTokensFor extracts the plain-text tokens C11 indexes from a
// message event's body, spec §4.2 step 8's "search tokens for C11".
func searchTokensFor(pdu gomatrixserverlib.PDU) []string {
	if pdu.Type() != "m.room.message" {
		return nil
	}
	body := gjson.GetBytes(pdu.JSON(), "content.body").String()
	return tokenize(body)
}

func tokenize(s string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			cur = append(cur, c)
		default:
			flush()
		}
	}
	flush()
	return tokens
}
