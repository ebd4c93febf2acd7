package input

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
)

// fetchAndHandleOutliers is spec §4.2 step 4: given a list of event_ids
// an event names as its auth_events (or, transitively, events those name
// in turn), make sure every one of them is known as an outlier, fetching
// whatever is missing from origin. Driven by an explicit worklist rather
// than mutual recursion with handleOutlierPDU (spec §9: "Go has no
// zero-cost async; an explicit worklist avoids unbounded call-stack
// depth on a long, adversarial auth chain").
func (r *Inputer) fetchAndHandleOutliers(ctx context.Context, origin spec.ServerName, roomID string, seed []string, logger *logrus.Entry) error {
	worklist := append([]string{}, seed...)
	seen := make(map[string]struct{}, len(seed))

	for len(worklist) > 0 {
		id := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		if _, done := seen[id]; done {
			continue
		}
		seen[id] = struct{}{}

		if has, err := r.Outliers.Has(id); err != nil {
			return err
		} else if has {
			continue
		}
		if raw, err := r.Timeline.PDUForEventID(id); err == nil && raw != nil {
			continue
		}

		if r.Backoff.ShouldSkip(id) {
			logger.WithField("missing_event_id", id).Debug("skipping backed-off ancestor fetch")
			continue
		}

		txn, err := r.Federation.GetEvent(ctx, origin, id)
		if err != nil {
			r.Backoff.MarkFailed(id)
			logger.WithError(err).WithField("missing_event_id", id).Warn("failed to fetch missing ancestor event")
			continue
		}
		r.Backoff.Clear(id)

		for _, raw := range txn.PDUs {
			pdu, err := r.handleOutlierPDU(ctx, origin, roomID, id, raw, logger)
			if err != nil {
				logger.WithError(err).WithField("missing_event_id", id).Warn("failed to handle fetched ancestor event")
				continue
			}
			worklist = append(worklist, pdu.AuthEventIDs()...)
		}
	}
	return nil
}

// fetchPrevEvent resolves a prev_event's raw JSON for step 7's
// recursion, fetching it from origin via C10
// (`GET /_matrix/federation/v1/event/{id}`) if it isn't already known
// locally as an outlier or timeline event. Unlike fetchAndHandleOutliers
// this doesn't walk transitively; the recursive HandleIncomingPDU call
// step 7 makes with the fetched JSON is what pulls in the prev event's
// own auth_events via step 3.
func (r *Inputer) fetchPrevEvent(ctx context.Context, origin spec.ServerName, eventID string, logger *logrus.Entry) ([]byte, error) {
	if raw, err := r.events.rawJSON(eventID); err == nil {
		return raw, nil
	}

	if r.Backoff.ShouldSkip(eventID) {
		return nil, fmt.Errorf("input: prev event %s is backed off", eventID)
	}

	txn, err := r.Federation.GetEvent(ctx, origin, eventID)
	if err != nil {
		r.Backoff.MarkFailed(eventID)
		logger.WithError(err).WithField("missing_prev_event_id", eventID).Warn("failed to fetch missing prev event")
		return nil, fmt.Errorf("input: fetch prev event %s from %s: %w", eventID, origin, err)
	}
	r.Backoff.Clear(eventID)

	if len(txn.PDUs) == 0 {
		return nil, fmt.Errorf("input: %s returned no pdus for prev event %s", origin, eventID)
	}
	return txn.PDUs[0], nil
}
