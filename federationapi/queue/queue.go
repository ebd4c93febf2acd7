// Package queue implements C10, the sending queue: one actor per
// destination server that serializes outbound PDU delivery so a slow or
// unreachable destination never blocks any other, backed by
// github.com/Arceliar/phony's single-goroutine actor model (spec §4.2
// step 8 "fan out to C10", spec §9 "per-destination ordering without a
// goroutine-per-message explosion").
package queue

import (
	"context"
	"sync"

	"github.com/Arceliar/phony"
	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracer emits the spans C10 creates around delivering one transaction
// to a destination.
var tracer = otel.Tracer("github.com/coremx/homeserver/federationapi/queue")

// Requester is the outbound HTTP seam, shared with C3's key fetchers.
type Requester interface {
	DoFederationRequest(ctx context.Context, destination spec.ServerName, method, path string, body, out interface{}) error
}

// OutgoingQueues owns one destinationQueue actor per server name seen so
// far, created lazily on first use.
type OutgoingQueues struct {
	client Requester

	mu     sync.Mutex
	queues map[spec.ServerName]*destinationQueue
}

// NewOutgoingQueues constructs an empty OutgoingQueues.
func NewOutgoingQueues(client Requester) *OutgoingQueues {
	return &OutgoingQueues{client: client, queues: make(map[spec.ServerName]*destinationQueue)}
}

func (q *OutgoingQueues) queueFor(destination spec.ServerName) *destinationQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	dq, ok := q.queues[destination]
	if !ok {
		dq = &destinationQueue{destination: destination, client: q.client}
		q.queues[destination] = dq
	}
	return dq
}

// EnqueueForServers implements C8's SendingQueue seam: queues pduJSON for
// asynchronous delivery to every server in servers.
func (q *OutgoingQueues) EnqueueForServers(roomID string, servers []spec.ServerName, pduJSON []byte) error {
	raw := pduJSON
	observeSendQueueDepth(len(servers))
	for _, dest := range servers {
		dq := q.queueFor(dest)
		dq.Act(nil, func() {
			dq.pending = append(dq.pending, raw)
			dq.wake()
		})
	}
	return nil
}

// destinationQueue is a phony.Inbox-backed actor: every method that
// touches its fields is only ever called from within an Act closure
// running on this actor, so pending/sending need no separate mutex
// (phony's single-goroutine-per-actor inbox is exactly the
// per-destination ordering spec §9 asks for, without a
// goroutine-per-message explosion).
type destinationQueue struct {
	phony.Inbox

	destination spec.ServerName
	client      Requester

	pending [][]byte
	sending bool
}

// wake starts a delivery loop if one is not already running. Must only
// be called from within an Act closure on this actor.
func (dq *destinationQueue) wake() {
	if dq.sending {
		return
	}
	dq.sending = true
	dq.Act(dq, dq.drain)
}

// drain sends pending PDUs one transaction at a time until the queue is
// empty, logging (rather than retrying with backoff, left to C8's
// ancestor-fetch backoff table for the inbound direction) on failure.
func (dq *destinationQueue) drain() {
	if len(dq.pending) == 0 {
		dq.sending = false
		return
	}

	batch := dq.pending
	dq.pending = nil

	txnID := nextTransactionID()
	ctx, span := tracer.Start(context.Background(), "queue.drain", trace.WithAttributes(
		attribute.String("destination", string(dq.destination)),
		attribute.String("transaction_id", txnID),
		attribute.Int("pdu_count", len(batch)),
	))
	defer span.End()

	logger := logrus.WithField("destination", dq.destination)
	if err := dq.client.DoFederationRequest(
		ctx, dq.destination, "PUT",
		"/_matrix/federation/v1/send/"+txnID, batch, nil,
	); err != nil {
		span.RecordError(err)
		logger.WithError(err).Warn("failed to deliver transaction")
	}
	observeSendQueueDepth(-len(batch))

	dq.Act(dq, dq.drain)
}

// nextTransactionID mints a correlation ID for one outbound transaction,
// unique enough to trace a delivery across this server's logs and the
// destination's (spec §9: transaction IDs only need to be unique per
// origin server, not globally, but a UUID costs nothing here).
func nextTransactionID() string {
	return uuid.NewString()
}
