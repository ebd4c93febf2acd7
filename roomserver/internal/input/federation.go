// Package input implements C8, the event handler: the incoming-PDU
// pipeline that drives C2 through C7 and invokes C9 (spec §4.2).
package input

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Federation is the subset of outbound federation calls the pipeline
// needs, satisfied by C10's client in the wired binary. Kept as a seam
// here (mirroring the corpus's own `txnFederationClient` narrowing in
// federationapi/routing/send.go) so this package can be unit tested
// without a real HTTP client.
type Federation interface {
	// GetEvent fetches a single event by ID from origin (spec §4.2 step
	// 4, `GET /_matrix/federation/v1/event/{id}`).
	GetEvent(ctx context.Context, origin spec.ServerName, eventID string) (gomatrixserverlib.Transaction, error)
}
