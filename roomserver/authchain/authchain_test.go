package authchain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/internal/shortid"
	"github.com/coremx/homeserver/roomserver/types"
)

// fakeEvents is a tiny in-memory auth_events graph for tests.
type fakeEvents struct {
	auth map[types.EventNID][]types.EventNID
	hits int
}

func (f *fakeEvents) AuthEventNIDs(nid types.EventNID) ([]types.EventNID, error) {
	f.hits++
	return f.auth[nid], nil
}

func setup(t *testing.T) (*Index, *shortid.Interner, *fakeEvents) {
	t.Helper()
	store := kv.NewMemory()
	in, err := shortid.New(store)
	require.NoError(t, err)
	events := &fakeEvents{auth: map[types.EventNID][]types.EventNID{}}
	return New(store, in, events), in, events
}

func TestGetEventIDsExpandsAuthChainClosure(t *testing.T) {
	idx, in, events := setup(t)

	create, err := in.GetOrCreateShortEventID("$create:x")
	require.NoError(t, err)
	powerLevels, err := in.GetOrCreateShortEventID("$power:x")
	require.NoError(t, err)
	join, err := in.GetOrCreateShortEventID("$join:x")
	require.NoError(t, err)
	msg, err := in.GetOrCreateShortEventID("$msg:x")
	require.NoError(t, err)

	events.auth[join] = []types.EventNID{create, powerLevels}
	events.auth[msg] = []types.EventNID{create, powerLevels, join}

	closure, err := idx.GetEventIDs("!room:x", []string{"$msg:x"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"$create:x", "$power:x", "$join:x", "$msg:x"}, keys(closure))
}

func TestGetEventIDsCachesBucketClosure(t *testing.T) {
	idx, in, events := setup(t)

	create, err := in.GetOrCreateShortEventID("$create:x")
	require.NoError(t, err)
	msg, err := in.GetOrCreateShortEventID("$msg:x")
	require.NoError(t, err)
	events.auth[msg] = []types.EventNID{create}

	_, err = idx.GetEventIDs("!room:x", []string{"$msg:x"})
	require.NoError(t, err)
	firstHits := events.hits

	_, err = idx.GetEventIDs("!room:x", []string{"$msg:x"})
	require.NoError(t, err)
	require.Equal(t, firstHits, events.hits, "second lookup should be served from the persistent cache")
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
