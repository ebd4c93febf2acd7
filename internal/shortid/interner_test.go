package shortid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coremx/homeserver/internal/kv"
)

func newTestInterner(t *testing.T) *Interner {
	t.Helper()
	in, err := New(kv.NewMemory())
	require.NoError(t, err)
	return in
}

func TestGetOrCreateShortEventIDIsStable(t *testing.T) {
	in := newTestInterner(t)

	first, err := in.GetOrCreateShortEventID("$a:example.org")
	require.NoError(t, err)
	require.NotZero(t, first)

	second, err := in.GetOrCreateShortEventID("$a:example.org")
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := in.GetOrCreateShortEventID("$b:example.org")
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestGetEventIDFromShortRoundTrips(t *testing.T) {
	in := newTestInterner(t)

	nid, err := in.GetOrCreateShortEventID("$a:example.org")
	require.NoError(t, err)

	eventID, err := in.GetEventIDFromShort(nid)
	require.NoError(t, err)
	require.Equal(t, "$a:example.org", eventID)
}

func TestGetShortEventIDNonCreating(t *testing.T) {
	in := newTestInterner(t)

	_, found, err := in.GetShortEventID("$never-seen:example.org")
	require.NoError(t, err)
	require.False(t, found)

	created, err := in.GetOrCreateShortEventID("$seen:example.org")
	require.NoError(t, err)

	looked, found, err := in.GetShortEventID("$seen:example.org")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, created, looked)
}

func TestGetOrCreateShortStateKeyIsStable(t *testing.T) {
	in := newTestInterner(t)

	nid1, err := in.GetOrCreateShortStateKey("m.room.member", "@alice:example.org")
	require.NoError(t, err)

	nid2, err := in.GetOrCreateShortStateKey("m.room.member", "@alice:example.org")
	require.NoError(t, err)
	require.Equal(t, nid1, nid2)

	nid3, err := in.GetOrCreateShortStateKey("m.room.member", "@bob:example.org")
	require.NoError(t, err)
	require.NotEqual(t, nid1, nid3)

	tuple, err := in.GetStateKeyFromShort(nid1)
	require.NoError(t, err)
	require.Equal(t, "m.room.member", tuple.EventType)
	require.Equal(t, "@alice:example.org", tuple.StateKey)

	_, found, err := in.GetShortStateKey("m.room.member", "@carol:example.org")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetOrCreateShortRoomID(t *testing.T) {
	in := newTestInterner(t)

	nid, err := in.GetOrCreateShortRoomID("!room:example.org")
	require.NoError(t, err)

	again, err := in.GetOrCreateShortRoomID("!room:example.org")
	require.NoError(t, err)
	require.Equal(t, nid, again)

	_, found, err := in.GetShortRoomID("!unknown:example.org")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetOrCreateShortStateHashReportsAlreadyExisted(t *testing.T) {
	in := newTestInterner(t)

	nid, existed, err := in.GetOrCreateShortStateHash([]byte("state-set-bytes"))
	require.NoError(t, err)
	require.False(t, existed)

	again, existed, err := in.GetOrCreateShortStateHash([]byte("state-set-bytes"))
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, nid, again)
}

func TestBatchGetOrCreateShortEventIDDedupesAndAllocates(t *testing.T) {
	in := newTestInterner(t)

	out, err := in.BatchGetOrCreateShortEventID([]string{"$a:x", "$b:x", "$a:x"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.NotEqual(t, out["$a:x"], out["$b:x"])
}

func TestAllocationCrossesBatchBoundary(t *testing.T) {
	in := newTestInterner(t)

	var last uint64
	for i := 0; i < counterBatchSize+10; i++ {
		id, err := in.allocate()
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}
	require.Equal(t, uint64(counterBatchSize+10), last)
}

func TestCounterSurvivesReopen(t *testing.T) {
	store := kv.NewMemory()

	in1, err := New(store)
	require.NoError(t, err)
	nid, err := in1.GetOrCreateShortEventID("$a:example.org")
	require.NoError(t, err)

	in2, err := New(store)
	require.NoError(t, err)
	again, err := in2.GetOrCreateShortEventID("$a:example.org")
	require.NoError(t, err)
	require.Equal(t, nid, again)

	other, err := in2.GetOrCreateShortEventID("$c:example.org")
	require.NoError(t, err)
	require.NotEqual(t, nid, other)
}
