package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coremx/homeserver/federationapi/keyring"
	"github.com/coremx/homeserver/internal/kv"
)

func TestNewWiresEveryComponent(t *testing.T) {
	store := kv.NewMemory()

	hs, err := New("example.com", store, Dependencies{
		KeyringPolicy: keyring.Policy{},
	})
	require.NoError(t, err)

	assert.NotNil(t, hs.Interner)
	assert.NotNil(t, hs.KeyStore)
	assert.NotNil(t, hs.Compressor)
	assert.NotNil(t, hs.AuthChain)
	assert.NotNil(t, hs.Timeline)
	assert.NotNil(t, hs.Outliers)
	assert.NotNil(t, hs.Search)
	assert.NotNil(t, hs.Threads)
	assert.NotNil(t, hs.Receipts)
	assert.NotNil(t, hs.Typing)
	assert.NotNil(t, hs.Input)
	assert.Nil(t, hs.Queue) // no QueueClient supplied
}

func TestNewDefaultsMembershipWhenNilAndEmptyRoomReturnsNoServers(t *testing.T) {
	store := kv.NewMemory()

	hs, err := New("example.com", store, Dependencies{})
	require.NoError(t, err)

	servers, err := hs.Input.Membership.JoinedServers("!unknown:example.com")
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestAuthEventsLookupReturnsEmptyForEventWithNoAuthEvents(t *testing.T) {
	store := kv.NewMemory()
	hs, err := New("example.com", store, Dependencies{})
	require.NoError(t, err)

	require.NoError(t, hs.Outliers.Put("$event1", []byte(`{"event_id":"$event1","auth_events":[]}`)))
	nid, err := hs.Interner.GetOrCreateShortEventID("$event1")
	require.NoError(t, err)

	auth := &authEventsLookup{interner: hs.Interner, timeline: hs.Timeline, outliers: hs.Outliers}
	nids, err := auth.AuthEventNIDs(nid)
	require.NoError(t, err)
	assert.Empty(t, nids)
}

func TestAuthEventsLookupResolvesAuthEventIDs(t *testing.T) {
	store := kv.NewMemory()
	hs, err := New("example.com", store, Dependencies{})
	require.NoError(t, err)

	require.NoError(t, hs.Outliers.Put("$create", []byte(`{"event_id":"$create","auth_events":[]}`)))
	require.NoError(t, hs.Outliers.Put("$member", []byte(`{"event_id":"$member","auth_events":["$create"]}`)))

	nid, err := hs.Interner.GetOrCreateShortEventID("$member")
	require.NoError(t, err)

	auth := &authEventsLookup{interner: hs.Interner, timeline: hs.Timeline, outliers: hs.Outliers}
	nids, err := auth.AuthEventNIDs(nid)
	require.NoError(t, err)
	require.Len(t, nids, 1)

	createNID, err := hs.Interner.GetOrCreateShortEventID("$create")
	require.NoError(t, err)
	assert.Equal(t, createNID, nids[0])
}
