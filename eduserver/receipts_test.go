package eduserver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/roomserver/timeline"
	"github.com/coremx/homeserver/roomserver/types"
)

func TestPrivateReadReceiptRoundTrips(t *testing.T) {
	r := NewReceipts(kv.NewMemory())
	room := types.RoomNID(1)

	_, found, err := r.PrivateReadReceipt(room, "@alice:server")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, r.SetPrivateReadReceipt(room, "@alice:server", timeline.PduCount(5)))

	count, found, err := r.PrivateReadReceipt(room, "@alice:server")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, timeline.PduCount(5), count)

	require.NoError(t, r.SetPrivateReadReceipt(room, "@alice:server", timeline.PduCount(9)))
	count, _, err = r.PrivateReadReceipt(room, "@alice:server")
	require.NoError(t, err)
	require.Equal(t, timeline.PduCount(9), count)
}

func TestPrivateReadReceiptRejectsBackfilledPosition(t *testing.T) {
	r := NewReceipts(kv.NewMemory())
	room := types.RoomNID(1)

	err := r.SetPrivateReadReceipt(room, "@alice:server", timeline.PduCount(-3))
	require.ErrorIs(t, err, ErrBackfilledReadReceipt)

	err = r.SetPrivateReadReceipt(room, "@alice:server", timeline.PduCount(0))
	require.ErrorIs(t, err, ErrBackfilledReadReceipt)
}

func TestPublicReadReceiptTracksLatestPerUser(t *testing.T) {
	r := NewReceipts(kv.NewMemory())
	room := types.RoomNID(1)

	require.NoError(t, r.SetPublicReadReceipt(room, "@alice:server", timeline.PduCount(1), 100))
	require.NoError(t, r.SetPublicReadReceipt(room, "@bob:server", timeline.PduCount(2), 200))
	require.NoError(t, r.SetPublicReadReceipt(room, "@alice:server", timeline.PduCount(4), 300))

	count, found, err := r.PublicReadReceipt(room, "@alice:server")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, timeline.PduCount(4), count)

	count, found, err = r.PublicReadReceipt(room, "@bob:server")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, timeline.PduCount(2), count)

	_, found, err = r.PublicReadReceipt(room, "@carol:server")
	require.NoError(t, err)
	require.False(t, found)
}

func TestReceiptsSinceReturnsOnlyNewerEntries(t *testing.T) {
	r := NewReceipts(kv.NewMemory())
	room := types.RoomNID(1)

	require.NoError(t, r.SetPublicReadReceipt(room, "@alice:server", timeline.PduCount(1), 100))
	require.NoError(t, r.SetPublicReadReceipt(room, "@bob:server", timeline.PduCount(2), 200))

	all, err := r.ReceiptsSince(room, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	tail, err := r.ReceiptsSince(room, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "@bob:server", tail[0].UserID)

	none, err := r.ReceiptsSince(room, 2)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestReceiptsSinceScopedPerRoom(t *testing.T) {
	r := NewReceipts(kv.NewMemory())

	require.NoError(t, r.SetPublicReadReceipt(types.RoomNID(1), "@alice:server", timeline.PduCount(1), 100))
	require.NoError(t, r.SetPublicReadReceipt(types.RoomNID(2), "@bob:server", timeline.PduCount(1), 100))

	entries, err := r.ReceiptsSince(types.RoomNID(1), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "@alice:server", entries[0].UserID)
}
