package eduserver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/roomserver/timeline"
	"github.com/coremx/homeserver/roomserver/types"
)

func TestAddParticipantDeduplicates(t *testing.T) {
	threads := NewThreads(kv.NewMemory())
	room := types.RoomNID(1)
	root := timeline.PduCount(10)

	participants, err := threads.AddParticipant(room, root, "@alice:server")
	require.NoError(t, err)
	require.Equal(t, []string{"@alice:server"}, participants)

	participants, err = threads.AddParticipant(room, root, "@bob:server")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"@alice:server", "@bob:server"}, participants)

	participants, err = threads.AddParticipant(room, root, "@alice:server")
	require.NoError(t, err)
	require.Len(t, participants, 2, "re-adding an existing participant must not duplicate")
}

func TestSummaryReflectsParticipation(t *testing.T) {
	threads := NewThreads(kv.NewMemory())
	room := types.RoomNID(1)
	root := timeline.PduCount(10)

	_, err := threads.AddParticipant(room, root, "@alice:server")
	require.NoError(t, err)
	_, err = threads.AddParticipant(room, root, "@bob:server")
	require.NoError(t, err)

	summary, err := threads.Summary(room, root, "@alice:server")
	require.NoError(t, err)
	require.Equal(t, 2, summary.Count)
	require.True(t, summary.CurrentUserParticipated)

	summary, err = threads.Summary(room, root, "@carol:server")
	require.NoError(t, err)
	require.Equal(t, 2, summary.Count)
	require.False(t, summary.CurrentUserParticipated)
}

func TestSummaryOfUnknownThreadIsEmpty(t *testing.T) {
	threads := NewThreads(kv.NewMemory())
	summary, err := threads.Summary(types.RoomNID(1), timeline.PduCount(99), "@alice:server")
	require.NoError(t, err)
	require.Equal(t, 0, summary.Count)
	require.False(t, summary.CurrentUserParticipated)
}

func TestThreadsScopedPerRoom(t *testing.T) {
	threads := NewThreads(kv.NewMemory())
	root := timeline.PduCount(10)

	_, err := threads.AddParticipant(types.RoomNID(1), root, "@alice:server")
	require.NoError(t, err)

	summary, err := threads.Summary(types.RoomNID(2), root, "@alice:server")
	require.NoError(t, err)
	require.Equal(t, 0, summary.Count)
}
