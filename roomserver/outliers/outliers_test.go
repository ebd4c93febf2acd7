package outliers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coremx/homeserver/internal/kv"
)

func TestPutGetRoundTrips(t *testing.T) {
	s := New(kv.NewMemory())

	require.NoError(t, s.Put("$a:x", []byte(`{"event_id":"$a:x"}`)))

	raw, err := s.Get("$a:x")
	require.NoError(t, err)
	require.JSONEq(t, `{"event_id":"$a:x"}`, string(raw))

	has, err := s.Has("$a:x")
	require.NoError(t, err)
	require.True(t, has)
}

func TestHasFalseForMissing(t *testing.T) {
	s := New(kv.NewMemory())

	has, err := s.Has("$missing:x")
	require.NoError(t, err)
	require.False(t, has)
}

func TestPutIsIdempotent(t *testing.T) {
	s := New(kv.NewMemory())

	require.NoError(t, s.Put("$a:x", []byte(`{"v":1}`)))
	require.NoError(t, s.Put("$a:x", []byte(`{"v":2}`)))

	raw, err := s.Get("$a:x")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(raw))
}

func TestDeleteRemovesOutlier(t *testing.T) {
	s := New(kv.NewMemory())
	require.NoError(t, s.Put("$a:x", []byte(`{}`)))
	require.NoError(t, s.Delete("$a:x"))

	has, err := s.Has("$a:x")
	require.NoError(t, err)
	require.False(t, has)
}
