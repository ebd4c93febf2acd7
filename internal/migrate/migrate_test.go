package migrate

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"

	"github.com/coremx/homeserver/internal/kv"
)

func TestApplyOnFreshStoreWritesCurrentVersion(t *testing.T) {
	store := kv.NewMemory()
	require.NoError(t, Apply(store))

	version, err := readVersion(store)
	require.NoError(t, err)
	require.True(t, version.Equal(CurrentVersion))
}

func TestApplyIsIdempotent(t *testing.T) {
	store := kv.NewMemory()
	require.NoError(t, Apply(store))
	require.NoError(t, Apply(store))

	version, err := readVersion(store)
	require.NoError(t, err)
	require.True(t, version.Equal(CurrentVersion))
}

func TestApplyRunsRegisteredSteps(t *testing.T) {
	store := kv.NewMemory()
	require.NoError(t, writeVersion(store, semver.MustParse("0.9.0")))

	var ran bool
	original := Steps
	Steps = []Step{{
		From: semver.MustParse("0.9.0"),
		To:   CurrentVersion,
		Run: func(kv.Store) error {
			ran = true
			return nil
		},
	}}
	defer func() { Steps = original }()

	require.NoError(t, Apply(store))
	require.True(t, ran)

	version, err := readVersion(store)
	require.NoError(t, err)
	require.True(t, version.Equal(CurrentVersion))
}

func TestApplyRejectsDowngrade(t *testing.T) {
	store := kv.NewMemory()
	future := semver.MustParse("99.0.0")
	require.NoError(t, writeVersion(store, future))

	err := Apply(store)
	require.Error(t, err)
	var downgrade *ErrDowngrade
	require.ErrorAs(t, err, &downgrade)
	require.True(t, downgrade.Stored.Equal(future))
}

func TestApplyErrorsOnGapInUpgradePath(t *testing.T) {
	store := kv.NewMemory()
	require.NoError(t, writeVersion(store, semver.MustParse("0.1.0")))

	original := Steps
	Steps = []Step{{
		From: semver.MustParse("0.5.0"),
		To:   CurrentVersion,
		Run:  func(kv.Store) error { return nil },
	}}
	defer func() { Steps = original }()

	require.Error(t, Apply(store))
}
