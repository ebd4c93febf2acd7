// Package migrate versions the on-disk KV schema (spec §6: "Migration
// tool versions the database and performs forward-only upgrades"). A
// single semver is stored in the schema_version column; startup compares
// it against the binary's compiled-in version and runs any upgrade steps
// in between, refusing to start on a downgrade.
package migrate

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/coremx/homeserver/internal/kv"
)

const schemaVersionKey = "schema_version"

// CurrentVersion is the schema version this binary was built against.
// Bump it, and add a Step for the old->new transition, whenever a change
// to the column layout or encoding requires one.
var CurrentVersion = semver.MustParse("1.0.0")

// Step performs the on-disk transformation from From to To. Steps run in
// ascending From order; each one must leave the store at exactly To.
type Step struct {
	From *semver.Version
	To   *semver.Version
	Run  func(store kv.Store) error
}

// Steps is the registered upgrade path, ordered oldest-first. Empty for
// now: the schema hasn't changed since the version that introduced it.
var Steps []Step

// ErrDowngrade is returned when the stored schema version is newer than
// CurrentVersion: this binary is older than the data it's pointed at.
type ErrDowngrade struct {
	Stored  *semver.Version
	Running *semver.Version
}

func (e *ErrDowngrade) Error() string {
	return fmt.Sprintf("migrate: on-disk schema %s is newer than this binary's %s", e.Stored, e.Running)
}

// Apply reads the stored schema version from store, runs every
// registered Step needed to bring it up to CurrentVersion, and persists
// the result. A store with no stored version yet is treated as already
// at CurrentVersion (a fresh database needs no upgrading).
func Apply(store kv.Store) error {
	stored, err := readVersion(store)
	if err != nil {
		return err
	}
	if stored == nil {
		return writeVersion(store, CurrentVersion)
	}
	if stored.GreaterThan(CurrentVersion) {
		return &ErrDowngrade{Stored: stored, Running: CurrentVersion}
	}
	if stored.Equal(CurrentVersion) {
		return nil
	}

	applicable := make([]Step, 0, len(Steps))
	for _, step := range Steps {
		if step.From.Compare(stored) >= 0 && step.To.Compare(CurrentVersion) <= 0 {
			applicable = append(applicable, step)
		}
	}
	sort.Slice(applicable, func(i, j int) bool {
		return applicable[i].From.LessThan(applicable[j].From)
	})

	version := stored
	for _, step := range applicable {
		if !step.From.Equal(version) {
			return fmt.Errorf("migrate: no path from %s to %s: gap at step %s->%s", stored, CurrentVersion, step.From, step.To)
		}
		if err := step.Run(store); err != nil {
			return fmt.Errorf("migrate: step %s->%s: %w", step.From, step.To, err)
		}
		version = step.To
	}
	if !version.Equal(CurrentVersion) {
		return fmt.Errorf("migrate: no path from %s to %s", stored, CurrentVersion)
	}
	return writeVersion(store, CurrentVersion)
}

func readVersion(store kv.Store) (*semver.Version, error) {
	var raw []byte
	err := store.View(func(txn kv.Txn) error {
		col, err := txn.Column(schemaVersionKey)
		if err != nil {
			return err
		}
		v, err := col.Get([]byte(schemaVersionKey))
		if err == kv.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	version, err := semver.NewVersion(string(raw))
	if err != nil {
		return nil, fmt.Errorf("migrate: parse stored schema version %q: %w", raw, err)
	}
	return version, nil
}

func writeVersion(store kv.Store, version *semver.Version) error {
	return store.Update(func(txn kv.Txn) error {
		col, err := txn.Column(schemaVersionKey)
		if err != nil {
			return err
		}
		return col.Put([]byte(schemaVersionKey), []byte(version.String()))
	})
}
