// Package keyring implements C3, the server-key store and acquirer: the
// persisted table of other servers' signing keys, the notary/origin
// acquisition policy that fills gaps in it, and the canonical-JSON
// signature verification built on top of both (spec §4.5).
package keyring

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/coremx/homeserver/internal/kv"
)

// storedServerKeys is the persisted record for one server: its current
// verify_keys plus any old (expired but still usable for old events)
// verify_keys, matching spec §4.5's ServerSigningKeys shape.
type storedServerKeys struct {
	VerifyKeys    map[string]storedVerifyKey `json:"verify_keys"`
	OldVerifyKeys map[string]storedOldKey    `json:"old_verify_keys"`
}

type storedVerifyKey struct {
	Key          spec.Base64Bytes `json:"key"`
	ValidUntilTS spec.Timestamp   `json:"valid_until_ts"`
}

type storedOldKey struct {
	Key       spec.Base64Bytes `json:"key"`
	ExpiredTS spec.Timestamp   `json:"expired_ts"`
}

// Store is a gomatrixserverlib.KeyDatabase backed by the C1 KV store. It
// is consulted first by gomatrixserverlib.KeyRing before any KeyFetcher
// runs, giving the "local cache" step of spec §4.5's acquisition order.
type Store struct {
	kv kv.Store

	mu sync.Mutex
}

// NewStore constructs a Store over the given KV store.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

// FetcherName satisfies gomatrixserverlib.KeyDatabase.
func (s *Store) FetcherName() string { return "persisted-keystore" }

// FetchKeys satisfies gomatrixserverlib.KeyDatabase: it returns only keys
// already on disk, never reaching the network itself. A current verify
// key is returned only if it is valid past the request's minimum
// timestamp; an old verify key is returned whatever its expiry.
func (s *Store) FetchKeys(
	ctx context.Context,
	requests map[gomatrixserverlib.PublicKeyLookupRequest]spec.Timestamp,
) (map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult, error) {
	results := make(map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult, len(requests))

	err := s.kv.View(func(txn kv.Txn) error {
		col, err := txn.Column("server_signingkeys")
		if err != nil {
			return err
		}
		for req, minValidUntil := range requests {
			raw, err := col.Get([]byte(req.ServerName))
			if err == kv.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var rec storedServerKeys
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("keyring: decode stored keys for %s: %w", req.ServerName, err)
			}
			if vk, ok := rec.VerifyKeys[string(req.KeyID)]; ok && vk.ValidUntilTS >= minValidUntil {
				results[req] = gomatrixserverlib.PublicKeyLookupResult{
					VerifyKey:    gomatrixserverlib.VerifyKey{Key: vk.Key},
					ValidUntilTS: vk.ValidUntilTS,
				}
				continue
			}
			if ov, ok := rec.OldVerifyKeys[string(req.KeyID)]; ok {
				results[req] = gomatrixserverlib.PublicKeyLookupResult{
					VerifyKey: gomatrixserverlib.VerifyKey{Key: ov.Key},
					ExpiredTS: ov.ExpiredTS,
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// StoreKeys satisfies gomatrixserverlib.KeyDatabase: every fetched key is
// merged atomically into any existing record for that server (spec §4.5
// point 3: "Persist every fetched ServerSigningKeys atomically merging
// new verify_keys and old_verify_keys into any existing record").
func (s *Store) StoreKeys(
	ctx context.Context,
	keyMap map[gomatrixserverlib.PublicKeyLookupRequest]gomatrixserverlib.PublicKeyLookupResult,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byServer := make(map[spec.ServerName][]struct {
		req gomatrixserverlib.PublicKeyLookupRequest
		res gomatrixserverlib.PublicKeyLookupResult
	})
	for req, res := range keyMap {
		byServer[req.ServerName] = append(byServer[req.ServerName], struct {
			req gomatrixserverlib.PublicKeyLookupRequest
			res gomatrixserverlib.PublicKeyLookupResult
		}{req, res})
	}

	return s.kv.Update(func(txn kv.Txn) error {
		col, err := txn.Column("server_signingkeys")
		if err != nil {
			return err
		}
		for serverName, entries := range byServer {
			rec := storedServerKeys{
				VerifyKeys:    map[string]storedVerifyKey{},
				OldVerifyKeys: map[string]storedOldKey{},
			}
			existing, err := col.Get([]byte(serverName))
			if err != nil && err != kv.ErrKeyNotFound {
				return err
			}
			if err == nil {
				if jsonErr := json.Unmarshal(existing, &rec); jsonErr != nil {
					return fmt.Errorf("keyring: decode existing keys for %s: %w", serverName, jsonErr)
				}
			}
			for _, e := range entries {
				if e.res.ExpiredTS != 0 {
					rec.OldVerifyKeys[string(e.req.KeyID)] = storedOldKey{
						Key:       e.res.Key,
						ExpiredTS: e.res.ExpiredTS,
					}
					continue
				}
				rec.VerifyKeys[string(e.req.KeyID)] = storedVerifyKey{
					Key:          e.res.Key,
					ValidUntilTS: e.res.ValidUntilTS,
				}
			}
			encoded, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("keyring: encode keys for %s: %w", serverName, err)
			}
			if err := col.Put([]byte(serverName), encoded); err != nil {
				return err
			}
		}
		return nil
	})
}
